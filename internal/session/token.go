package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken covers expired, tampered, and mismatched correlation tokens.
var ErrInvalidToken = errors.New("session: invalid correlation token")

// Claims is the snapshot embedded in a correlation token. The snapshot lets
// the reconciliation engine fall back to contact matching, and as a last
// resort rebuild a minimal order, when the primary reference cannot be
// resolved.
type Claims struct {
	OrderRef string
	Email    string
	Amount   int64
	Currency string
}

// Signer mints and verifies the signed correlation token carried through the
// provider redirect round trip. Tokens are HS256 JWTs with a bounded TTL so a
// leaked callback URL cannot be replayed indefinitely.
type Signer struct {
	Secret []byte
	TTL    time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign issues a token bound to the order reference with the contact snapshot
// as private claims.
func (s *Signer) Sign(c Claims) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Subject(c.OrderRef).
		IssuedAt(now).
		Expiration(now.Add(s.TTL)).
		Claim("email", c.Email).
		Claim("amt", c.Amount).
		Claim("cur", c.Currency).
		Build()
	if err != nil {
		return "", fmt.Errorf("build correlation token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.Secret))
	if err != nil {
		return "", fmt.Errorf("sign correlation token: %w", err)
	}
	return string(signed), nil
}

// Verify checks signature and expiry and that the token is bound to orderRef.
// Any failure is reported as ErrInvalidToken; callers must not fall back to
// trusting the redirect parameters.
func (s *Signer) Verify(token, orderRef string) (Claims, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, s.Secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tok.Subject() == "" || tok.Subject() != orderRef {
		return Claims{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	c := Claims{OrderRef: tok.Subject()}
	if v, ok := tok.Get("email"); ok {
		if s, ok := v.(string); ok {
			c.Email = s
		}
	}
	if v, ok := tok.Get("cur"); ok {
		if s, ok := v.(string); ok {
			c.Currency = s
		}
	}
	if v, ok := tok.Get("amt"); ok {
		switch n := v.(type) {
		case float64:
			c.Amount = int64(n)
		case int64:
			c.Amount = n
		}
	}
	return c, nil
}
