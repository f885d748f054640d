package grandpay

import "testing"

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"PAYMENT_CHECKOUT","data":{"object":{"id":"cs_1","status":"COMPLETED"}}}`)
	secret := "whsec_test"

	sig := SignPayload(payload, secret)
	if !VerifySignature(payload, sig, secret) {
		t.Fatal("valid signature should verify")
	}

	if VerifySignature(payload, sig, "other-secret") {
		t.Error("signature must not verify with a different secret")
	}
	if VerifySignature([]byte(`{"tampered":true}`), sig, secret) {
		t.Error("signature must not verify for a different payload")
	}
	if VerifySignature(payload, "deadbeef", secret) {
		t.Error("wrong signature must not verify")
	}
	if VerifySignature(payload, "not-hex!", secret) {
		t.Error("malformed signature must not verify")
	}
}

func TestVerifySignatureRequiresSecret(t *testing.T) {
	payload := []byte(`{}`)
	if VerifySignature(payload, SignPayload(payload, ""), "") {
		t.Error("empty secret must always fail verification")
	}
	if VerifySignature(payload, "", "whsec_test") {
		t.Error("empty signature must always fail verification")
	}
}
