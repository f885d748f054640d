package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yabe-ex/grandpay-gateway/internal/common"
	"github.com/yabe-ex/grandpay-gateway/internal/session"
)

// Handler exposes the storefront checkout endpoints.
type Handler struct {
	Service *Service
	Store   Store
	Logger  zerolog.Logger
}

// Create handles POST /api/v1/checkout.
func (h Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "CHECKOUT_UNAVAILABLE", "checkout service not configured", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
		return
	}
	out, err := h.Service.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

type paymentView struct {
	OrderRef   string     `json:"orderRef"`
	SessionID  string     `json:"sessionId,omitempty"`
	Status     string     `json:"status"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Payment handles GET /api/v1/orders/{orderRef}/payment.
func (h Handler) Payment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "orderRef")
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "INVALID_REF", "order reference is required", nil)
		return
	}
	sess, err := h.Store.GetByRef(r.Context(), ref)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error().Err(err).Str("order_ref", ref).Msg("payment lookup failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load payment state", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": paymentView{
		OrderRef:   sess.OrderRef,
		SessionID:  sess.ProviderSessionID,
		Status:     string(sess.Status),
		Amount:     sess.Amount,
		Currency:   sess.Currency,
		CreatedAt:  sess.CreatedAt,
		ResolvedAt: sess.ResolvedAt,
	}})
}

func (h Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	h.Logger.Error().Err(err).Msg("checkout failed")
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout failed", nil)
}
