package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-gopay/internal/common"
	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
)

// PaymentResolver loads payments for the customer-facing endpoints.
type PaymentResolver interface {
	Get(ctx context.Context, id uuid.UUID) (ledger.Payment, error)
	GetByVariableSymbol(ctx context.Context, vs string) (ledger.Payment, error)
}

// Handler exposes the GoPay webhook and the customer-facing purchase
// endpoints.
type Handler struct {
	Engine   *Engine
	Purchase *Purchase
	Payments PaymentResolver
	Logger   zerolog.Logger
}

// Notification handles the server-to-server callback GoPay fires on every
// payment state change. GoPay redelivers on non-2xx responses, so the
// handler answers 200 for every terminal outcome, including the ones it can
// only log, and reserves error statuses for conditions a redelivery could
// actually fix.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(r.URL.Query().Get("id"))
	if reference == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing id parameter")
		return
	}
	parentReference := strings.TrimSpace(r.URL.Query().Get("parent_id"))

	err := h.Engine.Reconcile(r.Context(), reference, parentReference)
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrPaymentNotFound):
		h.Logger.Warn().Str("reference", reference).Msg("notification for unknown transaction reference")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrInvalidResponse):
		h.Logger.Error().Str("reference", reference).Msg("empty status response from gopay")
		common.JSONError(w, http.StatusBadRequest, "INVALID_RESPONSE", "invalid_response")
	case isTransient(err):
		h.Logger.Error().Err(err).Str("reference", reference).Msg("transient failure, awaiting redelivery")
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", "gateway unavailable")
	default:
		h.Logger.Error().Err(err).Str("reference", reference).Msg("notification reconciliation failed")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Begin opens a payment on the gateway and hands the hosted page URL back
// to the caller for the redirect.
func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payment id")
		return
	}
	payment, err := h.Payments.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found")
			return
		}
		h.Logger.Error().Err(err).Str("payment_id", id.String()).Msg("load payment")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load payment")
		return
	}
	if payment.Status != ledger.StatusForm {
		common.JSONError(w, http.StatusConflict, "CONFLICT", "payment already settled")
		return
	}
	redirect, err := h.Purchase.Begin(r.Context(), payment)
	if err != nil {
		h.Logger.Error().Err(err).Str("payment_id", id.String()).Msg("begin gopay payment")
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", "failed to open payment")
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"redirect_url": redirect})
}

// Return settles the customer coming back from the hosted gateway page. The
// answer is advisory; the webhook remains the authoritative path.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	vs := strings.TrimSpace(r.URL.Query().Get("vs"))
	if vs == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing vs parameter")
		return
	}
	payment, err := h.Payments.GetByVariableSymbol(r.Context(), vs)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found")
			return
		}
		h.Logger.Error().Err(err).Str("vs", vs).Msg("load payment by variable symbol")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load payment")
		return
	}
	result, err := h.Purchase.Complete(r.Context(), payment)
	if err != nil {
		h.Logger.Error().Err(err).Str("vs", vs).Msg("complete gopay payment")
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_ERROR", "failed to check payment")
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

// isTransient reports whether a redelivery of the notification has a chance
// of succeeding where this attempt did not.
func isTransient(err error) bool {
	var apiErr *gopay.APIError
	return errors.As(err, &apiErr)
}
