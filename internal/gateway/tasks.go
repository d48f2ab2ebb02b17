package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-gopay/internal/ledger"
)

// Task type names routed through asynq.
const (
	TaskChargeDue      = "recurring:charge_due"
	TaskCardExpiryScan = "recurring:card_expiry_scan"
)

// NewChargeDueTask builds the periodic task that charges due subscriptions.
func NewChargeDueTask() *asynq.Task {
	return asynq.NewTask(TaskChargeDue, nil)
}

// NewCardExpiryScanTask builds the periodic task that refreshes stored card
// expirations for active subscriptions.
func NewCardExpiryScanTask() *asynq.Task {
	return asynq.NewTask(TaskCardExpiryScan, nil)
}

// ChargePaymentLedger is the payment surface the charge task needs: loading
// the subscription's origin payment, cloning it into a cycle payment and
// settling synchronous charge results.
type ChargePaymentLedger interface {
	Get(ctx context.Context, id uuid.UUID) (ledger.Payment, error)
	CreateCharge(ctx context.Context, origin ledger.Payment) (ledger.Payment, error)
	UpdateStatusFromForm(ctx context.Context, id uuid.UUID, status ledger.Status) (bool, error)
}

// SubscriptionMaintainer lists and maintains recurring subscriptions.
type SubscriptionMaintainer interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]ledger.RecurrentPayment, error)
	ListActiveTokens(ctx context.Context) ([]string, error)
	SetExpiry(ctx context.Context, token string, expiresAt time.Time) error
}

// TaskHandler wires the recurring controller into asynq workers.
type TaskHandler struct {
	Recurring  *Recurring
	Payments   ChargePaymentLedger
	Recurrents SubscriptionMaintainer
	Processor  SubscriptionProcessor
	BatchLimit int
	Logger     zerolog.Logger
}

// Register attaches the handlers to an asynq mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskChargeDue, h.HandleChargeDue)
	mux.HandleFunc(TaskCardExpiryScan, h.HandleCardExpiryScan)
}

// HandleChargeDue charges every subscription whose next charge is due. A
// failure of one subscription never blocks the rest of the batch; transient
// failures stay due and are retried on the next run.
func (h *TaskHandler) HandleChargeDue(ctx context.Context, _ *asynq.Task) error {
	due, err := h.Recurrents.ListDue(ctx, time.Now(), h.batchLimit())
	if err != nil {
		return err
	}
	for i := range due {
		rp := &due[i]
		if err := h.chargeOne(ctx, rp); err != nil {
			h.Logger.Error().Err(err).
				Str("recurrent_id", rp.ID.String()).
				Msg("recurring charge attempt failed")
		}
	}
	return nil
}

func (h *TaskHandler) chargeOne(ctx context.Context, rp *ledger.RecurrentPayment) error {
	origin, err := h.Payments.Get(ctx, rp.PaymentID)
	if err != nil {
		return err
	}
	cycle, err := h.Payments.CreateCharge(ctx, origin)
	if err != nil {
		return err
	}

	result, err := h.Recurring.Charge(ctx, cycle, rp.Token)
	switch {
	case err == nil && result == ChargePending:
		// The webhook finishes the reconciliation.
		h.Logger.Debug().
			Str("payment_id", cycle.ID.String()).
			Str("recurrent_id", rp.ID.String()).
			Msg("recurring charge accepted, awaiting notification")
		return nil
	case err == nil:
		if _, err := h.Payments.UpdateStatusFromForm(ctx, cycle.ID, ledger.StatusPaid); err != nil {
			return err
		}
		return h.Processor.ProcessCharged(ctx, rp, "OK", "charged")
	case errors.Is(err, ErrChargeStopped):
		code, message := chargeErrorDetail(err)
		if _, ferr := h.Payments.UpdateStatusFromForm(ctx, cycle.ID, ledger.StatusFail); ferr != nil {
			return ferr
		}
		return h.Processor.Disable(ctx, rp, code, message)
	case errors.Is(err, ErrChargeRetry):
		code, message := chargeErrorDetail(err)
		if _, ferr := h.Payments.UpdateStatusFromForm(ctx, cycle.ID, ledger.StatusFail); ferr != nil {
			return ferr
		}
		return h.Processor.ProcessFailed(ctx, rp, code, message)
	default:
		// Transport failure, the cycle payment stays in form and the
		// subscription stays due.
		return err
	}
}

// HandleCardExpiryScan refreshes the stored card expiration of every active
// subscription token.
func (h *TaskHandler) HandleCardExpiryScan(ctx context.Context, _ *asynq.Task) error {
	tokens, err := h.Recurrents.ListActiveTokens(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}
	expirations, err := h.Recurring.CheckExpire(ctx, tokens)
	if err != nil {
		return err
	}
	for token, at := range expirations {
		if err := h.Recurrents.SetExpiry(ctx, token, at); err != nil {
			return err
		}
	}
	h.Logger.Info().
		Int("tokens", len(tokens)).
		Int("updated", len(expirations)).
		Msg("card expiry scan finished")
	return nil
}

func (h *TaskHandler) batchLimit() int {
	if h.BatchLimit > 0 {
		return h.BatchLimit
	}
	return 100
}

func chargeErrorDetail(err error) (code, message string) {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce.Code, ce.Message
	}
	return "", err.Error()
}
