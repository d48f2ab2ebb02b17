package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
	"github.com/noah-isme/billing-gopay/internal/obs"
)

// Notification log kinds.
const (
	LogKindNotification          = "gopay-notification"
	LogKindRecurrentNotification = "gopay-notification-recurrent"
)

// StatusClient is the slice of the GoPay API the engine needs.
type StatusClient interface {
	PaymentStatus(ctx context.Context, reference string) (*gopay.StatusResponse, error)
}

// MetadataRepo stores the per-payment gateway metadata.
type MetadataRepo interface {
	FindByReference(ctx context.Context, reference string) (Metadata, error)
	Update(ctx context.Context, paymentID uuid.UUID, values Values) error
}

// NotificationLog is the append-only audit trail of raw gateway responses.
type NotificationLog interface {
	Add(ctx context.Context, paymentID uuid.UUID, kind, result string, payload []byte) error
}

// PaymentLedger exposes the payment reads and the single guarded status
// transition the engine is allowed to perform.
type PaymentLedger interface {
	Get(ctx context.Context, id uuid.UUID) (ledger.Payment, error)
	UpdateStatusFromForm(ctx context.Context, id uuid.UUID, status ledger.Status) (bool, error)
}

// SubscriptionLedger resolves and bootstraps recurring subscriptions.
type SubscriptionLedger interface {
	FindByToken(ctx context.Context, token string) (*ledger.RecurrentPayment, error)
	CreateFromPayment(ctx context.Context, payment ledger.Payment, token string) (*ledger.RecurrentPayment, error)
}

// SubscriptionProcessor applies charge outcomes to a subscription.
type SubscriptionProcessor interface {
	ProcessCharged(ctx context.Context, rp *ledger.RecurrentPayment, code, message string) error
	ProcessFailed(ctx context.Context, rp *ledger.RecurrentPayment, code, message string) error
	Disable(ctx context.Context, rp *ledger.RecurrentPayment, code, message string) error
}

// Locker serialises reconciliation per payment.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Engine reconciles asynchronous GoPay notifications against the payment
// ledger. It never retries a gateway call itself; redelivery is driven by
// GoPay and by the HTTP status the webhook handler returns.
type Engine struct {
	Client     StatusClient
	Meta       MetadataRepo
	Log        NotificationLog
	Payments   PaymentLedger
	Recurrents SubscriptionLedger
	Processor  SubscriptionProcessor
	Locker     Locker
	LockTTL    time.Duration
	StopCodes  []string
	Logger     zerolog.Logger
}

// Reconcile resolves the payment behind a transaction reference, fetches the
// authoritative state from GoPay and applies at most one status transition.
// parentReference is the recurrence token GoPay sends with charge
// notifications; it is empty for one-off and initial recurring payments.
func (e *Engine) Reconcile(ctx context.Context, reference, parentReference string) error {
	ctx, span := otel.Tracer("gateway").Start(ctx, "Engine.Reconcile",
		trace.WithAttributes(attribute.String("gopay.reference", reference)))
	defer span.End()

	kind := LogKindNotification
	if parentReference != "" {
		kind = LogKindRecurrentNotification
	}

	meta, err := e.Meta.FindByReference(ctx, reference)
	if err != nil {
		e.count(kind, "unknown_reference")
		return err
	}

	resp, err := e.Client.PaymentStatus(ctx, reference)
	if err != nil {
		e.count(kind, "gateway_error")
		return fmt.Errorf("fetch payment status: %w", err)
	}
	if resp == nil {
		e.count(kind, "invalid_response")
		return ErrInvalidResponse
	}

	e.appendLog(ctx, meta.PaymentID, kind, resp)

	lockKey := "gopay:reconcile:" + meta.PaymentID.String()
	err = e.Locker.WithLock(ctx, lockKey, e.lockTTL(), func(ctx context.Context) error {
		return e.apply(ctx, meta, reference, parentReference, resp)
	})
	if err != nil {
		e.count(kind, "error")
		return err
	}
	e.count(kind, "ok")
	return nil
}

func (e *Engine) apply(ctx context.Context, meta Metadata, reference, parentReference string, resp *gopay.StatusResponse) error {
	payment, err := e.Payments.Get(ctx, meta.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment %s: %w", meta.PaymentID, err)
	}

	// Redeliveries of an already reconciled notification are a no-op.
	if payment.Status != ledger.StatusForm {
		e.Logger.Debug().
			Str("payment_id", payment.ID.String()).
			Str("status", string(payment.Status)).
			Msg("payment already reconciled, skipping notification")
		return nil
	}

	if err := e.Meta.Update(ctx, payment.ID, BuildValues(resp)); err != nil {
		return fmt.Errorf("update gateway metadata: %w", err)
	}

	// A response without a state but with an error payload means the
	// gateway rejected the payment outright.
	if resp.State == "" {
		if resp.FirstError() != nil {
			return e.handleFailure(ctx, payment, parentReference, StateCanceled, resp)
		}
		return ErrInvalidResponse
	}

	if isPendingSubState(resp.SubState) || isPendingState(resp.State) {
		return nil
	}

	switch {
	case isSuccessState(resp.State):
		return e.handleSuccess(ctx, payment, reference, parentReference, resp)
	case isFailureState(resp.State):
		return e.handleFailure(ctx, payment, parentReference, resp.State, resp)
	default:
		return &UnhandledStateError{PaymentID: payment.ID, Reference: reference, State: resp.State}
	}
}

func (e *Engine) handleSuccess(ctx context.Context, payment ledger.Payment, reference, parentReference string, resp *gopay.StatusResponse) error {
	applied, err := e.Payments.UpdateStatusFromForm(ctx, payment.ID, ledger.StatusPaid)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if !payment.Gateway.IsRecurrent {
		return nil
	}
	if parentReference != "" {
		rp, err := e.Recurrents.FindByToken(ctx, parentReference)
		switch {
		case err == nil:
			return e.Processor.ProcessCharged(ctx, rp, resp.ResultCode(), resp.ResultMessage())
		case errors.Is(err, ledger.ErrNotFound):
			// The parent authorization never produced a subscription row,
			// so treat this payment as the bootstrap.
		default:
			return fmt.Errorf("resolve subscription for token: %w", err)
		}
	}
	// Initial recurring payment: the transaction reference becomes the
	// recurrence token for all future on-demand charges.
	if _, err := e.Recurrents.CreateFromPayment(ctx, payment, reference); err != nil {
		return fmt.Errorf("bootstrap subscription: %w", err)
	}
	e.Logger.Info().
		Str("payment_id", payment.ID.String()).
		Str("token", reference).
		Msg("recurring subscription started")
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, payment ledger.Payment, parentReference, state string, resp *gopay.StatusResponse) error {
	applied, err := e.Payments.UpdateStatusFromForm(ctx, payment.ID, failureStatus(state))
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if !payment.Gateway.IsRecurrent || parentReference == "" {
		return nil
	}
	rp, err := e.Recurrents.FindByToken(ctx, parentReference)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// No subscription ever got bootstrapped for this token; the
			// failed cycle payment is all there is to record.
			return nil
		}
		return fmt.Errorf("resolve subscription for token: %w", err)
	}
	code, message := resp.ResultCode(), resp.ResultMessage()
	if containsCode(e.StopCodes, code) {
		return e.Processor.Disable(ctx, rp, code, message)
	}
	return e.Processor.ProcessFailed(ctx, rp, code, message)
}

func (e *Engine) appendLog(ctx context.Context, paymentID uuid.UUID, kind string, resp *gopay.StatusResponse) {
	result := "OK"
	if !resp.Successful() {
		result = "ERROR"
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		payload = []byte(`{}`)
	}
	if err := e.Log.Add(ctx, paymentID, kind, result, payload); err != nil {
		e.Logger.Warn().Err(err).
			Str("payment_id", paymentID.String()).
			Msg("failed to append notification log")
	}
}

func (e *Engine) lockTTL() time.Duration {
	if e.LockTTL > 0 {
		return e.LockTTL
	}
	return 30 * time.Second
}

func (e *Engine) count(kind, result string) {
	if obs.NotificationTotal != nil {
		obs.NotificationTotal.WithLabelValues(kind, result).Inc()
	}
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
