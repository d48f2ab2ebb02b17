package gateway

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrPaymentNotFound means no local payment has been associated with
	// the transaction reference carried by a notification.
	ErrPaymentNotFound = errors.New("gateway: no payment for transaction reference")

	// ErrInvalidResponse means GoPay answered the status call with an
	// empty body, so there is nothing to reconcile against.
	ErrInvalidResponse = errors.New("gateway: empty status response from gopay")

	// ErrChargeStopped means the gateway refused a recurring charge with a
	// result code configured as terminal. The subscription must not be
	// retried.
	ErrChargeStopped = errors.New("gateway: recurring charge stopped")

	// ErrChargeRetry means a recurring charge failed with a transient
	// result and may be attempted again on the next cycle.
	ErrChargeRetry = errors.New("gateway: recurring charge failed, retry later")
)

// UnhandledStateError is returned when GoPay reports a state the engine has
// no transition for. The payment is left untouched so a later notification
// or manual intervention can finish the reconciliation.
type UnhandledStateError struct {
	PaymentID uuid.UUID
	Reference string
	State     string
}

func (e *UnhandledStateError) Error() string {
	return fmt.Sprintf("gateway: unhandled gopay state %q for payment %s (reference %s)", e.State, e.PaymentID, e.Reference)
}

// ChargeError carries the gateway result code and message alongside the
// stop/retry classification sentinel.
type ChargeError struct {
	Code    string
	Message string
	err     error
}

func (e *ChargeError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", e.err, e.Code, e.Message)
}

func (e *ChargeError) Unwrap() error { return e.err }

func newChargeError(sentinel error, code, message string) *ChargeError {
	return &ChargeError{Code: code, Message: message, err: sentinel}
}
