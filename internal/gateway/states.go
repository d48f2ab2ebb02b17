package gateway

import "github.com/noah-isme/billing-gopay/internal/ledger"

// Gateway payment states, see https://doc.gopay.com/#payment-states.
const (
	StatePaid                = "PAID"
	StateCreated             = "CREATED"
	StateCanceled            = "CANCELED"
	StateTimeouted           = "TIMEOUTED"
	StateAuthorized          = "AUTHORIZED"
	StatePaymentMethodChosen = "PAYMENT_METHOD_CHOSEN"
)

// Sub-states that keep a nominally final response pending,
// see https://doc.gopay.com/#payment-substate.
var pendingSubStates = map[string]struct{}{
	"_101": {},
	"_102": {},
}

func isPendingState(state string) bool {
	return state == StateCreated || state == StatePaymentMethodChosen
}

func isPendingSubState(subState string) bool {
	_, ok := pendingSubStates[subState]
	return ok
}

func isSuccessState(state string) bool {
	return state == StatePaid || state == StateAuthorized
}

func isFailureState(state string) bool {
	return state == StateCanceled || state == StateTimeouted
}

// failureStatus maps a gateway failure state onto the local payment status.
func failureStatus(state string) ledger.Status {
	if state == StateTimeouted {
		return ledger.StatusTimeout
	}
	return ledger.StatusFail
}
