package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-gopay/internal/ledger"
)

func TestStoppedStates(t *testing.T) {
	cases := []struct {
		state string
		want  bool
	}{
		{ledger.RecurrentActive, false},
		{ledger.RecurrentCharged, false},
		{ledger.RecurrentChargeFailed, false},
		{ledger.RecurrentSystemStop, true},
		{ledger.RecurrentUserStop, true},
	}
	for _, tc := range cases {
		rp := &ledger.RecurrentPayment{State: tc.state}
		require.Equal(t, tc.want, rp.Stopped(), "state %s", tc.state)
	}
}

func TestProcessorIgnoresStoppedSubscriptions(t *testing.T) {
	// A stopped subscription is never written to, so a zero-value store
	// proves no query was issued.
	p := ledger.Processor{Logger: zerolog.Nop()}
	rp := &ledger.RecurrentPayment{
		ID:    uuid.New(),
		Token: "token-1",
		State: ledger.RecurrentUserStop,
	}

	require.NoError(t, p.ProcessCharged(context.Background(), rp, "OK", "charged"))
	require.NoError(t, p.ProcessFailed(context.Background(), rp, "500", "failed"))
	require.NoError(t, p.Disable(context.Background(), rp, "340", "stopped"))
	require.Equal(t, ledger.RecurrentUserStop, rp.State)
	require.Zero(t, rp.ChargeCount)
}

func TestProcessorChargedIsIdempotentPerResultCode(t *testing.T) {
	p := ledger.Processor{Logger: zerolog.Nop()}
	rp := &ledger.RecurrentPayment{
		ID:             uuid.New(),
		Token:          "token-2",
		State:          ledger.RecurrentCharged,
		LastResultCode: "OK",
		ChargeCount:    3,
	}

	// Same outcome redelivered: no further write, count unchanged.
	require.NoError(t, p.ProcessCharged(context.Background(), rp, "OK", "charged"))
	require.Equal(t, 3, rp.ChargeCount)
}

func TestProcessorRequiresSubscription(t *testing.T) {
	p := ledger.Processor{Logger: zerolog.Nop()}
	require.Error(t, p.ProcessCharged(context.Background(), nil, "OK", ""))
	require.Error(t, p.ProcessFailed(context.Background(), nil, "500", ""))
	require.Error(t, p.Disable(context.Background(), nil, "340", ""))
}
