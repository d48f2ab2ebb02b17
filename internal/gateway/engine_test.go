package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-gopay/internal/gateway"
	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
)

type fakeClient struct {
	status    map[string]*gopay.StatusResponse
	statusErr error

	createResp *gopay.StatusResponse
	createErr  error
	createReqs []*gopay.PaymentRequest

	recurrenceResp  *gopay.StatusResponse
	recurrenceErr   error
	recurrenceToken string
	recurrenceReq   *gopay.PaymentRequest
}

func (f *fakeClient) CreatePayment(_ context.Context, req *gopay.PaymentRequest) (*gopay.StatusResponse, error) {
	f.createReqs = append(f.createReqs, req)
	return f.createResp, f.createErr
}

func (f *fakeClient) PaymentStatus(_ context.Context, reference string) (*gopay.StatusResponse, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status[reference], nil
}

func (f *fakeClient) CreateRecurrence(_ context.Context, token string, req *gopay.PaymentRequest) (*gopay.StatusResponse, error) {
	f.recurrenceToken = token
	f.recurrenceReq = req
	return f.recurrenceResp, f.recurrenceErr
}

type metaAdd struct {
	paymentID     uuid.UUID
	transactionID string
	reference     string
}

type fakeMeta struct {
	byReference map[string]gateway.Metadata
	added       []metaAdd
	updates     map[uuid.UUID][]gateway.Values
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		byReference: make(map[string]gateway.Metadata),
		updates:     make(map[uuid.UUID][]gateway.Values),
	}
}

func (m *fakeMeta) FindByReference(_ context.Context, reference string) (gateway.Metadata, error) {
	row, ok := m.byReference[reference]
	if !ok {
		return gateway.Metadata{}, gateway.ErrPaymentNotFound
	}
	return row, nil
}

func (m *fakeMeta) FindByPayment(_ context.Context, paymentID uuid.UUID) (gateway.Metadata, error) {
	for _, row := range m.byReference {
		if row.PaymentID == paymentID {
			return row, nil
		}
	}
	return gateway.Metadata{}, gateway.ErrPaymentNotFound
}

func (m *fakeMeta) Add(_ context.Context, paymentID uuid.UUID, transactionID, reference string) error {
	m.added = append(m.added, metaAdd{paymentID: paymentID, transactionID: transactionID, reference: reference})
	m.byReference[reference] = gateway.Metadata{
		PaymentID:            paymentID,
		TransactionID:        transactionID,
		TransactionReference: reference,
	}
	return nil
}

func (m *fakeMeta) Update(_ context.Context, paymentID uuid.UUID, values gateway.Values) error {
	m.updates[paymentID] = append(m.updates[paymentID], values)
	return nil
}

type logEntry struct {
	paymentID uuid.UUID
	kind      string
	result    string
	payload   []byte
}

type fakeLog struct {
	entries []logEntry
}

func (l *fakeLog) Add(_ context.Context, paymentID uuid.UUID, kind, result string, payload []byte) error {
	l.entries = append(l.entries, logEntry{paymentID: paymentID, kind: kind, result: result, payload: payload})
	return nil
}

type fakeLedger struct {
	payments map[uuid.UUID]*ledger.Payment
	charges  []uuid.UUID
}

func newFakeLedger(payments ...*ledger.Payment) *fakeLedger {
	l := &fakeLedger{payments: make(map[uuid.UUID]*ledger.Payment)}
	for _, p := range payments {
		l.payments[p.ID] = p
	}
	return l
}

func (l *fakeLedger) Get(_ context.Context, id uuid.UUID) (ledger.Payment, error) {
	p, ok := l.payments[id]
	if !ok {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return *p, nil
}

func (l *fakeLedger) UpdateStatusFromForm(_ context.Context, id uuid.UUID, status ledger.Status) (bool, error) {
	p, ok := l.payments[id]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if p.Status != ledger.StatusForm {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (l *fakeLedger) CreateCharge(_ context.Context, origin ledger.Payment) (ledger.Payment, error) {
	charge := origin
	charge.ID = uuid.New()
	charge.Status = ledger.StatusForm
	l.payments[charge.ID] = &charge
	l.charges = append(l.charges, charge.ID)
	return charge, nil
}

type fakeSubs struct {
	byToken map[string]*ledger.RecurrentPayment
	created []string // tokens
}

func newFakeSubs(subs ...*ledger.RecurrentPayment) *fakeSubs {
	s := &fakeSubs{byToken: make(map[string]*ledger.RecurrentPayment)}
	for _, rp := range subs {
		s.byToken[rp.Token] = rp
	}
	return s
}

func (s *fakeSubs) FindByToken(_ context.Context, token string) (*ledger.RecurrentPayment, error) {
	rp, ok := s.byToken[token]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return rp, nil
}

func (s *fakeSubs) CreateFromPayment(_ context.Context, payment ledger.Payment, token string) (*ledger.RecurrentPayment, error) {
	rp := &ledger.RecurrentPayment{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		Token:     token,
		State:     ledger.RecurrentActive,
	}
	s.byToken[token] = rp
	s.created = append(s.created, token)
	return rp, nil
}

func (s *fakeSubs) ListDue(_ context.Context, _ time.Time, _ int) ([]ledger.RecurrentPayment, error) {
	var due []ledger.RecurrentPayment
	for _, rp := range s.byToken {
		due = append(due, *rp)
	}
	return due, nil
}

func (s *fakeSubs) ListActiveTokens(_ context.Context) ([]string, error) {
	var tokens []string
	for token := range s.byToken {
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (s *fakeSubs) SetExpiry(_ context.Context, token string, expiresAt time.Time) error {
	if rp, ok := s.byToken[token]; ok {
		rp.ExpiresAt = &expiresAt
	}
	return nil
}

type processorCall struct {
	token   string
	code    string
	message string
}

type fakeProcessor struct {
	charged  []processorCall
	failed   []processorCall
	disabled []processorCall
}

func (p *fakeProcessor) ProcessCharged(_ context.Context, rp *ledger.RecurrentPayment, code, message string) error {
	p.charged = append(p.charged, processorCall{token: rp.Token, code: code, message: message})
	return nil
}

func (p *fakeProcessor) ProcessFailed(_ context.Context, rp *ledger.RecurrentPayment, code, message string) error {
	p.failed = append(p.failed, processorCall{token: rp.Token, code: code, message: message})
	return nil
}

func (p *fakeProcessor) Disable(_ context.Context, rp *ledger.RecurrentPayment, code, message string) error {
	p.disabled = append(p.disabled, processorCall{token: rp.Token, code: code, message: message})
	return nil
}

type fakeLock struct {
	keys []string
}

func (l *fakeLock) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	l.keys = append(l.keys, key)
	return fn(ctx)
}

type engineFixture struct {
	engine    *gateway.Engine
	client    *fakeClient
	meta      *fakeMeta
	log       *fakeLog
	ledger    *fakeLedger
	subs      *fakeSubs
	processor *fakeProcessor
	lock      *fakeLock
}

func newEngineFixture(payment *ledger.Payment, reference string) *engineFixture {
	f := &engineFixture{
		client:    &fakeClient{status: make(map[string]*gopay.StatusResponse)},
		meta:      newFakeMeta(),
		log:       &fakeLog{},
		ledger:    newFakeLedger(payment),
		subs:      newFakeSubs(),
		processor: &fakeProcessor{},
		lock:      &fakeLock{},
	}
	f.meta.byReference[reference] = gateway.Metadata{
		PaymentID:            payment.ID,
		TransactionID:        reference,
		TransactionReference: reference,
	}
	f.engine = &gateway.Engine{
		Client:     f.client,
		Meta:       f.meta,
		Log:        f.log,
		Payments:   f.ledger,
		Recurrents: f.subs,
		Processor:  f.processor,
		Locker:     f.lock,
		StopCodes:  []string{"340"},
		Logger:     zerolog.Nop(),
	}
	return f
}

func formPayment() *ledger.Payment {
	return &ledger.Payment{
		ID:             uuid.New(),
		VariableSymbol: "2026000123",
		Amount:         49900,
		Currency:       "CZK",
		Status:         ledger.StatusForm,
		Gateway:        ledger.Gateway{Code: "gopay"},
		Items:          []ledger.PaymentItem{{Name: "subscription", Amount: 49900, Count: 1, VAT: 21}},
	}
}

func TestReconcilePaidMarksPaymentPaid(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "3100000001")
	f.client.status["3100000001"] = &gopay.StatusResponse{ID: 3100000001, State: "PAID", GwURL: "https://gw/p"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "3100000001", ""))

	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
	require.Len(t, f.log.entries, 1)
	require.Equal(t, "gopay-notification", f.log.entries[0].kind)
	require.Equal(t, "OK", f.log.entries[0].result)
	require.Len(t, f.meta.updates[payment.ID], 1)
	require.Len(t, f.lock.keys, 1)
}

func TestReconcileAuthorizedMarksPaymentPaid(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-auth")
	f.client.status["ref-auth"] = &gopay.StatusResponse{ID: 7, State: "AUTHORIZED"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-auth", ""))
	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
}

func TestReconcileCanceledAndTimeoutedDiverge(t *testing.T) {
	cases := []struct {
		state string
		want  ledger.Status
	}{
		{"CANCELED", ledger.StatusFail},
		{"TIMEOUTED", ledger.StatusTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			payment := formPayment()
			f := newEngineFixture(payment, "ref-1")
			f.client.status["ref-1"] = &gopay.StatusResponse{ID: 1, State: tc.state}

			require.NoError(t, f.engine.Reconcile(context.Background(), "ref-1", ""))
			require.Equal(t, tc.want, f.ledger.payments[payment.ID].Status)
		})
	}
}

func TestReconcilePendingSubStateOverridesFinalState(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-sub")
	f.client.status["ref-sub"] = &gopay.StatusResponse{ID: 2, State: "PAID", SubState: "_101"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-sub", ""))

	// No transition, but the reported details are persisted.
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
	require.Len(t, f.meta.updates[payment.ID], 1)
}

func TestReconcilePendingStateIsNoOp(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-created")
	f.client.status["ref-created"] = &gopay.StatusResponse{ID: 3, State: "CREATED"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-created", ""))
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
}

func TestReconcileRedeliveryIsIdempotent(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-redeliver")
	f.client.status["ref-redeliver"] = &gopay.StatusResponse{ID: 4, State: "PAID"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-redeliver", ""))
	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-redeliver", ""))

	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
	// Every delivery is logged, the transition and metadata write happen once.
	require.Len(t, f.log.entries, 2)
	require.Len(t, f.meta.updates[payment.ID], 1)
}

func TestReconcileUnknownReference(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-known")

	err := f.engine.Reconcile(context.Background(), "ref-unknown", "")
	require.ErrorIs(t, err, gateway.ErrPaymentNotFound)
	require.Empty(t, f.log.entries)
}

func TestReconcileEmptyResponse(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-empty")
	// No status entry for the reference, the fake answers nil, nil.

	err := f.engine.Reconcile(context.Background(), "ref-empty", "")
	require.ErrorIs(t, err, gateway.ErrInvalidResponse)
	require.Empty(t, f.log.entries)
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
}

func TestReconcileUnhandledStateLeavesPaymentUntouched(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-weird")
	f.client.status["ref-weird"] = &gopay.StatusResponse{ID: 5, State: "REFUNDED"}

	err := f.engine.Reconcile(context.Background(), "ref-weird", "")
	var unhandled *gateway.UnhandledStateError
	require.ErrorAs(t, err, &unhandled)
	require.Equal(t, "REFUNDED", unhandled.State)
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
	require.Len(t, f.log.entries, 1)
}

func TestReconcileErrorPayloadWithoutStateFails(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-err")
	f.client.status["ref-err"] = &gopay.StatusResponse{
		Errors: []gopay.ErrorDetail{{ErrorCode: 110, ErrorName: "INVALID", Message: "validation failed"}},
	}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-err", ""))
	require.Equal(t, ledger.StatusFail, f.ledger.payments[payment.ID].Status)
	require.Equal(t, "ERROR", f.log.entries[0].result)
}

func TestReconcileTransportErrorSurfaces(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-down")
	f.client.statusErr = &gopay.APIError{Operation: "payment_status", Err: errors.New("dial tcp: refused")}

	err := f.engine.Reconcile(context.Background(), "ref-down", "")
	var apiErr *gopay.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Empty(t, f.log.entries)
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
}

func TestReconcileBootstrapsSubscription(t *testing.T) {
	payment := formPayment()
	payment.Gateway.IsRecurrent = true
	f := newEngineFixture(payment, "3100000042")
	f.client.status["3100000042"] = &gopay.StatusResponse{
		ID:    3100000042,
		State: "PAID",
		Recurrence: &gopay.Recurrence{
			Cycle:  "ON_DEMAND",
			DateTo: "2030-12-31",
			State:  "REQUESTED",
		},
	}

	require.NoError(t, f.engine.Reconcile(context.Background(), "3100000042", ""))

	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
	require.Equal(t, []string{"3100000042"}, f.subs.created)
	rp, err := f.subs.FindByToken(context.Background(), "3100000042")
	require.NoError(t, err)
	require.Equal(t, payment.ID, rp.PaymentID)
}

func TestReconcileBootstrapHappensOnce(t *testing.T) {
	payment := formPayment()
	payment.Gateway.IsRecurrent = true
	f := newEngineFixture(payment, "ref-boot")
	f.client.status["ref-boot"] = &gopay.StatusResponse{ID: 9, State: "PAID"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-boot", ""))
	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-boot", ""))
	require.Len(t, f.subs.created, 1)
}

func TestReconcileChargeWithoutSubscriptionBootstraps(t *testing.T) {
	payment := formPayment()
	payment.Gateway.IsRecurrent = true
	f := newEngineFixture(payment, "abc123")
	f.client.status["abc123"] = &gopay.StatusResponse{ID: 21, State: "PAID"}

	// parent_id names a token no subscription row exists for.
	require.NoError(t, f.engine.Reconcile(context.Background(), "abc123", "orphan-token"))

	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
	require.Equal(t, []string{"abc123"}, f.subs.created)
	require.Empty(t, f.processor.charged)
}

func TestReconcileChargeFailureWithoutSubscription(t *testing.T) {
	payment := formPayment()
	payment.Gateway.IsRecurrent = true
	f := newEngineFixture(payment, "ref-orphan-fail")
	f.client.status["ref-orphan-fail"] = &gopay.StatusResponse{ID: 22, State: "CANCELED"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "ref-orphan-fail", "orphan-token"))

	require.Equal(t, ledger.StatusFail, f.ledger.payments[payment.ID].Status)
	require.Empty(t, f.processor.failed)
	require.Empty(t, f.processor.disabled)
}

func TestReconcileChargeNotificationProcessesSubscription(t *testing.T) {
	cycle := formPayment()
	cycle.Gateway.IsRecurrent = true
	f := newEngineFixture(cycle, "charge-ref-1")
	f.subs.byToken["parent-token"] = &ledger.RecurrentPayment{
		ID:    uuid.New(),
		Token: "parent-token",
		State: ledger.RecurrentActive,
	}
	f.client.status["charge-ref-1"] = &gopay.StatusResponse{ID: 11, State: "PAID"}

	require.NoError(t, f.engine.Reconcile(context.Background(), "charge-ref-1", "parent-token"))

	require.Equal(t, ledger.StatusPaid, f.ledger.payments[cycle.ID].Status)
	require.Len(t, f.processor.charged, 1)
	require.Equal(t, "parent-token", f.processor.charged[0].token)
	require.Equal(t, "gopay-notification-recurrent", f.log.entries[0].kind)
	require.Empty(t, f.subs.created)
}

func TestReconcileChargeFailureClassifiesStopCodes(t *testing.T) {
	cases := []struct {
		name      string
		errorCode int
		stopped   bool
	}{
		{name: "stop code disables subscription", errorCode: 340, stopped: true},
		{name: "other code fails the cycle only", errorCode: 500, stopped: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cycle := formPayment()
			cycle.Gateway.IsRecurrent = true
			f := newEngineFixture(cycle, "charge-ref-2")
			f.subs.byToken["parent-token"] = &ledger.RecurrentPayment{
				ID:    uuid.New(),
				Token: "parent-token",
				State: ledger.RecurrentActive,
			}
			f.client.status["charge-ref-2"] = &gopay.StatusResponse{
				ID:     12,
				State:  "CANCELED",
				Errors: []gopay.ErrorDetail{{ErrorCode: tc.errorCode, Description: "card blocked"}},
			}

			require.NoError(t, f.engine.Reconcile(context.Background(), "charge-ref-2", "parent-token"))
			require.Equal(t, ledger.StatusFail, f.ledger.payments[cycle.ID].Status)
			if tc.stopped {
				require.Len(t, f.processor.disabled, 1)
				require.Empty(t, f.processor.failed)
			} else {
				require.Len(t, f.processor.failed, 1)
				require.Empty(t, f.processor.disabled)
			}
		})
	}
}
