package gateway_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-gopay/internal/gateway"
	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
)

func notify(t *testing.T, h *gateway.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.Notification(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["status"]
}

func TestNotificationMissingID(t *testing.T) {
	f := newEngineFixture(formPayment(), "ref")
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationPaidAnswersOK(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "3100000001")
	f.client.status["3100000001"] = &gopay.StatusResponse{ID: 3100000001, State: "PAID"}
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=3100000001")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeStatus(t, rec))
	require.Equal(t, ledger.StatusPaid, f.ledger.payments[payment.ID].Status)
}

func TestNotificationUnknownReferenceAnswersOK(t *testing.T) {
	f := newEngineFixture(formPayment(), "ref-known")
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=ref-unknown")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeStatus(t, rec))
}

func TestNotificationEmptyResponseAnswersBadRequest(t *testing.T) {
	f := newEngineFixture(formPayment(), "ref-empty")
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=ref-empty")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationUnhandledStateAnswersOK(t *testing.T) {
	payment := formPayment()
	f := newEngineFixture(payment, "ref-weird")
	f.client.status["ref-weird"] = &gopay.StatusResponse{ID: 5, State: "REFUNDED"}
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=ref-weird")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeStatus(t, rec))
	require.Equal(t, ledger.StatusForm, f.ledger.payments[payment.ID].Status)
}

func TestNotificationTransportFailureAnswersBadGateway(t *testing.T) {
	f := newEngineFixture(formPayment(), "ref-down")
	f.client.statusErr = &gopay.APIError{Operation: "payment_status", Err: errors.New("timeout")}
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=ref-down")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNotificationChargePassesParentReference(t *testing.T) {
	cycle := formPayment()
	cycle.Gateway.IsRecurrent = true
	f := newEngineFixture(cycle, "charge-ref")
	f.subs.byToken["parent-token"] = &ledger.RecurrentPayment{Token: "parent-token", State: ledger.RecurrentActive}
	f.client.status["charge-ref"] = &gopay.StatusResponse{ID: 21, State: "PAID"}
	h := &gateway.Handler{Engine: f.engine, Logger: zerolog.Nop()}

	rec := notify(t, h, "/api/v1/gateways/gopay/notification?id=charge-ref&parent_id=parent-token")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.processor.charged, 1)
}
