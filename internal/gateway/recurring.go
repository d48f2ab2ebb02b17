package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
	"github.com/noah-isme/billing-gopay/internal/obs"
)

// ChargeResult reports how an on-demand recurring charge was accepted.
type ChargeResult string

const (
	// ChargeOK means the gateway settled the charge synchronously.
	ChargeOK ChargeResult = "ok"
	// ChargePending means the gateway accepted the charge and the final
	// outcome will arrive through the notification webhook.
	ChargePending ChargeResult = "pending"
)

// Recurring drives the off-session side of the GoPay integration: charging
// stored recurrence tokens and inspecting their validity and card expiry.
type Recurring struct {
	Client gopay.Client
	Meta   PurchaseMetadata

	GoID       string
	Currency   string
	SiteTitle  string
	EETEnabled bool
	StopCodes  []string

	Logger zerolog.Logger
}

// Charge submits an on-demand recurrence against the token for the amount
// of the given cycle payment. Callers classify the returned error:
// ErrChargeStopped terminates the subscription, ErrChargeRetry leaves it for
// the next cycle, and *gopay.APIError means the gateway never answered.
func (r *Recurring) Charge(ctx context.Context, payment ledger.Payment, token string) (ChargeResult, error) {
	req := &gopay.PaymentRequest{
		Target:           &gopay.Target{Type: "ACCOUNT", GoID: r.GoID},
		Amount:           payment.Amount,
		Currency:         r.currency(payment),
		OrderNumber:      payment.VariableSymbol,
		OrderDescription: r.SiteTitle,
		Items:            requestItems(payment),
	}
	if r.EETEnabled {
		eet, err := buildEET(payment, r.currency(payment))
		if err != nil {
			return "", err
		}
		req.EET = eet
	}

	resp, err := r.Client.CreateRecurrence(ctx, token, req)
	if err != nil {
		r.count("transport_error")
		return "", fmt.Errorf("create recurrence: %w", err)
	}
	if resp == nil {
		r.count("invalid_response")
		return "", ErrInvalidResponse
	}

	if reference := resp.TransactionID(); reference != "" {
		if err := r.Meta.Add(ctx, payment.ID, reference, reference); err != nil {
			return "", err
		}
		if err := r.Meta.Update(ctx, payment.ID, BuildValues(resp)); err != nil {
			return "", err
		}
	}

	if isPendingState(resp.State) {
		r.count("pending")
		return ChargePending, nil
	}
	if gwErr := resp.FirstError(); gwErr != nil {
		code, message := resp.ResultCode(), resp.ResultMessage()
		if containsCode(r.StopCodes, code) {
			r.count("stopped")
			return "", newChargeError(ErrChargeStopped, code, message)
		}
		r.count("retry")
		return "", newChargeError(ErrChargeRetry, code, message)
	}
	if isSuccessState(resp.State) {
		r.count("ok")
		return ChargeOK, nil
	}
	r.count("retry")
	return "", newChargeError(ErrChargeRetry, resp.ResultCode(), resp.ResultMessage())
}

// CheckValid reports whether the recurrence behind the token can still be
// charged, judged by the recurrence end date the gateway reports.
func (r *Recurring) CheckValid(ctx context.Context, token string) (bool, error) {
	resp, err := r.Client.PaymentStatus(ctx, token)
	if err != nil {
		return false, fmt.Errorf("fetch recurrence status: %w", err)
	}
	if resp == nil || resp.Recurrence == nil || resp.Recurrence.DateTo == "" {
		return false, nil
	}
	end, err := time.Parse("2006-01-02", resp.Recurrence.DateTo)
	if err != nil {
		return false, fmt.Errorf("parse recurrence end date %q: %w", resp.Recurrence.DateTo, err)
	}
	return end.After(time.Now()), nil
}

// CheckExpire resolves the card expiration instant for each token whose
// stored payment instrument is a card. Tokens paid by other instruments or
// with no expiration on record are left out of the result.
func (r *Recurring) CheckExpire(ctx context.Context, tokens []string) (map[string]time.Time, error) {
	expirations := make(map[string]time.Time, len(tokens))
	for _, token := range tokens {
		resp, err := r.Client.PaymentStatus(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("fetch status for token %s: %w", token, err)
		}
		if resp == nil || resp.Payer == nil || resp.Payer.PaymentCard == nil {
			continue
		}
		raw := resp.Payer.PaymentCard.CardExpiration
		if raw == "" {
			continue
		}
		at, err := cardExpiryInstant(raw)
		if err != nil {
			r.Logger.Warn().Str("token", token).Str("card_expiration", raw).
				Msg("unparseable card expiration, skipping token")
			continue
		}
		expirations[token] = at
	}
	if obs.CardExpiryScanTotal != nil {
		obs.CardExpiryScanTotal.Add(float64(len(tokens)))
	}
	return expirations, nil
}

// cardExpiryInstant converts GoPay's YYMM card expiration into the first
// moment the card is no longer usable, midnight on the first day of the
// following month.
func cardExpiryInstant(raw string) (time.Time, error) {
	if len(raw) != 4 {
		return time.Time{}, fmt.Errorf("gateway: card expiration %q is not YYMM", raw)
	}
	year, err := strconv.Atoi(raw[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("gateway: card expiration year %q: %w", raw, err)
	}
	month, err := strconv.Atoi(raw[2:])
	if err != nil {
		return time.Time{}, fmt.Errorf("gateway: card expiration month %q: %w", raw, err)
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("gateway: card expiration month %d out of range", month)
	}
	return time.Date(2000+year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
}

func (r *Recurring) currency(payment ledger.Payment) string {
	if payment.Currency != "" {
		return payment.Currency
	}
	return r.Currency
}

func (r *Recurring) count(result string) {
	if obs.RecurringChargeTotal != nil {
		obs.RecurringChargeTotal.WithLabelValues(result).Inc()
	}
}
