package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
)

// CompleteResult is the tri-state outcome of finishing a purchase after the
// customer returns from the hosted gateway page.
type CompleteResult string

const (
	CompletePaid    CompleteResult = "paid"
	CompleteFailed  CompleteResult = "failed"
	CompletePending CompleteResult = "pending"
)

// PurchaseMetadata is the metadata surface purchase initiation needs.
type PurchaseMetadata interface {
	Add(ctx context.Context, paymentID uuid.UUID, transactionID, reference string) error
	FindByPayment(ctx context.Context, paymentID uuid.UUID) (Metadata, error)
	Update(ctx context.Context, paymentID uuid.UUID, values Values) error
}

// Purchase drives the customer-present payment flow: it opens a payment on
// the gateway and later settles the returning customer against the
// authoritative gateway state.
type Purchase struct {
	Client gopay.Client
	Meta   PurchaseMetadata

	GoID             string
	Currency         string
	SiteTitle        string
	PublicBaseURL    string
	EETEnabled       bool
	Recurrent        bool
	RecurrenceDateTo string

	Logger zerolog.Logger
}

// Begin opens the payment on the gateway and returns the hosted page URL
// the customer must be redirected to.
func (p *Purchase) Begin(ctx context.Context, payment ledger.Payment) (string, error) {
	req, err := p.buildRequest(payment)
	if err != nil {
		return "", err
	}
	resp, err := p.Client.CreatePayment(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create gopay payment: %w", err)
	}
	if resp == nil || !resp.Successful() {
		code, message := resp.ResultCode(), resp.ResultMessage()
		return "", fmt.Errorf("gopay refused payment %s: %s (%s)", payment.ID, message, code)
	}

	reference := resp.TransactionID()
	if err := p.Meta.Add(ctx, payment.ID, reference, reference); err != nil {
		return "", err
	}
	if err := p.Meta.Update(ctx, payment.ID, BuildValues(resp)); err != nil {
		return "", err
	}
	return resp.GwURL, nil
}

// Complete settles a payment after the customer came back from the gateway.
// It is advisory; the notification webhook remains the authoritative path
// and Complete never performs a status transition itself.
func (p *Purchase) Complete(ctx context.Context, payment ledger.Payment) (CompleteResult, error) {
	meta, err := p.Meta.FindByPayment(ctx, payment.ID)
	if err != nil {
		return "", err
	}
	resp, err := p.Client.PaymentStatus(ctx, meta.TransactionReference)
	if err != nil {
		return "", fmt.Errorf("fetch payment status: %w", err)
	}
	if resp == nil {
		return CompletePending, nil
	}
	if err := p.Meta.Update(ctx, payment.ID, BuildValues(resp)); err != nil {
		return "", err
	}
	if isPendingSubState(resp.SubState) || isPendingState(resp.State) || resp.State == "" {
		return CompletePending, nil
	}
	if isSuccessState(resp.State) {
		return CompletePaid, nil
	}
	return CompleteFailed, nil
}

func (p *Purchase) buildRequest(payment ledger.Payment) (*gopay.PaymentRequest, error) {
	req := &gopay.PaymentRequest{
		Target:           &gopay.Target{Type: "ACCOUNT", GoID: p.GoID},
		Amount:           payment.Amount,
		Currency:         p.currency(payment),
		OrderNumber:      payment.VariableSymbol,
		OrderDescription: p.description(payment),
		Items:            requestItems(payment),
		Callback: &gopay.Callback{
			ReturnURL:       p.callbackURL("/return", payment),
			NotificationURL: p.callbackURL("/notification", payment),
		},
	}
	if payment.UserEmail != "" {
		req.Payer = &gopay.Payer{Contact: &gopay.Contact{Email: payment.UserEmail}}
	}
	if p.Recurrent || payment.Gateway.IsRecurrent {
		req.Recurrence = &gopay.Recurrence{
			Cycle:  "ON_DEMAND",
			DateTo: p.RecurrenceDateTo,
		}
	}
	if p.EETEnabled {
		eet, err := buildEET(payment, p.currency(payment))
		if err != nil {
			return nil, err
		}
		req.EET = eet
	}
	return req, nil
}

func (p *Purchase) currency(payment ledger.Payment) string {
	if payment.Currency != "" {
		return payment.Currency
	}
	return p.Currency
}

func (p *Purchase) description(payment ledger.Payment) string {
	if len(payment.Items) == 1 {
		return fmt.Sprintf("%s / %s", payment.Items[0].Name, payment.VariableSymbol)
	}
	return p.SiteTitle
}

func (p *Purchase) callbackURL(path string, payment ledger.Payment) string {
	return fmt.Sprintf("%s/api/v1/gateways/gopay%s?vs=%s",
		p.PublicBaseURL, path, url.QueryEscape(payment.VariableSymbol))
}

func requestItems(payment ledger.Payment) []gopay.Item {
	items := make([]gopay.Item, 0, len(payment.Items))
	for _, item := range payment.Items {
		items = append(items, gopay.Item{
			Name:   item.Name,
			Amount: item.Amount * int64(item.Count),
			Count:  item.Count,
		})
	}
	return items
}

// buildEET assembles the Czech fiscal reporting block from the payment
// items, bucketing net amounts and VAT by the three recognised rates.
func buildEET(payment ledger.Payment, currency string) (*gopay.EET, error) {
	eet := &gopay.EET{CelkTrzba: payment.Amount, Mena: currency}
	for _, item := range payment.Items {
		total := item.Amount * int64(item.Count)
		base, vat := splitVAT(total, item.VAT)
		switch item.VAT {
		case 21:
			addTo(&eet.ZaklDan1, base)
			addTo(&eet.Dan1, vat)
		case 15:
			addTo(&eet.ZaklDan2, base)
			addTo(&eet.Dan2, vat)
		case 10:
			addTo(&eet.ZaklDan3, base)
			addTo(&eet.Dan3, vat)
		case 0:
			addTo(&eet.ZaklNepodlDPH, total)
		default:
			return nil, fmt.Errorf("gateway: unknown VAT rate %d%% on item %q", item.VAT, item.Name)
		}
	}
	return eet, nil
}

// splitVAT decomposes a gross amount in minor units into net base and tax.
func splitVAT(gross int64, rate int) (base, vat int64) {
	base = (gross * 100) / int64(100+rate)
	return base, gross - base
}

func addTo(dst **int64, v int64) {
	if *dst == nil {
		zero := int64(0)
		*dst = &zero
	}
	**dst += v
}
