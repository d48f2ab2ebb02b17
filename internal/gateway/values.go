package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-gopay/internal/gopay"
)

// Metadata is the stored per-payment gateway record keyed by the
// transaction reference GoPay echoes back in notifications.
type Metadata struct {
	ID                   int64
	PaymentID            uuid.UUID
	TransactionID        string
	TransactionReference string
	State                string
	SubState             string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Values is a partial update of the gateway metadata row. Nil fields are
// left untouched, so details reported by an earlier response survive a
// later response that omits them.
type Values struct {
	State              *string
	SubState           *string
	PaymentInstrument  *string
	CardNumber         *string
	CardExpiration     *string
	CardBrand          *string
	IssuerCountry      *string
	IssuerBank         *string
	AccountNumber      *string
	BankCode           *string
	AccountName        *string
	ContactEmail       *string
	ContactCountryCode *string
	RecurrenceCycle    *string
	RecurrenceDateTo   *string
	RecurrenceState    *string
	EETFik             *string
	EETBkp             *string
	EETPkp             *string
	URL                *string
}

// BuildValues projects a GoPay status response onto a metadata patch.
// The state and the hosted gateway URL are always written; everything
// else only when the response carries it.
func BuildValues(resp *gopay.StatusResponse) Values {
	v := Values{
		State: ptr(resp.State),
		URL:   ptr(resp.GwURL),
	}
	if resp.SubState != "" {
		v.SubState = ptr(resp.SubState)
	}
	if resp.PaymentInstrument != "" {
		v.PaymentInstrument = ptr(resp.PaymentInstrument)
	}
	if resp.Payer != nil {
		if c := resp.Payer.PaymentCard; c != nil {
			setIfNotEmpty(&v.CardNumber, c.CardNumber)
			setIfNotEmpty(&v.CardExpiration, c.CardExpiration)
			setIfNotEmpty(&v.CardBrand, c.CardBrand)
			setIfNotEmpty(&v.IssuerCountry, c.CardIssuerCountry)
			setIfNotEmpty(&v.IssuerBank, c.CardIssuerBank)
		}
		if b := resp.Payer.BankAccount; b != nil {
			setIfNotEmpty(&v.AccountNumber, b.AccountNumber)
			setIfNotEmpty(&v.BankCode, b.BankCode)
			setIfNotEmpty(&v.AccountName, b.AccountName)
		}
		if c := resp.Payer.Contact; c != nil {
			setIfNotEmpty(&v.ContactEmail, c.Email)
			setIfNotEmpty(&v.ContactCountryCode, c.CountryCode)
		}
	}
	if r := resp.Recurrence; r != nil {
		setIfNotEmpty(&v.RecurrenceCycle, r.Cycle)
		setIfNotEmpty(&v.RecurrenceDateTo, r.DateTo)
		setIfNotEmpty(&v.RecurrenceState, r.State)
	}
	if e := resp.EETCode; e != nil {
		setIfNotEmpty(&v.EETFik, e.FIK)
		setIfNotEmpty(&v.EETBkp, e.BKP)
		setIfNotEmpty(&v.EETPkp, e.PKP)
	}
	return v
}

func ptr(s string) *string { return &s }

func setIfNotEmpty(dst **string, s string) {
	if s != "" {
		*dst = &s
	}
}
