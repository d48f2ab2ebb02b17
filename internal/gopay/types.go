package gopay

import "fmt"

// Wire types for the GoPay payment resource, see https://doc.gopay.com/.
// Optional blocks are pointers so an absent block stays distinguishable
// from an empty one.

// Target identifies the merchant account receiving the payment.
type Target struct {
	Type string `json:"type"`
	GoID string `json:"goid"`
}

// Item is a single order line reported to the gateway.
type Item struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count,omitempty"`
}

// Callback carries the return and notification URLs for a payment.
type Callback struct {
	ReturnURL       string `json:"return_url"`
	NotificationURL string `json:"notification_url"`
}

// Contact holds payer contact details.
type Contact struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	City        string `json:"city,omitempty"`
	Street      string `json:"street,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// PaymentCard describes the card used for a card payment.
type PaymentCard struct {
	CardNumber        string `json:"card_number,omitempty"`
	CardExpiration    string `json:"card_expiration,omitempty"`
	CardBrand         string `json:"card_brand,omitempty"`
	CardIssuerCountry string `json:"card_issuer_country,omitempty"`
	CardIssuerBank    string `json:"card_issuer_bank,omitempty"`
}

// BankAccount describes the account used for a bank transfer payment.
type BankAccount struct {
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
}

// Payer groups payment instrument details reported by the gateway.
type Payer struct {
	DefaultPaymentInstrument  string       `json:"default_payment_instrument,omitempty"`
	AllowedPaymentInstruments []string     `json:"allowed_payment_instruments,omitempty"`
	Contact                   *Contact     `json:"contact,omitempty"`
	PaymentCard               *PaymentCard `json:"payment_card,omitempty"`
	BankAccount               *BankAccount `json:"bank_account,omitempty"`
}

// Recurrence describes the recurring-charge authorization attached to a payment.
type Recurrence struct {
	Cycle  string `json:"recurrence_cycle,omitempty"`
	DateTo string `json:"recurrence_date_to,omitempty"`
	State  string `json:"recurrence_state,omitempty"`
}

// EET is the fiscal reporting breakdown submitted with a payment.
// Bucket fields are pointers because the gateway distinguishes an absent
// bucket from a zero one.
type EET struct {
	CelkTrzba     int64  `json:"celk_trzba"`
	Mena          string `json:"mena"`
	ZaklDan1      *int64 `json:"zakl_dan1,omitempty"`
	Dan1          *int64 `json:"dan1,omitempty"`
	ZaklDan2      *int64 `json:"zakl_dan2,omitempty"`
	Dan2          *int64 `json:"dan2,omitempty"`
	ZaklDan3      *int64 `json:"zakl_dan3,omitempty"`
	Dan3          *int64 `json:"dan3,omitempty"`
	ZaklNepodlDPH *int64 `json:"zakl_nepodl_dph,omitempty"`
}

// EETCode holds the fiscal receipt codes assigned by the tax authority.
type EETCode struct {
	FIK string `json:"fik,omitempty"`
	BKP string `json:"bkp,omitempty"`
	PKP string `json:"pkp,omitempty"`
}

// ErrorDetail is one entry of the gateway's error payload.
type ErrorDetail struct {
	Scope       string `json:"scope,omitempty"`
	Field       string `json:"field,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	ErrorName   string `json:"error_name,omitempty"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

// PaymentRequest is the body of a payment creation or recurrence call.
type PaymentRequest struct {
	Payer            *Payer      `json:"payer,omitempty"`
	Target           *Target     `json:"target,omitempty"`
	Amount           int64       `json:"amount" validate:"required,gt=0"`
	Currency         string      `json:"currency" validate:"required,len=3"`
	OrderNumber      string      `json:"order_number" validate:"required"`
	OrderDescription string      `json:"order_description,omitempty"`
	Items            []Item      `json:"items,omitempty"`
	Callback         *Callback   `json:"callback,omitempty"`
	Recurrence       *Recurrence `json:"recurrence,omitempty"`
	EET              *EET        `json:"eet,omitempty"`
}

// StatusResponse is the gateway's payment envelope, returned by payment
// creation, status and recurrence calls alike.
type StatusResponse struct {
	ID                int64         `json:"id,omitempty"`
	OrderNumber       string        `json:"order_number,omitempty"`
	State             string        `json:"state,omitempty"`
	SubState          string        `json:"sub_state,omitempty"`
	PaymentInstrument string        `json:"payment_instrument,omitempty"`
	Amount            int64         `json:"amount,omitempty"`
	Currency          string        `json:"currency,omitempty"`
	Payer             *Payer        `json:"payer,omitempty"`
	Recurrence        *Recurrence   `json:"recurrence,omitempty"`
	EETCode           *EETCode      `json:"eet_code,omitempty"`
	GwURL             string        `json:"gw_url,omitempty"`
	Errors            []ErrorDetail `json:"errors,omitempty"`
}

// TransactionID returns the numeric gateway id as a string, empty when unset.
func (r *StatusResponse) TransactionID() string {
	if r == nil || r.ID == 0 {
		return ""
	}
	return fmt.Sprintf("%d", r.ID)
}

// Successful reports whether the gateway marked its own call successful.
func (r *StatusResponse) Successful() bool {
	return r != nil && len(r.Errors) == 0
}

// FirstError returns the leading error entry, or nil when the call succeeded.
func (r *StatusResponse) FirstError() *ErrorDetail {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return &r.Errors[0]
}

// ResultCode condenses the response into a short code for charge bookkeeping:
// the error code when the gateway reported one, otherwise the payment state.
func (r *StatusResponse) ResultCode() string {
	if err := r.FirstError(); err != nil {
		return fmt.Sprintf("%d", err.ErrorCode)
	}
	if r == nil {
		return ""
	}
	return r.State
}

// ResultMessage condenses the response into a human-readable message.
func (r *StatusResponse) ResultMessage() string {
	err := r.FirstError()
	if err == nil {
		if r == nil {
			return ""
		}
		return r.State
	}
	if err.ErrorName != "" {
		return fmt.Sprintf("%s: %s", err.ErrorName, err.Message)
	}
	if err.Description != "" {
		return err.Description
	}
	return "FAILED"
}
