package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateReference means a metadata row for the transaction reference
// already exists. Purchase initiation treats it as a conflict; it cannot
// happen during reconciliation, which only updates by payment id.
var ErrDuplicateReference = errors.New("gateway: transaction reference already recorded")

// MetadataStore persists gateway metadata rows in the gopay_payments table.
type MetadataStore struct {
	Pool *pgxpool.Pool
}

// Add records the association between a local payment and the transaction
// the gateway created for it.
func (s MetadataStore) Add(ctx context.Context, paymentID uuid.UUID, transactionID, reference string) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO gopay_payments
  (payment_id, transaction_id, transaction_reference, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())`, paymentID, transactionID, reference)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("gateway: add metadata: %w", err)
	}
	return nil
}

// FindByReference resolves the metadata row a notification refers to.
func (s MetadataStore) FindByReference(ctx context.Context, reference string) (Metadata, error) {
	return s.find(ctx, "transaction_reference = $1", reference)
}

// FindByPayment resolves the newest metadata row of a payment. A payment can
// accumulate several rows when purchase initiation is repeated.
func (s MetadataStore) FindByPayment(ctx context.Context, paymentID uuid.UUID) (Metadata, error) {
	return s.find(ctx, "payment_id = $1", paymentID)
}

func (s MetadataStore) find(ctx context.Context, where string, arg any) (Metadata, error) {
	var m Metadata
	err := s.Pool.QueryRow(ctx, `SELECT id, payment_id, transaction_id, transaction_reference,
  COALESCE(state, ''), COALESCE(sub_state, ''), created_at, updated_at
FROM gopay_payments WHERE `+where+` ORDER BY id DESC LIMIT 1`, arg).Scan(
		&m.ID, &m.PaymentID, &m.TransactionID, &m.TransactionReference,
		&m.State, &m.SubState, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Metadata{}, ErrPaymentNotFound
		}
		return Metadata{}, fmt.Errorf("gateway: find metadata: %w", err)
	}
	return m, nil
}

// Update applies the non-nil fields of the patch to the newest metadata row
// of the payment.
func (s MetadataStore) Update(ctx context.Context, paymentID uuid.UUID, values Values) error {
	sets := []string{"updated_at = now()"}
	args := []any{paymentID}
	add := func(column string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("state", values.State)
	add("sub_state", values.SubState)
	add("payment_instrument", values.PaymentInstrument)
	add("card_number", values.CardNumber)
	add("card_expiration", values.CardExpiration)
	add("card_brand", values.CardBrand)
	add("issuer_country", values.IssuerCountry)
	add("issuer_bank", values.IssuerBank)
	add("account_number", values.AccountNumber)
	add("bank_code", values.BankCode)
	add("account_name", values.AccountName)
	add("contact_email", values.ContactEmail)
	add("contact_country_code", values.ContactCountryCode)
	add("recurrence_cycle", values.RecurrenceCycle)
	add("recurrence_date_to", values.RecurrenceDateTo)
	add("recurrence_state", values.RecurrenceState)
	add("eet_fik", values.EETFik)
	add("eet_bkp", values.EETBkp)
	add("eet_pkp", values.EETPkp)
	add("url", values.URL)

	query := fmt.Sprintf(`UPDATE gopay_payments SET %s
WHERE id = (SELECT id FROM gopay_payments WHERE payment_id = $1 ORDER BY id DESC LIMIT 1)`,
		strings.Join(sets, ", "))
	if _, err := s.Pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("gateway: update metadata: %w", err)
	}
	return nil
}

// LogStore appends raw gateway responses to the payment_logs audit table.
type LogStore struct {
	Pool *pgxpool.Pool
}

func (s LogStore) Add(ctx context.Context, paymentID uuid.UUID, kind, result string, payload []byte) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO payment_logs (payment_id, kind, result, payload, created_at)
VALUES ($1, $2, $3, $4, now())`, paymentID, kind, result, payload)
	if err != nil {
		return fmt.Errorf("gateway: append payment log: %w", err)
	}
	return nil
}
