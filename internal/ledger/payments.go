package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle status of a payment.
type Status string

// Payment statuses. Form is the initial pending status; a payment leaves
// it exactly once.
const (
	StatusForm    Status = "form"
	StatusPaid    Status = "paid"
	StatusFail    Status = "fail"
	StatusTimeout Status = "timeout"
	StatusRefund  Status = "refund"
)

// ErrNotFound is returned when a requested ledger row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Gateway describes the payment gateway a payment was created against.
type Gateway struct {
	Code        string
	IsRecurrent bool
}

// PaymentItem is one order line of a payment.
type PaymentItem struct {
	Name   string
	Amount int64 // unit price in minor units
	Count  int
	VAT    int // percentage rate
}

// Payment is the ledger's payment entity. The reconciliation engine never
// mutates it directly; transitions go through UpdateStatusFromForm.
type Payment struct {
	ID             uuid.UUID
	VariableSymbol string
	Amount         int64 // minor units
	Currency       string
	Status         Status
	Gateway        Gateway
	UserEmail      string
	Items          []PaymentItem
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// Payments provides pgx-backed access to the payments table.
type Payments struct {
	Pool *pgxpool.Pool
}

// Get loads a payment with its items and gateway descriptor.
func (s Payments) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.get(ctx, "p.id = $1", id)
}

// GetByVariableSymbol loads a payment by the symbol printed on customer
// facing documents and echoed back in gateway callbacks.
func (s Payments) GetByVariableSymbol(ctx context.Context, vs string) (Payment, error) {
	return s.get(ctx, "p.variable_symbol = $1", vs)
}

func (s Payments) get(ctx context.Context, where string, arg any) (Payment, error) {
	if s.Pool == nil {
		return Payment{}, errors.New("ledger: pool not configured")
	}
	var p Payment
	err := s.Pool.QueryRow(ctx, `SELECT p.id, p.variable_symbol, p.amount, p.currency, p.status,
  p.gateway_code, p.gateway_is_recurrent, COALESCE(p.user_email, ''), p.created_at, p.paid_at
FROM payments p WHERE `+where, arg).Scan(
		&p.ID, &p.VariableSymbol, &p.Amount, &p.Currency, &p.Status,
		&p.Gateway.Code, &p.Gateway.IsRecurrent, &p.UserEmail, &p.CreatedAt, &p.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("ledger: get payment: %w", err)
	}
	items, err := s.items(ctx, p.ID)
	if err != nil {
		return Payment{}, err
	}
	p.Items = items
	return p, nil
}

// UpdateStatusFromForm transitions a payment out of the form status with a
// compare-and-swap so two overlapping notifications cannot both apply a
// terminal transition. It reports whether this call performed the change.
func (s Payments) UpdateStatusFromForm(ctx context.Context, id uuid.UUID, status Status) (bool, error) {
	if s.Pool == nil {
		return false, errors.New("ledger: pool not configured")
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE payments
SET status = $2, paid_at = CASE WHEN $2 = 'paid' THEN now() ELSE paid_at END, updated_at = now()
WHERE id = $1 AND status = 'form'`, id, status)
	if err != nil {
		return false, fmt.Errorf("ledger: update payment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateCharge inserts a fresh form-status payment cloned from the origin
// payment of a subscription. Every recurring cycle gets its own payment row
// so the reconciliation of a charge notification follows the same path as a
// one-off purchase.
func (s Payments) CreateCharge(ctx context.Context, origin Payment) (Payment, error) {
	if s.Pool == nil {
		return Payment{}, errors.New("ledger: pool not configured")
	}
	charge := origin
	charge.ID = uuid.New()
	// variable_symbol is unique per payment row, so every cycle gets its own.
	charge.VariableSymbol = newVariableSymbol()
	charge.Status = StatusForm
	charge.PaidAt = nil

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("ledger: begin charge payment: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `INSERT INTO payments
  (id, variable_symbol, amount, currency, status, gateway_code, gateway_is_recurrent, user_email, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
RETURNING created_at`,
		charge.ID, charge.VariableSymbol, charge.Amount, charge.Currency, charge.Status,
		charge.Gateway.Code, charge.Gateway.IsRecurrent, charge.UserEmail,
	).Scan(&charge.CreatedAt)
	if err != nil {
		return Payment{}, fmt.Errorf("ledger: insert charge payment: %w", err)
	}
	for _, item := range charge.Items {
		_, err := tx.Exec(ctx, `INSERT INTO payment_items (payment_id, name, amount, count, vat)
VALUES ($1, $2, $3, $4, $5)`, charge.ID, item.Name, item.Amount, item.Count, item.VAT)
		if err != nil {
			return Payment{}, fmt.Errorf("ledger: insert charge payment item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("ledger: commit charge payment: %w", err)
	}
	return charge, nil
}

// newVariableSymbol mints a numeric symbol for a recurring cycle payment.
func newVariableSymbol() string {
	return time.Now().UTC().Format("060102150405") + fmt.Sprintf("%04d", rand.IntN(10000))
}

func (s Payments) items(ctx context.Context, paymentID uuid.UUID) ([]PaymentItem, error) {
	rows, err := s.Pool.Query(ctx, `SELECT name, amount, count, vat
FROM payment_items WHERE payment_id = $1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list payment items: %w", err)
	}
	defer rows.Close()
	var items []PaymentItem
	for rows.Next() {
		var item PaymentItem
		if err := rows.Scan(&item.Name, &item.Amount, &item.Count, &item.VAT); err != nil {
			return nil, fmt.Errorf("ledger: scan payment item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
