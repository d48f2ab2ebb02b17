package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Recurrent subscription states.
const (
	RecurrentActive       = "active"
	RecurrentCharged      = "charged"
	RecurrentChargeFailed = "charge_failed"
	RecurrentSystemStop   = "system_stop"
	RecurrentUserStop     = "user_stop"
)

// RecurrentPayment links a payment to a reusable charge token. The token
// is the transaction reference of the originating authorization.
type RecurrentPayment struct {
	ID                uuid.UUID
	PaymentID         uuid.UUID
	Token             string
	State             string
	ChargeCount       int
	LastResultCode    string
	LastResultMessage string
	NextChargeAt      *time.Time
	ExpiresAt         *time.Time
	CreatedAt         time.Time
}

// Stopped reports whether automatic charging is disabled for good.
func (r *RecurrentPayment) Stopped() bool {
	return r != nil && (r.State == RecurrentSystemStop || r.State == RecurrentUserStop)
}

// Recurrents provides pgx-backed access to the recurrent_payments table.
// ChargePeriod spaces regular cycles, RetryDelay spaces attempts after a
// transient charge failure.
type Recurrents struct {
	Pool         *pgxpool.Pool
	ChargePeriod time.Duration
	RetryDelay   time.Duration
}

func (s Recurrents) chargePeriod() time.Duration {
	if s.ChargePeriod > 0 {
		return s.ChargePeriod
	}
	return 30 * 24 * time.Hour
}

func (s Recurrents) retryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return s.RetryDelay
	}
	return 24 * time.Hour
}

// FindByPayment returns the subscription owning the given payment, or
// ErrNotFound when the payment has none yet.
func (s Recurrents) FindByPayment(ctx context.Context, paymentID uuid.UUID) (*RecurrentPayment, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger: pool not configured")
	}
	row := s.Pool.QueryRow(ctx, selectRecurrent+` WHERE payment_id = $1 LIMIT 1`, paymentID)
	return scanRecurrent(row)
}

// FindByToken returns the subscription holding the given charge token.
func (s Recurrents) FindByToken(ctx context.Context, token string) (*RecurrentPayment, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger: pool not configured")
	}
	row := s.Pool.QueryRow(ctx, selectRecurrent+` WHERE token = $1 LIMIT 1`, token)
	return scanRecurrent(row)
}

// CreateFromPayment bootstraps a subscription from a freshly paid
// recurrence-capable payment and its transaction reference.
func (s Recurrents) CreateFromPayment(ctx context.Context, payment Payment, token string) (*RecurrentPayment, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger: pool not configured")
	}
	next := time.Now().Add(s.chargePeriod())
	rp := &RecurrentPayment{
		ID:           uuid.New(),
		PaymentID:    payment.ID,
		Token:        token,
		State:        RecurrentActive,
		NextChargeAt: &next,
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO recurrent_payments (id, payment_id, token, state, next_charge_at)
VALUES ($1, $2, $3, $4, $5)`, rp.ID, rp.PaymentID, rp.Token, rp.State, next)
	if err != nil {
		return nil, fmt.Errorf("ledger: create recurrent payment: %w", err)
	}
	return rp, nil
}

// ListDue returns active subscriptions whose next charge is due.
func (s Recurrents) ListDue(ctx context.Context, now time.Time, limit int) ([]RecurrentPayment, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger: pool not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, selectRecurrent+`
 WHERE state IN ('active', 'charged', 'charge_failed')
   AND next_charge_at IS NOT NULL AND next_charge_at <= $1
 ORDER BY next_charge_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list due recurrent payments: %w", err)
	}
	defer rows.Close()
	var due []RecurrentPayment
	for rows.Next() {
		rp, err := scanRecurrent(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *rp)
	}
	return due, rows.Err()
}

// ListActiveTokens returns the charge tokens of all non-stopped subscriptions.
func (s Recurrents) ListActiveTokens(ctx context.Context) ([]string, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger: pool not configured")
	}
	rows, err := s.Pool.Query(ctx, `SELECT token FROM recurrent_payments
WHERE state IN ('active', 'charged', 'charge_failed')`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list active tokens: %w", err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("ledger: scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// SetExpiry records the derived card expiration instant on a subscription.
func (s Recurrents) SetExpiry(ctx context.Context, token string, expiresAt time.Time) error {
	if s.Pool == nil {
		return errors.New("ledger: pool not configured")
	}
	_, err := s.Pool.Exec(ctx, `UPDATE recurrent_payments SET expires_at = $2, updated_at = now()
WHERE token = $1`, token, expiresAt)
	if err != nil {
		return fmt.Errorf("ledger: set expiry: %w", err)
	}
	return nil
}

func (s Recurrents) setState(ctx context.Context, id uuid.UUID, state, code, message string, bumpCharge bool, nextCharge *time.Time) error {
	query := `UPDATE recurrent_payments
SET state = $2, last_result_code = $3, last_result_message = $4, next_charge_at = $5, updated_at = now()`
	if bumpCharge {
		query += `, charge_count = charge_count + 1`
	}
	query += ` WHERE id = $1`
	_, err := s.Pool.Exec(ctx, query, id, state, code, message, nextCharge)
	if err != nil {
		return fmt.Errorf("ledger: update recurrent state: %w", err)
	}
	return nil
}

const selectRecurrent = `SELECT id, payment_id, token, state, charge_count,
  COALESCE(last_result_code, ''), COALESCE(last_result_message, ''),
  next_charge_at, expires_at, created_at
FROM recurrent_payments`

func scanRecurrent(row pgx.Row) (*RecurrentPayment, error) {
	var rp RecurrentPayment
	err := row.Scan(&rp.ID, &rp.PaymentID, &rp.Token, &rp.State, &rp.ChargeCount,
		&rp.LastResultCode, &rp.LastResultMessage, &rp.NextChargeAt, &rp.ExpiresAt, &rp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: scan recurrent payment: %w", err)
	}
	return &rp, nil
}

// Processor applies subscription lifecycle transitions. Transitions are
// gated by the subscription's own state so a redelivered notification
// cannot double-apply an outcome.
type Processor struct {
	Recurrents Recurrents
	Logger     zerolog.Logger
}

// ProcessCharged marks a successful charge on the subscription.
func (p Processor) ProcessCharged(ctx context.Context, rp *RecurrentPayment, code, message string) error {
	if rp == nil {
		return errors.New("ledger: recurrent payment is required")
	}
	if rp.Stopped() {
		p.Logger.Warn().Str("token", rp.Token).Msg("charge result for stopped subscription ignored")
		return nil
	}
	if rp.State == RecurrentCharged && rp.LastResultCode == code {
		return nil
	}
	next := time.Now().Add(p.Recurrents.chargePeriod())
	if err := p.Recurrents.setState(ctx, rp.ID, RecurrentCharged, code, message, true, &next); err != nil {
		return err
	}
	rp.State = RecurrentCharged
	rp.LastResultCode = code
	rp.LastResultMessage = message
	rp.NextChargeAt = &next
	rp.ChargeCount++
	return nil
}

// ProcessFailed marks a failed charge; the subscription stays eligible
// for the next billing cycle.
func (p Processor) ProcessFailed(ctx context.Context, rp *RecurrentPayment, code, message string) error {
	if rp == nil {
		return errors.New("ledger: recurrent payment is required")
	}
	if rp.Stopped() {
		p.Logger.Warn().Str("token", rp.Token).Msg("charge failure for stopped subscription ignored")
		return nil
	}
	next := time.Now().Add(p.Recurrents.retryDelay())
	if err := p.Recurrents.setState(ctx, rp.ID, RecurrentChargeFailed, code, message, false, &next); err != nil {
		return err
	}
	rp.State = RecurrentChargeFailed
	rp.LastResultCode = code
	rp.LastResultMessage = message
	rp.NextChargeAt = &next
	return nil
}

// Disable permanently stops automatic charging on the subscription.
func (p Processor) Disable(ctx context.Context, rp *RecurrentPayment, code, message string) error {
	if rp == nil {
		return errors.New("ledger: recurrent payment is required")
	}
	if rp.Stopped() {
		return nil
	}
	if err := p.Recurrents.setState(ctx, rp.ID, RecurrentSystemStop, code, message, false, nil); err != nil {
		return err
	}
	rp.State = RecurrentSystemStop
	rp.LastResultCode = code
	rp.LastResultMessage = message
	rp.NextChargeAt = nil
	return nil
}
