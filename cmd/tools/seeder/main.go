package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/billing-gopay/internal/config"
	"github.com/noah-isme/billing-gopay/internal/obs"
)

// Seeds a development database with a payment waiting on the gateway, so
// the notification flow can be exercised end to end against the sandbox.
func main() {
	var (
		vs        = flag.String("vs", "2026000123", "variable symbol of the seeded payment")
		amount    = flag.Int64("amount", 49900, "amount in minor units")
		recurrent = flag.Bool("recurrent", false, "seed a recurrence-capable payment")
	)
	flag.Parse()

	logger := obs.NewLogger("console", "info")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	paymentID := uuid.New()
	_, err = pool.Exec(ctx, `INSERT INTO payments
  (id, variable_symbol, amount, currency, status, gateway_code, gateway_is_recurrent, user_email)
VALUES ($1, $2, $3, $4, 'form', 'gopay', $5, 'dev@example.com')`,
		paymentID, *vs, *amount, cfg.Currency, *recurrent)
	if err != nil {
		logger.Fatal().Err(err).Msg("insert payment")
	}
	_, err = pool.Exec(ctx, `INSERT INTO payment_items (payment_id, name, amount, count, vat)
VALUES ($1, 'sandbox subscription', $2, 1, 21)`, paymentID, *amount)
	if err != nil {
		logger.Fatal().Err(err).Msg("insert payment item")
	}

	logger.Info().
		Str("payment_id", paymentID.String()).
		Str("vs", *vs).
		Bool("recurrent", *recurrent).
		Msg("seeded form payment")
}
