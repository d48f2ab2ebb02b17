package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-gopay/internal/config"
	"github.com/noah-isme/billing-gopay/internal/gateway"
	"github.com/noah-isme/billing-gopay/internal/gopay"
	"github.com/noah-isme/billing-gopay/internal/ledger"
	"github.com/noah-isme/billing-gopay/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "billing"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	gopayClient := gopay.NewHTTPClient(gopay.Config{
		GoID:         cfg.GoPayGoID,
		ClientID:     cfg.GoPayClientID,
		ClientSecret: cfg.GoPayClientSecret,
		BaseURL:      cfg.GoPayBaseURL,
		TestMode:     cfg.GoPayTestMode,
		Timeout:      cfg.GatewayTimeout,
	})

	payments := ledger.Payments{Pool: pool}
	recurrents := ledger.Recurrents{Pool: pool, ChargePeriod: cfg.ChargePeriod, RetryDelay: cfg.ChargeRetryDelay}

	taskHandler := &gateway.TaskHandler{
		Recurring: &gateway.Recurring{
			Client:     gopayClient,
			Meta:       gateway.MetadataStore{Pool: pool},
			GoID:       cfg.GoPayGoID,
			Currency:   cfg.Currency,
			SiteTitle:  cfg.SiteTitle,
			EETEnabled: cfg.GoPayEETEnabled,
			StopCodes:  cfg.RecurrenceStopCodes,
			Logger:     logger,
		},
		Payments:   payments,
		Recurrents: recurrents,
		Processor:  ledger.Processor{Recurrents: recurrents, Logger: logger},
		BatchLimit: envInt("RECURRING_CHARGE_BATCH_LIMIT", 100),
		Logger:     logger,
	}

	redisConn := asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB}

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cfg.ChargeDueInterval), gateway.NewChargeDueTask()); err != nil {
		logger.Fatal().Err(err).Msg("register charge due schedule")
	}
	if _, err := scheduler.Register(cfg.ExpiryScanCron, gateway.NewCardExpiryScanTask()); err != nil {
		logger.Fatal().Err(err).Msg("register card expiry schedule")
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped with error")
		}
	}()

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: envInt("WORKER_CONCURRENCY", 4),
	})
	mux := asynq.NewServeMux()
	taskHandler.Register(mux)

	logger.Info().Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "billing-gopay-worker"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

