package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kbengine/internal/adapter/repo"
	"kbengine/internal/bus"
	"kbengine/internal/infra"
	"kbengine/internal/relay"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store := repo.NewStore(dbpool)
	publisher := bus.NewPgBus(dbpool, logger, bus.PgBusOptions{
		PollInterval: cfg.BusPollInterval,
		MaxAttempts:  cfg.BusMaxAttempts,
		BatchSize:    cfg.WorkerBatchSize,
	})

	r := relay.New(store, publisher, logger, relay.Options{
		Interval:  cfg.RelayPollInterval,
		BatchSize: cfg.RelayBatchSize,
	})

	logger.Info().
		Dur("interval", cfg.RelayPollInterval).
		Int("batch_size", cfg.RelayBatchSize).
		Msg("relay started")

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("relay failed")
	}
	logger.Info().Msg("relay stopped")
}
