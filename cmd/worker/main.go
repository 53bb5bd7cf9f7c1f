package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"kbengine/internal/adapter/repo"
	"kbengine/internal/assetanalysis"
	"kbengine/internal/bus"
	"kbengine/internal/cas"
	"kbengine/internal/decompose"
	"kbengine/internal/infra"
	"kbengine/internal/jobs"
	"kbengine/internal/pipeline"
	"kbengine/internal/providers/convert"
	"kbengine/internal/providers/extract"
	"kbengine/internal/providers/search"
	"kbengine/internal/providers/vision"
	"kbengine/internal/storage"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob storage")
	}

	store := repo.NewStore(dbpool)
	casStore := cas.NewStore(store, files, logger)
	manager := jobs.NewManager(store, logger, jobs.FilterSnapshot{
		AllowedMIMETypes:  cfg.AllowedMIMETypes,
		LegacySkipFormats: cfg.LegacySkipFormats,
		MaxContainerDepth: cfg.MaxContainerDepth,
	})
	engine := decompose.NewEngine(casStore, store, manager, logger)
	coordinator := assetanalysis.NewCoordinator(store, manager, logger)

	converter, err := convert.NewClient(convert.Options{BaseURL: cfg.ConverterBaseURL, Logger: &logger, RequestTimeout: cfg.ToolCallTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure converter client")
	}
	extractor, err := extract.NewClient(extract.Options{BaseURL: cfg.ExtractorBaseURL, Logger: &logger, RequestTimeout: cfg.ToolCallTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure extractor client")
	}
	visionClient, err := vision.NewClient(vision.Options{APIKey: cfg.VisionAPIKey, BaseURL: cfg.VisionBaseURL, Logger: &logger, RequestTimeout: cfg.ToolCallTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure vision client")
	}
	searchClient, err := search.NewClient(search.Options{BaseURL: cfg.SearchBaseURL, Logger: &logger, RequestTimeout: cfg.ToolCallTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure search client")
	}

	service, err := pipeline.NewService(pipeline.Deps{
		Store:       store,
		CAS:         casStore,
		Manager:     manager,
		Engine:      engine,
		Coordinator: coordinator,
		Converter:   converter,
		Extractor:   extractor,
		Vision:      visionClient,
		Search:      searchClient,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline service")
	}

	pgBus := bus.NewPgBus(dbpool, logger, bus.PgBusOptions{
		PollInterval: cfg.BusPollInterval,
		MaxAttempts:  cfg.BusMaxAttempts,
		BatchSize:    cfg.WorkerBatchSize,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return service.Stages().Consume(gctx, pgBus)
	})
	g.Go(func() error {
		return service.RunAssetAnalysisExecutor(gctx, cfg.BusPollInterval, cfg.WorkerBatchSize)
	})
	g.Go(func() error {
		return runJanitor(gctx, cfg, logger, manager, casStore, pgBus)
	})

	logger.Info().Msg("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}

// runJanitor periodically recovers stale RUNNING jobs, reclaims unreferenced
// blob content and releases abandoned bus claims.
func runJanitor(ctx context.Context, cfg *infra.Config, logger infra.Logger, manager *jobs.Manager, casStore *cas.Store, pgBus *bus.PgBus) error {
	ticker := time.NewTicker(cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := manager.RequeueStale(ctx, cfg.StaleJobTimeout, cfg.MaxJobRequeues); err != nil {
			logger.Error().Err(err).Msg("janitor: stale job sweep failed")
		} else if n > 0 {
			logger.Info().Int("jobs", n).Msg("janitor: stale jobs recovered")
		}

		if n, err := casStore.ReclaimUnreferenced(ctx, cfg.CASReclaimGrace); err != nil {
			logger.Error().Err(err).Msg("janitor: blob reclaim failed")
		} else if n > 0 {
			logger.Info().Int("blobs", n).Msg("janitor: unreferenced blobs reclaimed")
		}

		if n, err := pgBus.ReleaseStaleClaims(ctx, cfg.BusClaimTimeout); err != nil {
			logger.Error().Err(err).Msg("janitor: stale claim release failed")
		} else if n > 0 {
			logger.Info().Int("messages", n).Msg("janitor: stale bus claims released")
		}
	}
}
