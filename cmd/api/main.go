package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kbengine/internal/adapter/repo"
	"kbengine/internal/assetanalysis"
	"kbengine/internal/cas"
	"kbengine/internal/decompose"
	"kbengine/internal/http/handlers"
	httpapi "kbengine/internal/http/httpapi"
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
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := infra.Migrate(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

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

	app := handlers.NewApp(service, store, logger, 0)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != os.ErrClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
