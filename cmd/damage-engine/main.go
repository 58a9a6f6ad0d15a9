package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/damage-assessment-service/internal/adapter/geojson"
	httpadapter "github.com/couchcryptid/damage-assessment-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/damage-assessment-service/internal/adapter/kafka"
	"github.com/couchcryptid/damage-assessment-service/internal/adapter/mapbox"
	"github.com/couchcryptid/damage-assessment-service/internal/adapter/postgres"
	"github.com/couchcryptid/damage-assessment-service/internal/config"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/couchcryptid/damage-assessment-service/internal/ingest"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/couchcryptid/damage-assessment-service/internal/registry"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Region resolution (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var resolver registry.RegionResolver
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		resolver = mapbox.NewCachedResolver(client, cfg.MapboxCacheSize, metrics)
		metrics.RegionEnabled.Set(1)
		logger.Info("mapbox region lookup enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox region lookup disabled")
	}

	reg := registry.New(logger)
	if err := bootstrapRegistry(ctx, cfg, reg, resolver, logger); err != nil {
		logger.Error("failed to load footprints", "error", err)
		os.Exit(1)
	}
	masks, err := loadMasks(cfg, logger)
	if err != nil {
		logger.Error("failed to load masks", "error", err)
		os.Exit(1)
	}

	storage, err := openStorage(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to open assessment store", "error", err)
		os.Exit(1)
	}
	defer storage.close()
	st := storage.assessments

	ingestor := ingest.New(cfg.Ingest(), reg, ingest.NewHistory(), logger)
	aggregator := tags.New(cfg.Tags(), reg)
	engine := pipeline.NewEngine(pipeline.EngineDeps{
		Footprints: reg,
		Signals:    ingestor.History(),
		Consensus:  aggregator,
		Classifier: fusion.New(cfg.Fusion()),
		Suppressor: suppress.New(cfg.Suppress()),
		Masks:      masks,
		Store:      st,
		Logger:     logger,
		Metrics:    metrics,
	})

	tagHandler := pipeline.NewTagHandler(aggregator, engine, logger, metrics)
	productHandler := pipeline.NewProductHandler(ingestor, engine, logger, metrics)
	if storage.journal != nil {
		if _, err := pipeline.Restore(ctx, storage.journal, aggregator, ingestor, logger); err != nil {
			logger.Error("failed to restore journal", "error", err)
			os.Exit(1)
		}
		tagHandler.WithJournal(storage.journal)
		productHandler.WithJournal(storage.journal)
	}

	products := kafkaadapter.NewReader(cfg, cfg.KafkaProductsTopic, logger)
	tagReader := kafkaadapter.NewReader(cfg, cfg.KafkaTagsTopic, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	productStream := pipeline.NewStream(
		pipeline.StreamConfig{Name: "products", BatchSize: cfg.BatchSize, Workers: cfg.Workers},
		products, productHandler, writer, logger, metrics)
	tagStream := pipeline.NewStream(
		pipeline.StreamConfig{Name: "tags", BatchSize: cfg.BatchSize, Workers: cfg.Workers},
		tagReader, tagHandler, writer, logger, metrics)

	api := httpadapter.NewAPI(httpadapter.APIDeps{
		Footprints:  reg,
		Assessments: st,
		Crowd:       aggregator,
		Tags:        tagHandler,
		Publisher:   writer,
		Logger:      logger,
	})
	ready := append([]sharedobs.ReadinessChecker{productStream, tagStream}, storage.readiness...)
	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.AllReady(ready...), api, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Periodic reassessment sweep.
	if cfg.SweepSchedule != "" {
		sweeper := pipeline.NewSweeper(engine, pipeline.Candidates(ingestor.History(), aggregator), writer, cfg.Workers, logger, metrics)
		c, err := sweeper.Schedule(ctx, cfg.SweepSchedule)
		if err != nil {
			logger.Error("failed to schedule sweep", "error", err)
			os.Exit(1)
		}
		defer func() { <-c.Stop().Done() }()
		logger.Info("reassessment sweep scheduled", "schedule", cfg.SweepSchedule)
	}

	// Start both input streams.
	go func() {
		if err := pipeline.RunAll(ctx, metrics, productStream, tagStream); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := products.Close(); err != nil {
		logger.Error("kafka products reader close error", "error", err)
	}
	if err := tagReader.Close(); err != nil {
		logger.Error("kafka tags reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// bootstrapRegistry registers the baseline footprints from FOOTPRINTS_FILE.
// Rejected features are logged by the registry and do not stop startup.
func bootstrapRegistry(ctx context.Context, cfg *config.Config, reg *registry.Registry, resolver registry.RegionResolver, logger *slog.Logger) error {
	if cfg.FootprintsFile == "" {
		logger.Warn("FOOTPRINTS_FILE not set, starting with an empty footprint registry")
		return nil
	}
	features, err := geojson.LoadFootprints(cfg.FootprintsFile)
	if err != nil {
		return err
	}
	reg.Bootstrap(ctx, features, resolver)
	return nil
}

func loadMasks(cfg *config.Config, logger *slog.Logger) (*suppress.MaskIndex, error) {
	index := suppress.NewMaskIndex()
	if cfg.MasksFile == "" {
		return index, nil
	}
	masks, err := geojson.LoadMasks(cfg.MasksFile)
	if err != nil {
		return nil, err
	}
	index.Add(masks...)
	logger.Info("land-cover masks loaded", "count", index.Len())
	return index, nil
}

// storage is the assessment store and, with Postgres, the journal that keeps
// tags and signal vectors across restarts.
type storage struct {
	assessments store.Store
	journal     *postgres.Store // nil in memory mode
	readiness   []sharedobs.ReadinessChecker
	close       func()
}

// openStorage uses Postgres when DATABASE_URL is set and memory otherwise.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, assessments, tags and signal vectors are kept in memory only")
		return storage{assessments: store.NewMemory(nil), close: func() {}}, nil
	}
	pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{
		MaxRetries: cfg.StoreMaxRetries,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return storage{}, err
	}
	return storage{
		assessments: pg,
		journal:     pg,
		readiness:   []sharedobs.ReadinessChecker{pg},
		close: func() {
			if err := pg.Close(); err != nil {
				logger.Error("postgres close error", "error", err)
			}
		},
	}, nil
}
