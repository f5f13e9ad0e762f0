// Kestrel - Telematics risk scoring and dynamic pricing.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/opensource-finance/kestrel/pkg/logger"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetGlobalLogger(logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	}))

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting kestrel")

	log.Info().
		Str("tier", string(cfg.Tier)).
		Str("repository", cfg.Repository.Driver).
		Str("cache", cfg.Cache.Type).
		Str("eventbus", cfg.EventBus.Type).
		Str("model", cfg.Model.Provider).
		Msg("configuration loaded")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("kestrel stopped with error")
	}
	log.Info().Msg("kestrel shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		log.Info().Str("service_name", cfg.Tracing.ServiceName).Msg("trace propagation enabled")
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	log.Info().Str("driver", cfg.Repository.Driver).Msg("repository initialized")

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	log.Info().Str("type", cfg.Cache.Type).Msg("cache initialized")

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	log.Info().Str("type", cfg.EventBus.Type).Msg("event bus initialized")

	models, closeModels, err := newModelProvider(cfg.Model, repo, cacheImpl)
	if err != nil {
		return err
	}
	defer closeModels()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	tables, err := service.LoadRuleTable(ctx, repo, cfg.RuleTable)
	if err != nil {
		return fmt.Errorf("failed to load band rule table: %w", err)
	}
	log.Info().Str("version", tables.ActiveTable().Version).Msg("band rule table loaded")

	scoring := service.NewScoringService(service.ScoringDeps{
		Engine:        eng,
		Features:      aggregate.NewService(repo, cacheImpl, cfg.Cache.LocalTTL),
		Models:        models,
		Repo:          repo,
		Cache:         cacheImpl,
		Bus:           busImpl,
		FeatureWindow: cfg.Engine.FeatureWindow,
		ScoreTTL:      cfg.Cache.ScoreTTL,
	})
	pricingSvc := service.NewPricingService(service.PricingDeps{
		Engine:      eng,
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Tables:      tables,
		Monitor:     fairness.NewMonitor(cfg.Engine.FairnessProximity, cfg.Engine.FairnessWindow),
		Scores:      scoring,
		LockTTL:     cfg.Engine.LockTTL,
		Concurrency: cfg.Engine.BatchConcurrency,
	})

	batch := worker.NewWorker(busImpl, repo, scoring, cacheImpl, worker.Config{
		Concurrency:   cfg.Engine.BatchConcurrency,
		FeatureWindow: cfg.Engine.FeatureWindow,
	})
	if err := batch.Start(); err != nil {
		return fmt.Errorf("failed to start batch worker: %w", err)
	}
	defer func() {
		if err := batch.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop batch worker")
		}
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(log.Logger)
		if err := sched.AddJob(cfg.Scheduler.DailySchedule, &scheduler.DailyBatchJob{Bus: busImpl}); err != nil {
			return fmt.Errorf("failed to schedule daily batch: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Scoring: scoring,
		Pricing: pricingSvc,
		Batch:   batch,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Version: Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("kestrel is ready")
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	return nil
}

// newModelProvider builds the configured model-output provider and its cleanup.
func newModelProvider(cfg domain.ModelConfig, repo domain.Repository, c domain.Cache) (domain.ModelOutputProvider, func(), error) {
	switch cfg.Provider {
	case "onnx":
		p, err := model.LoadONNXProvider(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load model bundle: %w", err)
		}
		log.Info().Str("bundle", cfg.BundleDir).Str("version", p.Version()).Msg("onnx model loaded")
		return p, func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("failed to release model sessions")
			}
		}, nil
	default:
		var p domain.ModelOutputProvider = model.NewStoredProvider(repo, cfg.MaxAge)
		if cfg.CacheTTL > 0 {
			p = model.NewCachedProvider(p, c, cfg.CacheTTL)
		}
		log.Info().Dur("max_age", cfg.MaxAge).Msg("stored model outputs enabled")
		return p, func() {}, nil
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  Telematics risk scoring and dynamic pricing")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /score/user/{id}/latest           - Latest daily score")
	fmt.Println("    GET  /score/user/{id}/history          - Score history")
	fmt.Println("    POST /score/user/{id}/compute          - Score a user now")
	fmt.Println("    GET  /score/user/{id}/trend            - Daily score trend")
	fmt.Println("    GET  /score/trip/{id}                  - Stored trip score")
	fmt.Println("    POST /score/compute/trip/{id}          - Score a trip now")
	fmt.Println("    POST /score/compute/daily              - Run the daily batch (admin)")
	fmt.Println("    POST /pricing/quote                    - Price a policy or a what-if score")
	fmt.Println("    GET  /pricing/policy/{id}/adjustments  - Adjustment history")
	fmt.Println("    GET  /pricing/scenarios                - Premium per band")
	fmt.Println("    GET  /pricing/fairness                 - Fairness report")
	fmt.Println("    POST /pricing/rules                    - Upload a band rule table (admin)")
	fmt.Println("    POST /pricing/bulk-adjust              - Reprice active policies (admin)")
	fmt.Println("    GET  /admin/pricing-metrics            - Adjustment volume and premium impact (admin)")
	fmt.Println("    GET  /health                           - Health check")
	fmt.Println()
}
