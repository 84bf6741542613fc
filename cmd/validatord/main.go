// cmd/validatord/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/broker"
	"github.com/corvid-bio/magpie/internal/catalog"
	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/health"
	"github.com/corvid-bio/magpie/internal/pipeline"
	"github.com/corvid-bio/magpie/internal/storage"
	"github.com/corvid-bio/magpie/internal/validator"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfgPath := config.GetEnvOrDefault("MAGPIE_CONFIG", "magpie.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}
	config.LoadFromEnv(cfg)

	if cfg.Orchestrator.Project == "" {
		logger.Fatal("orchestrator.project is required for validatord")
	}

	// One unacknowledged message per worker slot, never more.
	cfg.Broker.Prefetch = cfg.Orchestrator.Workers

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("create storage client", zap.Error(err))
	}
	bus := broker.New(cfg.Broker, logger)
	defer func() { _ = bus.Close() }()
	registryClient := catalog.New(cfg.Catalog, logger)
	runner := pipeline.NewRunner(cfg.Pipeline, logger)

	live := health.NewSignal()
	go health.Serve(cfg.Server.Port, health.NewRouter(live, logger), logger)

	job := validator.NewJob(cfg, store, registryClient, runner, logger)
	reporter := validator.NewReporter(cfg, bus, store, logger)
	pool := validator.NewOrchestrator(cfg.Orchestrator, job, reporter, live, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deliveries, err := bus.Consume(ctx, events.ToValidateExchange(cfg.Orchestrator.Project))
	if err != nil {
		logger.Fatal("consume validation queue", zap.Error(err))
	}

	logger.Info("validatord running",
		zap.String("project", cfg.Orchestrator.Project),
		zap.Int("workers", cfg.Orchestrator.Workers),
		zap.Int("retry_ceiling", cfg.Orchestrator.RetryCeiling))

	err = pool.Run(ctx, deliveries)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("validatord shut down")
	case errors.Is(err, validator.ErrRetriesExhausted):
		logger.Error("pool halted at retry ceiling; supervisor should restart after intervention")
		os.Exit(1)
	default:
		logger.Error("pool halted", zap.Error(err))
		os.Exit(1)
	}
}
