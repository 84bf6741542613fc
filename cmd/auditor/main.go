// cmd/auditor/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/auditor"
	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/storage"
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

	dryRun := os.Getenv("MAGPIE_AUDIT_APPLY") == ""

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("create storage client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit := auditor.New(cfg, store, logger)

	findings, err := audit.Audit(ctx)
	if err != nil {
		logger.Fatal("audit failed", zap.Error(err))
	}

	dirty := 0
	for _, finding := range findings {
		if finding.Clean() {
			continue
		}
		dirty++
		logger.Warn("bucket needs repair",
			zap.String("bucket", finding.Bucket),
			zap.Bool("missing", finding.Missing),
			zap.Bool("write_denied", finding.WriteDenied),
			zap.Bool("policy_drift", finding.PolicyDrift))
	}
	logger.Info("audit complete",
		zap.Int("buckets", len(findings)),
		zap.Int("dirty", dirty),
		zap.Bool("dry_run", dryRun))

	if err := audit.Apply(ctx, findings, dryRun); err != nil {
		logger.Fatal("apply failed", zap.Error(err))
	}

	if dirty > 0 && dryRun {
		os.Exit(2)
	}
}
