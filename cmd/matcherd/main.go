// cmd/matcherd/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/broker"
	"github.com/corvid-bio/magpie/internal/catalog"
	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/health"
	"github.com/corvid-bio/magpie/internal/ingest"
	"github.com/corvid-bio/magpie/internal/matcher"
	"github.com/corvid-bio/magpie/internal/registry"
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

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("create storage client", zap.Error(err))
	}
	bus := broker.New(cfg.Broker, logger)
	defer func() { _ = bus.Close() }()
	registryClient := catalog.New(cfg.Catalog, logger)

	reg := registry.New()
	match := matcher.New(cfg, reg, bus, registryClient, logger)
	stage := ingest.New(store, registryClient, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rebuild both artifact indexes from what is already in the upload
	// buckets before touching live events.
	if err := match.Seed(ctx, store, uploadBuckets(cfg, logger)); err != nil {
		logger.Fatal("seed artifact registry", zap.Error(err))
	}

	live := health.NewSignal()
	go health.Serve(cfg.Server.Port, health.NewRouter(live, logger), logger)

	arrivals, err := bus.Consume(ctx, events.ArrivalExchange)
	if err != nil {
		logger.Fatal("consume arrivals", zap.Error(err))
	}
	matched, err := bus.Consume(ctx, events.MatchedExchange)
	if err != nil {
		logger.Fatal("consume matched events", zap.Error(err))
	}

	go func() {
		if err := runIngest(ctx, stage, matched, logger); err != nil {
			logger.Error("ingest loop stopped", zap.Error(err))
			live.Halt()
			stop()
		}
	}()

	if err := runMatcher(ctx, match, arrivals, logger); err != nil && ctx.Err() == nil {
		logger.Error("matcher loop stopped", zap.Error(err))
		live.Halt()
		os.Exit(1)
	}
	logger.Info("matcherd shut down")
}

// uploadBuckets expands every project's site-bucket templates into the
// concrete bucket names the matcher watches and seeds from.
func uploadBuckets(cfg *config.Config, logger *zap.Logger) []string {
	var buckets []string
	for project, pc := range cfg.Projects {
		bc, ok := pc.SiteBuckets["uploads"]
		if !ok {
			continue
		}
		for site := range pc.Sites {
			for platform := range pc.FileSpecs {
				for _, env := range []string{"prod", "test"} {
					name, err := config.ExpandBucketName(bc.NameLayout, map[string]string{
						"project":  project,
						"site":     site,
						"platform": platform,
						"env":      env,
					})
					if err != nil {
						logger.Warn("skipping unexpandable bucket layout",
							zap.String("layout", bc.NameLayout),
							zap.Error(err))
						continue
					}
					buckets = append(buckets, name)
				}
			}
		}
	}
	return buckets
}

// runMatcher feeds arrival records through the matcher one at a time. An
// arrival message batches several records; the message is acknowledged
// only once every record has been applied, so a mid-batch crash replays
// the whole batch (replays are absorbed as duplicates).
func runMatcher(ctx context.Context, match *matcher.Matcher, deliveries <-chan broker.Delivery, logger *zap.Logger) error {
	for d := range deliveries {
		msg, err := events.DecodeArrival(d.Body)
		if err != nil {
			logger.Warn("malformed arrival message dropped", zap.Error(err))
			if err := d.Ack(); err != nil {
				logger.Warn("ack of malformed arrival failed", zap.Error(err))
			}
			continue
		}

		failed := false
		for _, rec := range msg.Records {
			if err := match.HandleArrival(ctx, rec); err != nil {
				logger.Error("arrival processing failed, requeueing batch",
					zap.String("key", rec.Key),
					zap.Error(err))
				failed = true
				break
			}
		}
		if failed {
			if err := d.Nack(); err != nil {
				logger.Warn("nack of arrival batch failed", zap.Error(err))
			}
			continue
		}
		if err := d.Ack(); err != nil {
			logger.Warn("ack of arrival batch failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

// runIngest forwards matched artifacts through the ingest stage.
func runIngest(ctx context.Context, stage *ingest.Stage, deliveries <-chan broker.Delivery, logger *zap.Logger) error {
	for d := range deliveries {
		var payload events.MatchedPayload
		if err := events.DecodeMatched(d.Body, &payload); err != nil {
			logger.Warn("malformed matched payload dropped", zap.Error(err))
			if err := d.Ack(); err != nil {
				logger.Warn("ack of malformed payload failed", zap.Error(err))
			}
			continue
		}

		if err := stage.Handle(ctx, payload); err != nil {
			logger.Error("ingest failed, requeueing",
				zap.String("uuid", payload.UUID),
				zap.Error(err))
			if err := d.Nack(); err != nil {
				logger.Warn("nack of matched payload failed", zap.Error(err))
			}
			continue
		}
		if err := d.Ack(); err != nil {
			logger.Warn("ack of matched payload failed", zap.Error(err))
		}
	}
	return ctx.Err()
}
