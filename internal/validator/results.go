package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
)

// Publisher publishes an event body to a named exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange string, body []byte) error
}

// Putter writes an object.
type Putter interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// Reporter routes validation outcomes: result payloads to the submitter's
// channel and results bucket, publication announcements to downstream
// consumers, dead letters and faults to the operator channel.
type Reporter struct {
	cfg   *config.Config
	pub   Publisher
	store Putter
	log   *zap.Logger
}

// NewReporter builds a reporter.
func NewReporter(cfg *config.Config, pub Publisher, store Putter, log *zap.Logger) *Reporter {
	return &Reporter{cfg: cfg, pub: pub, store: store, log: log}
}

// Result publishes the terminal payload to the submitter's results
// channel and mirrors it as JSON in the results bucket. The broker
// publication is the contract; the bucket copy is best effort.
func (r *Reporter) Result(ctx context.Context, payload *events.ValidationPayload, success bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("validator: marshal result %s: %w", payload.UUID, err)
	}

	exchange := events.ResultsExchange(payload.Project, payload.Site)
	if err := r.pub.Publish(ctx, exchange, body); err != nil {
		return fmt.Errorf("validator: publish result %s: %w", payload.UUID, err)
	}

	bucket := resultsBucket(r.cfg, payload.Project, payload.RawSite)
	key := "results/" + payload.UUID + ".json"
	if err := r.store.Put(ctx, bucket, key, body); err != nil {
		r.log.Warn("result json upload failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
	}

	resultsTotal.WithLabelValues(outcomeLabel(success)).Inc()
	return nil
}

// NewArtifact announces a published artifact and writes its linkage
// record, tying the match uuid to the canonical id for audit.
func (r *Reporter) NewArtifact(ctx context.Context, payload *events.ValidationPayload) error {
	if payload.CanonicalID == nil {
		return fmt.Errorf("validator: artifact %s published without canonical id", payload.Artifact)
	}

	announcement := events.NewArtifactPayload{
		PublishTimestamp: time.Now().UnixNano(),
		CanonicalID:      *payload.CanonicalID,
		Artifact:         payload.Artifact,
		RunIndex:         payload.RunIndex,
		RunID:            payload.RunID,
		Site:             payload.Site,
		Platform:         payload.Platform,
		Project:          payload.Project,
		MatchUUID:        payload.UUID,
	}
	body, err := json.Marshal(announcement)
	if err != nil {
		return fmt.Errorf("validator: marshal announcement %s: %w", payload.UUID, err)
	}
	if err := r.pub.Publish(ctx, events.NewArtifactExchange(payload.Project), body); err != nil {
		return fmt.Errorf("validator: publish announcement %s: %w", payload.UUID, err)
	}

	bucket := resultsBucket(r.cfg, payload.Project, payload.RawSite)
	key := "linkage/" + *payload.CanonicalID + ".json"
	if err := r.store.Put(ctx, bucket, key, body); err != nil {
		r.log.Warn("linkage json upload failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

// DeadLetter routes a payload that exhausted its retries to the operator
// channel.
func (r *Reporter) DeadLetter(ctx context.Context, payload *events.ValidationPayload, attempts int) error {
	notice := map[string]any{
		"reason":   fmt.Sprintf("validation abandoned after %d attempts", attempts),
		"uuid":     payload.UUID,
		"artifact": payload.Artifact,
		"site":     payload.Site,
		"errors":   payload.IngestErrors,
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("validator: marshal dead letter %s: %w", payload.UUID, err)
	}
	deadLettersTotal.Inc()
	return r.pub.Publish(ctx, events.AlertExchange(payload.Project), body)
}

// Alert sends a free-form operator alert for a project.
func (r *Reporter) Alert(ctx context.Context, project, message string) error {
	body, err := json.Marshal(map[string]string{"alert": message})
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, events.AlertExchange(project), body)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// resultsBucket resolves the per-project per-site results bucket, from
// the project's bucket config when one is declared.
func resultsBucket(cfg *config.Config, project, rawSite string) string {
	if pc, ok := cfg.Projects[project]; ok {
		if bc, ok := pc.SiteBuckets["results"]; ok {
			name, err := config.ExpandBucketName(bc.NameLayout, map[string]string{
				"project": project,
				"site":    rawSite,
			})
			if err == nil {
				return name
			}
		}
	}
	return strings.Join([]string{project, rawSite, "results"}, "-")
}

// archiveBucket resolves the project's long-term storage bucket.
func archiveBucket(cfg *config.Config, project string) string {
	if pc, ok := cfg.Projects[project]; ok {
		if bc, ok := pc.ProjectBuckets["archive"]; ok {
			name, err := config.ExpandBucketName(bc.NameLayout, map[string]string{
				"project": project,
			})
			if err == nil {
				return name
			}
		}
	}
	return project + "-data"
}
