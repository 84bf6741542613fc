// Package matcher turns the unordered stream of file-arrival events into
// complete, deduplicated artifacts. It is the sole mutator of the artifact
// registry and processes one event at a time.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/keys"
	"github.com/corvid-bio/magpie/internal/registry"
	"github.com/corvid-bio/magpie/internal/storage"
)

// Publisher publishes an event body to a named exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange string, body []byte) error
}

// PublishChecker answers whether an artifact has already been
// authoritatively accepted by the metadata registry. Used only for the
// resubmission check, where its answer is advisory.
type PublishChecker interface {
	Published(ctx context.Context, project, artifact string) (bool, error)
}

// Lister lists the objects currently present in a bucket, for startup
// seeding.
type Lister interface {
	ListObjects(ctx context.Context, bucket string) ([]storage.ObjectInfo, error)
}

// Matcher correlates file arrivals into artifacts.
type Matcher struct {
	cfg     *config.Config
	log     *zap.Logger
	reg     *registry.Registry
	pub     Publisher
	catalog PublishChecker
}

// New builds a matcher over an already-constructed registry.
func New(cfg *config.Config, reg *registry.Registry, pub Publisher, catalog PublishChecker, log *zap.Logger) *Matcher {
	return &Matcher{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		pub:     pub,
		catalog: catalog,
	}
}

// Seed rebuilds the registry from a full listing of the given buckets,
// replaying each listed object through the same parse/upsert path as live
// events. Artifacts that are already complete at startup were matched in a
// previous life of the process and go straight to the matched index
// without re-emission.
func (m *Matcher) Seed(ctx context.Context, lister Lister, buckets []string) error {
	for _, bucket := range buckets {
		objects, err := lister.ListObjects(ctx, bucket)
		if err != nil {
			return fmt.Errorf("matcher: seed listing of %s: %w", bucket, err)
		}
		for _, obj := range objects {
			rec := events.ObjectRecord{
				Bucket:   bucket,
				Key:      obj.Key,
				ETag:     obj.ETag,
				Size:     obj.Size,
				Uploader: obj.Owner,
			}
			if err := m.apply(ctx, rec, true); err != nil {
				m.log.Warn("seed object skipped",
					zap.String("bucket", bucket),
					zap.String("key", obj.Key),
					zap.Error(err))
			}
		}
	}
	m.log.Info("registry seeded",
		zap.Int("pending", m.reg.PendingCount()),
		zap.Int("matched", m.reg.MatchedCount()))
	return nil
}

// HandleArrival processes one live file-arrival record. Parse and
// configuration failures are reported on the submitter's results channel
// and never retried; only downstream publish failures return an error, so
// the broker redelivers and the artifact is not lost.
func (m *Matcher) HandleArrival(ctx context.Context, rec events.ObjectRecord) error {
	return m.apply(ctx, rec, false)
}

func (m *Matcher) apply(ctx context.Context, rec events.ObjectRecord, seeding bool) error {
	if rec.Key == keys.ProbeKey {
		m.log.Debug("ignoring access-probe object", zap.String("bucket", rec.Bucket))
		return nil
	}

	bucket, err := keys.ParseBucketName(rec.Bucket)
	if err != nil {
		arrivalsTotal.WithLabelValues("bad_bucket").Inc()
		m.log.Warn("arrival from unparseable bucket", zap.String("bucket", rec.Bucket), zap.Error(err))
		return nil
	}

	pc, ok := m.cfg.Projects[bucket.Project]
	if !ok {
		arrivalsTotal.WithLabelValues("unknown_project").Inc()
		m.log.Warn("arrival for unconfigured project",
			zap.String("bucket", rec.Bucket),
			zap.String("project", bucket.Project))
		return nil
	}

	specs, err := m.cfg.Platform(bucket.Project, bucket.Platform)
	if err != nil {
		arrivalsTotal.WithLabelValues("unknown_platform").Inc()
		m.log.Warn("arrival for unconfigured platform",
			zap.String("bucket", rec.Bucket),
			zap.String("platform", bucket.Platform))
		return nil
	}

	extension, parsed, err := keys.Parse(rec.Key, specs)
	if err != nil {
		arrivalsTotal.WithLabelValues("parse_failure").Inc()
		m.log.Info("unparseable object key",
			zap.String("bucket", rec.Bucket),
			zap.String("key", rec.Key),
			zap.Error(err))
		if !seeding {
			m.reportFailure(ctx, bucket, rec, fmt.Sprintf("key does not match any declared layout: %v", err))
		}
		return nil
	}

	// A key claiming a different project than its bucket is a
	// configuration error or a spoofing attempt, not a candidate file.
	if p, ok := parsed["project"]; ok && p != bucket.Project {
		arrivalsTotal.WithLabelValues("project_mismatch").Inc()
		m.log.Warn("key project disagrees with bucket project",
			zap.String("bucket", rec.Bucket),
			zap.String("key", rec.Key),
			zap.String("key_project", p))
		if !seeding {
			m.reportFailure(ctx, bucket, rec,
				fmt.Sprintf("key names project %s but was uploaded to a %s bucket", p, bucket.Project))
		}
		return nil
	}

	artifact, err := keys.DeriveArtifactID(parsed, pc.ArtifactLayout)
	if err != nil {
		arrivalsTotal.WithLabelValues("parse_failure").Inc()
		m.log.Info("key lacks artifact identity fields",
			zap.String("bucket", rec.Bucket),
			zap.String("key", rec.Key),
			zap.Error(err))
		if !seeding {
			m.reportFailure(ctx, bucket, rec, fmt.Sprintf("key lacks artifact identity fields: %v", err))
		}
		return nil
	}

	key := registry.Key{
		Artifact:    artifact,
		Project:     bucket.Project,
		Site:        bucket.Site(),
		Platform:    bucket.Platform,
		Environment: bucket.Environment,
	}
	file := events.FileRecord{
		URI:       keys.URI(rec.Bucket, rec.Key),
		ETag:      rec.ETag,
		Key:       rec.Key,
		Submitter: rec.Uploader,
		Fields:    parsed,
	}

	if prev := m.reg.Matched(key); prev != nil {
		if prior, ok := prev.Files[extension]; ok && prior.ETag == rec.ETag {
			arrivalsTotal.WithLabelValues("duplicate").Inc()
			m.log.Info("duplicate of already-matched file",
				zap.String("artifact", artifact),
				zap.String("key", rec.Key))
			return nil
		}
		if !m.allowResubmission(ctx, key, seeding) {
			arrivalsTotal.WithLabelValues("resubmission_rejected").Inc()
			return nil
		}
		arrivalsTotal.WithLabelValues("resubmission").Inc()
		m.log.Info("resubmission accepted",
			zap.String("artifact", artifact),
			zap.String("extension", extension))
		entry := m.reg.SeedPending(prev)
		entry.Files[extension] = file
	} else {
		arrivalsTotal.WithLabelValues("accepted").Inc()
		m.reg.UpsertFile(key, bucket.RawSite, extension, file)
	}

	required, err := m.cfg.RequiredExtensions(key.Project, key.Platform)
	if err != nil {
		return err
	}
	if !m.reg.IsComplete(key, required) {
		return nil
	}

	entry := m.reg.Get(key)
	if seeding {
		// Already complete at startup means it was matched before the
		// restart; index it without re-emitting.
		m.reg.Remove(key)
		m.reg.PutMatched(entry)
		return nil
	}

	if err := m.emitMatched(ctx, entry); err != nil {
		// The pending entry is retained: the next sibling arrival, or a
		// broker redelivery of this one, retries emission.
		return fmt.Errorf("matcher: emit matched artifact %s: %w", artifact, err)
	}

	m.reg.Remove(key)
	m.reg.PutMatched(entry)
	matchedTotal.Inc()
	m.log.Info("artifact matched",
		zap.String("artifact", artifact),
		zap.String("project", key.Project),
		zap.String("site", key.Site),
		zap.String("platform", key.Platform),
		zap.Int("files", len(entry.Files)))
	return nil
}

// allowResubmission consults the metadata registry for publish state. The
// check is advisory: if the registry is unreachable the resubmission is
// allowed through rather than blocking the stream.
func (m *Matcher) allowResubmission(ctx context.Context, key registry.Key, seeding bool) bool {
	if seeding || m.catalog == nil {
		return true
	}
	published, err := m.catalog.Published(ctx, key.Project, key.Artifact)
	if err != nil {
		m.log.Warn("publish-state check failed, allowing resubmission",
			zap.String("artifact", key.Artifact),
			zap.Error(err))
		return true
	}
	if published {
		m.log.Warn("resubmission of published artifact rejected",
			zap.String("artifact", key.Artifact),
			zap.String("project", key.Project),
			zap.String("site", key.Site))
		return false
	}
	return true
}

func (m *Matcher) emitMatched(ctx context.Context, entry *registry.Entry) error {
	fields := firstFields(entry)
	payload := events.MatchedPayload{
		UUID:           uuid.New().String(),
		Artifact:       entry.Key.Artifact,
		Project:        entry.Key.Project,
		Site:           entry.Key.Site,
		RawSite:        entry.RawSite,
		Platform:       entry.Key.Platform,
		RunIndex:       fields["run_index"],
		RunID:          fields["run_id"],
		TestFlag:       entry.Key.Environment == "test",
		Uploaders:      entry.Uploaders(),
		Files:          entry.Files,
		MatchTimestamp: time.Now().UnixNano(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.pub.Publish(ctx, events.MatchedExchange, body)
}

// firstFields returns one file's parsed fields; the identity fields are
// identical across siblings by construction of the artifact id.
func firstFields(entry *registry.Entry) map[string]string {
	for _, rec := range entry.Files {
		return rec.Fields
	}
	return nil
}

func (m *Matcher) reportFailure(ctx context.Context, bucket keys.BucketName, rec events.ObjectRecord, reason string) {
	notice := events.FailureNotice{
		Bucket:  rec.Bucket,
		Key:     rec.Key,
		Reason:  reason,
		Project: bucket.Project,
		Site:    bucket.Site(),
	}
	body, err := json.Marshal(notice)
	if err != nil {
		m.log.Error("marshal failure notice", zap.Error(err))
		return
	}
	exchange := events.ResultsExchange(bucket.Project, bucket.Site())
	if err := m.pub.Publish(ctx, exchange, body); err != nil {
		m.log.Error("publish failure notice",
			zap.String("exchange", exchange),
			zap.Error(err))
	}
}
