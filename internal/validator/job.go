// Package validator runs matched artifacts through the external
// validation pipeline: a bounded pool of workers, per-artifact retry
// accounting with dead-lettering, and the post-success side effects that
// turn a validated artifact into a published one.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/keys"
	"github.com/corvid-bio/magpie/internal/pipeline"
	"github.com/corvid-bio/magpie/internal/storage"
)

// Store is the slice of object storage a job needs.
type Store interface {
	Head(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	UploadFile(ctx context.Context, bucket, key, path string) error
}

// Catalog is the slice of the metadata registry a job needs.
type Catalog interface {
	SeenFingerprint(ctx context.Context, project, fingerprint string) (bool, error)
	Create(ctx context.Context, project string, fields map[string]string) (string, bool, events.FieldErrors, error)
	Update(ctx context.Context, project, canonicalID string, fields map[string]string) error
	ClearSuppression(ctx context.Context, project, canonicalID string) error
}

// Runner launches the external pipeline.
type Runner interface {
	Run(ctx context.Context, workDir string, params map[string]string, timeout time.Duration) (*pipeline.Result, error)
}

// Verdict is a job's outcome. Skip means the payload was not for this
// orchestrator and nothing was done.
type Verdict struct {
	Success bool
	Skip    bool
}

// Job validates one artifact at a time; a Job value is reused across
// payloads by concurrent workers and holds no per-payload state.
type Job struct {
	cfg     *config.Config
	project string
	store   Store
	catalog Catalog
	runner  Runner
	log     *zap.Logger
}

// NewJob builds a validation job bound to one project.
func NewJob(cfg *config.Config, store Store, catalog Catalog, runner Runner, log *zap.Logger) *Job {
	return &Job{
		cfg:     cfg,
		project: cfg.Orchestrator.Project,
		store:   store,
		catalog: catalog,
		runner:  runner,
		log:     log,
	}
}

// Execute runs the validation sequence, mutating the payload as it goes.
// A returned error is an unexpected fault (programming or environment
// error), distinct from a validation failure recorded on the payload.
func (j *Job) Execute(ctx context.Context, payload *events.ValidationPayload) (Verdict, error) {
	if payload.Project != j.project {
		j.log.Warn("payload for foreign project skipped",
			zap.String("uuid", payload.UUID),
			zap.String("project", payload.Project))
		return Verdict{Skip: true}, nil
	}

	if !payload.TestCreateOK || len(payload.TestCreateErrors) > 0 {
		// Never cleared to proceed upstream; the errors it carries are
		// the verdict.
		payload.AddIngestError("artifact was rejected before validation")
		return Verdict{}, nil
	}

	dataFiles, totalSize, ok := j.guardInputs(ctx, payload)
	if !ok {
		return Verdict{}, nil
	}

	workDir := filepath.Join(j.cfg.Orchestrator.ResultDir, payload.UUID)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return Verdict{}, fmt.Errorf("validator: create work dir %s: %w", workDir, err)
	}
	defer j.cleanup(workDir)

	timeout := pipeline.DynamicTimeout(totalSize, j.cfg.Pipeline.MinTimeout)
	result, err := j.runner.Run(ctx, workDir, j.params(payload, workDir), timeout)
	if err != nil {
		return Verdict{}, fmt.Errorf("validator: run pipeline for %s: %w", payload.UUID, err)
	}
	payload.PipelineVersion = j.cfg.Pipeline.Branch

	j.persistLogs(ctx, payload, result)

	if result.TimedOut {
		// Reported, not retried: repeating an expensive run that already
		// blew its budget needs an operator's eyes first.
		payload.AddIngestError("validation pipeline timed out after %s", timeout)
		return Verdict{}, nil
	}

	if !j.assessTrace(payload, result, workDir) {
		return Verdict{}, nil
	}

	if payload.TestFlag {
		payload.TestResult = true
		return Verdict{Success: true}, nil
	}

	if !j.publish(ctx, payload, dataFiles) {
		return Verdict{}, nil
	}
	return Verdict{Success: true}, nil
}

// guardInputs rejects artifacts whose data files are empty, identical to
// each other, or already published under another artifact. All three are
// verdicts on the input, not transient conditions, except a failed
// fingerprint lookup, which is retryable.
func (j *Job) guardInputs(ctx context.Context, payload *events.ValidationPayload) (map[string]events.FileRecord, int64, bool) {
	dataFiles := make(map[string]events.FileRecord)
	var totalSize int64

	for ext, rec := range payload.Files {
		bucket, key, err := keys.SplitURI(rec.URI)
		if err != nil {
			payload.AddIngestError("file %s has a malformed location: %v", rec.Key, err)
			return nil, 0, false
		}
		info, err := j.store.Head(ctx, bucket, key)
		if err != nil {
			payload.AddIngestError("file %s could not be inspected: %v", rec.Key, err)
			payload.Rerun = true
			return nil, 0, false
		}
		if info.ETag != rec.ETag {
			payload.AddIngestError("file %s changed after it was matched; resubmit the full set", rec.Key)
			return nil, 0, false
		}
		if info.Size == 0 {
			payload.AddIngestError("file %s is empty", rec.Key)
			return nil, 0, false
		}
		totalSize += info.Size
		if ext != metadataExtension {
			dataFiles[ext] = rec
		}
	}

	if pair := identicalPair(dataFiles); pair != "" {
		payload.AddIngestError("paired files share identical content (%s)", pair)
		return nil, 0, false
	}

	for _, rec := range dataFiles {
		seen, err := j.catalog.SeenFingerprint(ctx, payload.Project, rec.ETag)
		if err != nil {
			payload.AddIngestError("fingerprint check unavailable: %v", err)
			payload.Rerun = true
			return nil, 0, false
		}
		if seen {
			payload.AddIngestError("file %s was already published under another artifact", rec.Key)
			return nil, 0, false
		}
	}
	return dataFiles, totalSize, true
}

const metadataExtension = ".csv"

// identicalPair reports two distinct data files carrying the same
// fingerprint, e.g. a paired read set uploaded twice from one half.
func identicalPair(files map[string]events.FileRecord) string {
	byETag := make(map[string]string, len(files))
	for ext, rec := range files {
		if prev, ok := byETag[rec.ETag]; ok {
			return prev + " and " + ext
		}
		byETag[rec.ETag] = ext
	}
	return ""
}

// params maps the artifact's files and identity onto pipeline arguments.
// Extension-derived parameter names keep the launcher config declarative:
// ".fastq.gz" becomes --fastq_gz.
func (j *Job) params(payload *events.ValidationPayload, workDir string) map[string]string {
	params := map[string]string{
		"unique_id": payload.UUID,
		"out_dir":   workDir,
		"run_index": payload.RunIndex,
		"run_id":    payload.RunID,
	}
	for ext, rec := range payload.Files {
		params[paramName(ext)] = rec.URI
	}
	return params
}

func paramName(ext string) string {
	name := strings.TrimPrefix(ext, ".")
	return strings.ReplaceAll(name, ".", "_")
}

// persistLogs compresses and uploads the captured pipeline output so a
// failed run can be diagnosed after its working directory is gone. Best
// effort: a missed log upload never changes the verdict.
func (j *Job) persistLogs(ctx context.Context, payload *events.ValidationPayload, result *pipeline.Result) {
	bucket := resultsBucket(j.cfg, payload.Project, payload.RawSite)
	for _, path := range []string{result.StdoutPath, result.StderrPath} {
		gzPath, err := pipeline.GzipFile(path)
		if err != nil {
			j.log.Warn("compress pipeline log", zap.String("path", path), zap.Error(err))
			continue
		}
		key := payload.UUID + "/" + filepath.Base(gzPath)
		if err := j.store.UploadFile(ctx, bucket, key, gzPath); err != nil {
			j.log.Warn("persist pipeline log",
				zap.String("bucket", bucket),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// assessTrace classifies the run from its execution trace. Returns true
// when the run counts as clean.
func (j *Job) assessTrace(payload *events.ValidationPayload, result *pipeline.Result, workDir string) bool {
	tracePath := filepath.Join(workDir, pipeline.TraceFile)
	f, err := os.Open(tracePath)
	if err != nil {
		if result.ExitCode == 0 && errors.Is(err, os.ErrNotExist) {
			// A clean exit with no trace is still clean.
			return true
		}
		payload.AddIngestError("pipeline exited %d and left no readable execution trace", result.ExitCode)
		payload.Rerun = true
		return false
	}
	defer func() { _ = f.Close() }()

	rows, err := pipeline.ParseTrace(f)
	if err != nil {
		payload.AddIngestError("execution trace unreadable: %v", err)
		payload.Rerun = true
		return false
	}

	assessment := pipeline.Classify(rows)
	if assessment.OK() {
		return true
	}
	payload.IngestErrors = append(payload.IngestErrors, assessment.Errors...)
	payload.Rerun = assessment.Retryable
	return false
}

// publish runs the post-validation chain: create the canonical record,
// archive the files, record their locations, lift the suppression flag.
// Fields already earned (the canonical id above all) stay on the payload
// so a retry resumes instead of repeating.
func (j *Job) publish(ctx context.Context, payload *events.ValidationPayload, dataFiles map[string]events.FileRecord) bool {
	if payload.CanonicalID == nil {
		fields := map[string]string{
			"artifact":  payload.Artifact,
			"run_index": payload.RunIndex,
			"run_id":    payload.RunID,
			"site":      payload.Site,
			"platform":  payload.Platform,
		}
		for ext, rec := range dataFiles {
			fields["fingerprint"+paramSuffix(ext)] = rec.ETag
		}

		id, ok, fieldErrs, err := j.catalog.Create(ctx, payload.Project, fields)
		if err != nil {
			payload.AddIngestError("registry record creation unavailable: %v", err)
			payload.Rerun = true
			return false
		}
		if !ok {
			payload.CreateErrors.Merge(fieldErrs)
			return false
		}
		payload.CanonicalID = &id
		payload.Created = true
	}

	canonical := *payload.CanonicalID
	archive := archiveBucket(j.cfg, payload.Project)
	for _, rec := range payload.Files {
		srcBucket, srcKey, err := keys.SplitURI(rec.URI)
		if err != nil {
			payload.AddIngestError("file %s has a malformed location: %v", rec.Key, err)
			return false
		}
		if err := j.store.Copy(ctx, srcBucket, srcKey, archive, canonical+"/"+rec.Key); err != nil {
			payload.AddIngestError("archival of %s failed: %v", rec.Key, err)
			payload.Rerun = true
			return false
		}
	}

	location := keys.URI(archive, canonical) + "/"
	if err := j.catalog.Update(ctx, payload.Project, canonical, map[string]string{
		"artifact_location": location,
	}); err != nil {
		payload.AddIngestError("recording artifact location failed: %v", err)
		payload.Rerun = true
		return false
	}

	if err := j.catalog.ClearSuppression(ctx, payload.Project, canonical); err != nil {
		payload.AddIngestError("lifting record suppression failed: %v", err)
		payload.Rerun = true
		return false
	}

	payload.Published = true
	return true
}

func paramSuffix(ext string) string {
	return "_" + paramName(ext)
}

func (j *Job) cleanup(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		j.log.Warn("work dir cleanup failed", zap.String("dir", workDir), zap.Error(err))
	}
}
