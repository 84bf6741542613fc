package validator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/pipeline"
	"github.com/corvid-bio/magpie/internal/storage"
)

type fakeStore struct {
	heads    map[string]storage.ObjectInfo
	headErr  error
	copies   []string
	copyErr  error
	uploads  []string
}

func (s *fakeStore) Head(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	if s.headErr != nil {
		return storage.ObjectInfo{}, s.headErr
	}
	info, ok := s.heads[bucket+"/"+key]
	if !ok {
		return storage.ObjectInfo{}, errors.New("no such object")
	}
	return info, nil
}

func (s *fakeStore) Copy(_ context.Context, _, srcKey, _, dstKey string) error {
	if s.copyErr != nil {
		return s.copyErr
	}
	s.copies = append(s.copies, srcKey+" -> "+dstKey)
	return nil
}

func (s *fakeStore) UploadFile(_ context.Context, _, key, _ string) error {
	s.uploads = append(s.uploads, key)
	return nil
}

type fakeJobCatalog struct {
	seen        bool
	seenErr     error
	canonicalID string
	createOK    bool
	createErrs  events.FieldErrors
	createErr   error
	createCalls int
	updates     []map[string]string
	cleared     []string
}

func (c *fakeJobCatalog) SeenFingerprint(context.Context, string, string) (bool, error) {
	return c.seen, c.seenErr
}

func (c *fakeJobCatalog) Create(context.Context, string, map[string]string) (string, bool, events.FieldErrors, error) {
	c.createCalls++
	if c.createErr != nil {
		return "", false, nil, c.createErr
	}
	return c.canonicalID, c.createOK, c.createErrs, nil
}

func (c *fakeJobCatalog) Update(_ context.Context, _, _ string, fields map[string]string) error {
	c.updates = append(c.updates, fields)
	return nil
}

func (c *fakeJobCatalog) ClearSuppression(_ context.Context, _, id string) error {
	c.cleared = append(c.cleared, id)
	return nil
}

// fakeRunner fabricates a run: optionally writes a trace into the work
// dir and reports the scripted exit.
type fakeRunner struct {
	exitCode int
	timedOut bool
	trace    string
	calls    int
}

func (r *fakeRunner) Run(_ context.Context, workDir string, _ map[string]string, _ time.Duration) (*pipeline.Result, error) {
	r.calls++
	if r.trace != "" {
		if err := os.WriteFile(filepath.Join(workDir, pipeline.TraceFile), []byte(r.trace), 0o600); err != nil {
			return nil, err
		}
	}
	return &pipeline.Result{
		ExitCode:   r.exitCode,
		TimedOut:   r.timedOut,
		StdoutPath: filepath.Join(workDir, pipeline.StdoutFile),
		StderrPath: filepath.Join(workDir, pipeline.StderrFile),
	}, nil
}

func jobConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Projects: map[string]config.ProjectConfig{"proj1": {}},
		Orchestrator: config.OrchestratorConfig{
			Project:   "proj1",
			ResultDir: t.TempDir(),
		},
		Pipeline: config.PipelineConfig{
			Branch:     "v1.2",
			MinTimeout: time.Minute,
		},
	}
}

func jobPayload() *events.ValidationPayload {
	return &events.ValidationPayload{
		UUID:         "uuid-1",
		Artifact:     "proj1.sampleA.run1",
		Project:      "proj1",
		Site:         "site1",
		RawSite:      "site1",
		Platform:     "ont",
		RunIndex:     "sampleA",
		RunID:        "run1",
		TestCreateOK: true,
		Files: map[string]events.FileRecord{
			".fastq.gz": {
				URI:  "s3://proj1-site1-ont-prod/proj1.sampleA.run1.fastq.gz",
				ETag: "e1",
				Key:  "proj1.sampleA.run1.fastq.gz",
			},
			".csv": {
				URI:  "s3://proj1-site1-ont-prod/proj1.sampleA.run1.csv",
				ETag: "e2",
				Key:  "proj1.sampleA.run1.csv",
			},
		},
		TestCreateErrors: events.FieldErrors{},
		CreateErrors:     events.FieldErrors{},
	}
}

func healthyHeads() map[string]storage.ObjectInfo {
	return map[string]storage.ObjectInfo{
		"proj1-site1-ont-prod/proj1.sampleA.run1.fastq.gz": {ETag: "e1", Size: 1000},
		"proj1-site1-ont-prod/proj1.sampleA.run1.csv":      {ETag: "e2", Size: 200},
	}
}

func TestExecuteGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign project skipped", func(t *testing.T) {
		job := NewJob(jobConfig(t), &fakeStore{}, &fakeJobCatalog{}, &fakeRunner{}, zap.NewNop())
		payload := jobPayload()
		payload.Project = "proj2"

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.True(t, verdict.Skip)
	})

	t.Run("uncleared artifact short-circuits", func(t *testing.T) {
		runner := &fakeRunner{}
		job := NewJob(jobConfig(t), &fakeStore{}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()
		payload.TestCreateOK = false
		payload.TestCreateErrors.Add("run_id", "required field is missing")

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.Zero(t, runner.calls)
	})

	t.Run("empty data file fails without retry", func(t *testing.T) {
		heads := healthyHeads()
		heads["proj1-site1-ont-prod/proj1.sampleA.run1.fastq.gz"] = storage.ObjectInfo{ETag: "e1", Size: 0}
		runner := &fakeRunner{}
		job := NewJob(jobConfig(t), &fakeStore{heads: heads}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
		require.Len(t, payload.IngestErrors, 1)
		assert.Contains(t, payload.IngestErrors[0], "empty")
		assert.Zero(t, runner.calls)
	})

	t.Run("fingerprint drift since match fails without retry", func(t *testing.T) {
		heads := healthyHeads()
		heads["proj1-site1-ont-prod/proj1.sampleA.run1.csv"] = storage.ObjectInfo{ETag: "changed", Size: 200}
		job := NewJob(jobConfig(t), &fakeStore{heads: heads}, &fakeJobCatalog{}, &fakeRunner{}, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
	})

	t.Run("identical paired data files fail", func(t *testing.T) {
		payload := jobPayload()
		payload.Files = map[string]events.FileRecord{
			".1.fastq.gz": {URI: "s3://proj1-site1-ont-prod/a.1.fastq.gz", ETag: "same", Key: "a.1.fastq.gz"},
			".2.fastq.gz": {URI: "s3://proj1-site1-ont-prod/a.2.fastq.gz", ETag: "same", Key: "a.2.fastq.gz"},
			".csv":        {URI: "s3://proj1-site1-ont-prod/a.csv", ETag: "e2", Key: "a.csv"},
		}
		heads := map[string]storage.ObjectInfo{
			"proj1-site1-ont-prod/a.1.fastq.gz": {ETag: "same", Size: 100},
			"proj1-site1-ont-prod/a.2.fastq.gz": {ETag: "same", Size: 100},
			"proj1-site1-ont-prod/a.csv":        {ETag: "e2", Size: 100},
		}
		job := NewJob(jobConfig(t), &fakeStore{heads: heads}, &fakeJobCatalog{}, &fakeRunner{}, zap.NewNop())

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		require.Len(t, payload.IngestErrors, 1)
		assert.Contains(t, payload.IngestErrors[0], "identical")
	})

	t.Run("already-seen fingerprint fails without retry", func(t *testing.T) {
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()},
			&fakeJobCatalog{seen: true}, &fakeRunner{}, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
	})

	t.Run("fingerprint check outage is retryable", func(t *testing.T) {
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()},
			&fakeJobCatalog{seenErr: errors.New("registry down")}, &fakeRunner{}, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.True(t, payload.Rerun)
	})
}

func TestExecutePipelineOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout is reported, not retried", func(t *testing.T) {
		runner := &fakeRunner{timedOut: true, exitCode: -1}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
		require.Len(t, payload.IngestErrors, 1)
		assert.Contains(t, payload.IngestErrors[0], "timed out")
	})

	t.Run("failed trace stage fails the job", func(t *testing.T) {
		runner := &fakeRunner{
			exitCode: 0,
			trace:    "name\texit\tstatus\nvalidate:report\t1\tFAILED\n",
		}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.Len(t, payload.IngestErrors, 1)
		assert.True(t, payload.Rerun, "unknown stage failure may be transient")
	})

	t.Run("quality exit fails without retry", func(t *testing.T) {
		runner := &fakeRunner{
			exitCode: 1,
			trace:    "name\texit\tstatus\nvalidate:check_contamination\t3\tFAILED\n",
		}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
	})

	t.Run("non-zero exit with no trace is retryable", func(t *testing.T) {
		runner := &fakeRunner{exitCode: 1}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, &fakeJobCatalog{}, runner, zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.True(t, payload.Rerun)
	})
}

func TestExecutePublication(t *testing.T) {
	ctx := context.Background()
	cleanRunner := func() *fakeRunner {
		return &fakeRunner{
			exitCode: 0,
			trace:    "name\texit\tstatus\nvalidate:report\t0\tCOMPLETED\n",
		}
	}

	t.Run("test run stops before the registry", func(t *testing.T) {
		cat := &fakeJobCatalog{}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, cat, cleanRunner(), zap.NewNop())
		payload := jobPayload()
		payload.TestFlag = true

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.True(t, verdict.Success)
		assert.True(t, payload.TestResult)
		assert.Zero(t, cat.createCalls)
	})

	t.Run("full success publishes end to end", func(t *testing.T) {
		store := &fakeStore{heads: healthyHeads()}
		cat := &fakeJobCatalog{canonicalID: "CANON-1", createOK: true}
		job := NewJob(jobConfig(t), store, cat, cleanRunner(), zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.True(t, verdict.Success)
		assert.True(t, payload.Published)
		require.NotNil(t, payload.CanonicalID)
		assert.Equal(t, "CANON-1", *payload.CanonicalID)
		assert.Equal(t, "v1.2", payload.PipelineVersion)

		assert.Len(t, store.copies, 2, "every file archived")
		require.Len(t, cat.updates, 1)
		assert.Contains(t, cat.updates[0]["artifact_location"], "CANON-1")
		assert.Equal(t, []string{"CANON-1"}, cat.cleared)
	})

	t.Run("registry rejection is terminal", func(t *testing.T) {
		cat := &fakeJobCatalog{createOK: false, createErrs: events.FieldErrors{
			"sample_type": {"unknown value"},
		}}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, cat, cleanRunner(), zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.False(t, payload.Rerun)
		assert.Equal(t, []string{"unknown value"}, payload.CreateErrors["sample_type"])
	})

	t.Run("retry keeps an already-earned canonical id", func(t *testing.T) {
		id := "CANON-1"
		cat := &fakeJobCatalog{}
		job := NewJob(jobConfig(t), &fakeStore{heads: healthyHeads()}, cat, cleanRunner(), zap.NewNop())
		payload := jobPayload()
		payload.CanonicalID = &id
		payload.Created = true

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.True(t, verdict.Success)
		assert.Zero(t, cat.createCalls, "create is not repeated on retry")
	})

	t.Run("archival failure is retryable", func(t *testing.T) {
		store := &fakeStore{heads: healthyHeads(), copyErr: errors.New("copy denied")}
		cat := &fakeJobCatalog{canonicalID: "CANON-1", createOK: true}
		job := NewJob(jobConfig(t), store, cat, cleanRunner(), zap.NewNop())
		payload := jobPayload()

		verdict, err := job.Execute(ctx, payload)
		require.NoError(t, err)
		assert.False(t, verdict.Success)
		assert.True(t, payload.Rerun)
		require.NotNil(t, payload.CanonicalID, "earned id survives for the retry")
	})
}
