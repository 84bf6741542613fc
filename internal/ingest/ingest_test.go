package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/storage"
)

type fakeStore struct {
	data map[string][]byte
	err  error
}

func (s *fakeStore) GetGuarded(_ context.Context, bucket, key, _ string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.data[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

type fakeCatalog struct {
	ok     bool
	fields events.FieldErrors
	err    error
	calls  int
}

func (c *fakeCatalog) TestCreate(context.Context, string, map[string]string) (bool, events.FieldErrors, error) {
	c.calls++
	return c.ok, c.fields, c.err
}

type fakePublisher struct {
	exchanges []string
	bodies    [][]byte
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, exchange string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.exchanges = append(p.exchanges, exchange)
	p.bodies = append(p.bodies, body)
	return nil
}

func matchedPayload() events.MatchedPayload {
	return events.MatchedPayload{
		UUID:     "uuid-1",
		Artifact: "proj1.sampleA.run1",
		Project:  "proj1",
		Site:     "site1",
		RawSite:  "site1",
		Platform: "ont",
		RunIndex: "sampleA",
		RunID:    "run1",
		Files: map[string]events.FileRecord{
			".csv": {
				URI:  "s3://proj1-site1-ont-prod/proj1.sampleA.run1.csv",
				ETag: "e2",
				Key:  "proj1.sampleA.run1.csv",
			},
			".fastq.gz": {
				URI:  "s3://proj1-site1-ont-prod/proj1.sampleA.run1.fastq.gz",
				ETag: "e1",
				Key:  "proj1.sampleA.run1.fastq.gz",
			},
		},
	}
}

func storeWithCSV(csv string) *fakeStore {
	return &fakeStore{data: map[string][]byte{
		"proj1-site1-ont-prod/proj1.sampleA.run1.csv": []byte(csv),
	}}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("clean metadata forwards with test create ok", func(t *testing.T) {
		pub := &fakePublisher{}
		cat := &fakeCatalog{ok: true}
		stage := New(storeWithCSV("run_index,run_id\nsampleA,run1\n"), cat, pub, zap.NewNop())

		require.NoError(t, stage.Handle(ctx, matchedPayload()))
		require.Equal(t, []string{events.ToValidateExchange("proj1")}, pub.exchanges)
		assert.Equal(t, 1, cat.calls)

		var payload events.ValidationPayload
		require.NoError(t, json.Unmarshal(pub.bodies[0], &payload))
		assert.True(t, payload.TestCreateOK)
		assert.Empty(t, payload.IngestErrors)
		assert.NotZero(t, payload.IngestTimestamp)
	})

	t.Run("registry rejection carries field errors forward", func(t *testing.T) {
		pub := &fakePublisher{}
		cat := &fakeCatalog{ok: false, fields: events.FieldErrors{
			"collection_date": {"this field is required"},
		}}
		stage := New(storeWithCSV("run_index,run_id\nsampleA,run1\n"), cat, pub, zap.NewNop())

		require.NoError(t, stage.Handle(ctx, matchedPayload()))
		var payload events.ValidationPayload
		require.NoError(t, json.Unmarshal(pub.bodies[0], &payload))
		assert.False(t, payload.TestCreateOK)
		assert.Equal(t, []string{"this field is required"}, payload.TestCreateErrors["collection_date"])
	})

	t.Run("transient registry failure surfaces for redelivery", func(t *testing.T) {
		pub := &fakePublisher{}
		cat := &fakeCatalog{err: errors.New("registry unreachable")}
		stage := New(storeWithCSV("run_index,run_id\nsampleA,run1\n"), cat, pub, zap.NewNop())

		assert.Error(t, stage.Handle(ctx, matchedPayload()))
		assert.Empty(t, pub.exchanges)
	})
}

func TestMetadataChecks(t *testing.T) {
	ctx := context.Background()

	process := func(t *testing.T, store *fakeStore, matched events.MatchedPayload) *events.ValidationPayload {
		t.Helper()
		cat := &fakeCatalog{ok: true}
		stage := New(store, cat, &fakePublisher{}, zap.NewNop())
		payload, err := stage.Process(ctx, matched)
		require.NoError(t, err)
		assert.Zero(t, cat.calls, "metadata failures must not reach the registry")
		return payload
	}

	t.Run("field disagreeing with filename", func(t *testing.T) {
		payload := process(t, storeWithCSV("run_index,run_id\nsampleA,other\n"), matchedPayload())
		require.Contains(t, payload.TestCreateErrors, "run_id")
		assert.Contains(t, payload.TestCreateErrors["run_id"][0], "does not match filename")
	})

	t.Run("missing required column", func(t *testing.T) {
		payload := process(t, storeWithCSV("run_index\nsampleA\n"), matchedPayload())
		assert.Contains(t, payload.TestCreateErrors, "run_id")
	})

	t.Run("multiple data rows rejected", func(t *testing.T) {
		payload := process(t, storeWithCSV("run_index,run_id\nsampleA,run1\nsampleB,run2\n"), matchedPayload())
		require.Len(t, payload.IngestErrors, 1)
		assert.Contains(t, payload.IngestErrors[0], "expected exactly one")
	})

	t.Run("identifier character set enforced", func(t *testing.T) {
		matched := matchedPayload()
		matched.RunIndex = "sample A"
		payload := process(t, storeWithCSV("run_index,run_id\nsample A,run1\n"), matched)
		require.Contains(t, payload.TestCreateErrors, "run_index")
		assert.Contains(t, payload.TestCreateErrors["run_index"][0], "letters, digits")
	})

	t.Run("fingerprint drift is a submitter-facing verdict", func(t *testing.T) {
		drifted := fmt.Errorf("%w: recorded e2, found e9", storage.ErrETagMismatch)
		payload := process(t, &fakeStore{err: drifted}, matchedPayload())
		require.Len(t, payload.IngestErrors, 1)
		assert.Contains(t, payload.IngestErrors[0], "changed since it was matched")
		assert.False(t, payload.Rerun)
	})
}

func TestTransientReadFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("process surfaces the error", func(t *testing.T) {
		cat := &fakeCatalog{ok: true}
		stage := New(&fakeStore{err: errors.New("dial tcp: connection refused")}, cat, &fakePublisher{}, zap.NewNop())

		payload, err := stage.Process(ctx, matchedPayload())
		require.Error(t, err)
		assert.Nil(t, payload)
		assert.Zero(t, cat.calls)
	})

	t.Run("handle forwards nothing so the message is redelivered", func(t *testing.T) {
		pub := &fakePublisher{}
		stage := New(&fakeStore{err: errors.New("dial tcp: connection refused")}, &fakeCatalog{ok: true}, pub, zap.NewNop())

		assert.Error(t, stage.Handle(ctx, matchedPayload()))
		assert.Empty(t, pub.exchanges)
	})
}
