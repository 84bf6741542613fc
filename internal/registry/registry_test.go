package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-bio/magpie/internal/events"
)

var testKey = Key{
	Artifact:    "proj1.sampleA.run1",
	Project:     "proj1",
	Site:        "site1",
	Platform:    "ont",
	Environment: "prod",
}

func record(etag, submitter string) events.FileRecord {
	return events.FileRecord{
		URI:       "s3://proj1-site1-ont-prod/proj1.sampleA.run1.csv",
		ETag:      etag,
		Key:       "proj1.sampleA.run1.csv",
		Submitter: submitter,
	}
}

func TestUpsertFile(t *testing.T) {
	t.Run("creates entry on first file", func(t *testing.T) {
		r := New()
		entry := r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
		require.NotNil(t, entry)
		assert.Equal(t, 1, r.PendingCount())
		assert.Same(t, entry, r.Get(testKey))
	})

	t.Run("replaces record for same extension", func(t *testing.T) {
		r := New()
		r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
		entry := r.UpsertFile(testKey, "site1", ".csv", record("e2", "bob"))
		assert.Len(t, entry.Files, 1)
		assert.Equal(t, "e2", entry.Files[".csv"].ETag)
	})
}

func TestIsComplete(t *testing.T) {
	required := []string{".fastq.gz", ".csv"}

	r := New()
	assert.False(t, r.IsComplete(testKey, required), "absent entry is not complete")

	r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
	assert.False(t, r.IsComplete(testKey, required), "partial entry is not complete")

	r.UpsertFile(testKey, "site1", ".fastq.gz", record("e2", "alice"))
	assert.True(t, r.IsComplete(testKey, required))
}

func TestMatchedIndex(t *testing.T) {
	t.Run("put copies the entry", func(t *testing.T) {
		r := New()
		entry := r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
		r.PutMatched(entry)

		// Mutating the pending entry must not leak into the matched index.
		entry.Files[".csv"] = record("e9", "mallory")
		assert.Equal(t, "e1", r.Matched(testKey).Files[".csv"].ETag)
	})

	t.Run("seed pending copies back out", func(t *testing.T) {
		r := New()
		entry := r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
		r.PutMatched(entry)
		r.Remove(testKey)

		seeded := r.SeedPending(r.Matched(testKey))
		seeded.Files[".csv"] = record("e2", "alice")
		assert.Equal(t, "e1", r.Matched(testKey).Files[".csv"].ETag)
		assert.Equal(t, "e2", r.Get(testKey).Files[".csv"].ETag)
	})
}

func TestUploaders(t *testing.T) {
	r := New()
	r.UpsertFile(testKey, "site1", ".csv", record("e1", "bob"))
	r.UpsertFile(testKey, "site1", ".fastq.gz", record("e2", "alice"))
	r.UpsertFile(testKey, "site1", ".bam", record("e3", "alice"))

	assert.Equal(t, []string{"alice", "bob"}, r.Get(testKey).Uploaders())
}

func TestRemove(t *testing.T) {
	r := New()
	r.UpsertFile(testKey, "site1", ".csv", record("e1", "alice"))
	r.Remove(testKey)
	assert.Nil(t, r.Get(testKey))
	assert.Equal(t, 0, r.PendingCount())
}
