package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-bio/magpie/internal/config"
)

var ontSpecs = []config.ExtensionSpec{
	{Extension: ".fastq.gz", Layout: "project.run_index.run_id.fastq.gz", Sections: 5},
	{Extension: ".csv", Layout: "project.run_index.run_id.csv", Sections: 4},
}

func TestParse(t *testing.T) {
	t.Run("recovers layout fields", func(t *testing.T) {
		ext, parsed, err := Parse("proj1.sampleA.run1.fastq.gz", ontSpecs)
		require.NoError(t, err)
		assert.Equal(t, ".fastq.gz", ext)
		assert.Equal(t, "proj1", parsed["project"])
		assert.Equal(t, "sampleA", parsed["run_index"])
		assert.Equal(t, "run1", parsed["run_id"])
	})

	t.Run("first suffix match wins", func(t *testing.T) {
		specs := []config.ExtensionSpec{
			{Extension: ".1.fastq.gz", Layout: "project.run_index.run_id.1.fastq.gz", Sections: 6},
			{Extension: ".fastq.gz", Layout: "project.run_index.run_id.fastq.gz", Sections: 5},
		}
		ext, _, err := Parse("proj1.sampleA.run1.1.fastq.gz", specs)
		require.NoError(t, err)
		assert.Equal(t, ".1.fastq.gz", ext)
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, _, err := Parse("proj1.sampleA.run1.bam", ontSpecs)
		assert.ErrorIs(t, err, ErrNoExtension)
	})

	t.Run("wrong segment count", func(t *testing.T) {
		_, _, err := Parse("proj1.sampleA.run1.extra.fastq.gz", ontSpecs)
		assert.Error(t, err)
	})

	t.Run("empty segment", func(t *testing.T) {
		_, _, err := Parse("proj1..run1.fastq.gz", ontSpecs)
		assert.Error(t, err)
	})
}

func TestDeriveArtifactID(t *testing.T) {
	t.Run("joins layout fields", func(t *testing.T) {
		_, parsed, err := Parse("proj1.sampleA.run1.csv", ontSpecs)
		require.NoError(t, err)

		id, err := DeriveArtifactID(parsed, "project.run_index.run_id")
		require.NoError(t, err)
		assert.Equal(t, "proj1.sampleA.run1", id)
	})

	t.Run("missing field fails", func(t *testing.T) {
		_, err := DeriveArtifactID(ParsedKey{"project": "proj1"}, "project.run_index")
		assert.Error(t, err)
	})
}

func TestParseBucketName(t *testing.T) {
	t.Run("plain site", func(t *testing.T) {
		b, err := ParseBucketName("proj1-site1-ont-prod")
		require.NoError(t, err)
		assert.Equal(t, "proj1", b.Project)
		assert.Equal(t, "site1", b.RawSite)
		assert.Equal(t, "site1", b.Site())
		assert.Equal(t, "ont", b.Platform)
		assert.False(t, b.Test())
	})

	t.Run("nested site normalizes to last segment", func(t *testing.T) {
		b, err := ParseBucketName("proj1-tenant.site1-illumina-test")
		require.NoError(t, err)
		assert.Equal(t, "tenant.site1", b.RawSite)
		assert.Equal(t, "site1", b.Site())
		assert.True(t, b.Test())
	})

	t.Run("too few segments", func(t *testing.T) {
		_, err := ParseBucketName("proj1-ont-prod")
		assert.Error(t, err)
	})
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI("proj1-site1-ont-prod", "proj1.sampleA.run1.csv")
	assert.Equal(t, "s3://proj1-site1-ont-prod/proj1.sampleA.run1.csv", uri)

	bucket, key, err := SplitURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "proj1-site1-ont-prod", bucket)
	assert.Equal(t, "proj1.sampleA.run1.csv", key)

	_, _, err = SplitURI("http://example.com/x")
	assert.Error(t, err)
}
