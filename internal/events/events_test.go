package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeArrival(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		body := []byte(`{"records":[{"bucket":"proj1-site1-ont-prod","key":"a.csv","etag":"e1","size":12,"uploader":"site1-user"}]}`)
		msg, err := DecodeArrival(body)
		require.NoError(t, err)
		require.Len(t, msg.Records, 1)
		assert.Equal(t, "a.csv", msg.Records[0].Key)
		assert.Equal(t, int64(12), msg.Records[0].Size)
	})

	t.Run("schema violations rejected", func(t *testing.T) {
		cases := map[string]string{
			"not json":       `{{`,
			"no records":     `{"records":[]}`,
			"missing etag":   `{"records":[{"bucket":"b","key":"k","uploader":"u"}]}`,
			"empty bucket":   `{"records":[{"bucket":"","key":"k","etag":"e","uploader":"u"}]}`,
			"wrong toplevel": `{"events":[]}`,
		}
		for name, body := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := DecodeArrival([]byte(body))
				assert.Error(t, err)
			})
		}
	})
}

func TestDecodeMatched(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var payload MatchedPayload
		err := DecodeMatched([]byte(`{"uuid":"u1","artifact":"a1","project":"proj1"}`), &payload)
		require.NoError(t, err)
		assert.Equal(t, "u1", payload.UUID)
	})

	t.Run("identity required", func(t *testing.T) {
		var payload MatchedPayload
		assert.Error(t, DecodeMatched([]byte(`{"project":"proj1"}`), &payload))
	})
}

func TestFieldErrors(t *testing.T) {
	fe := FieldErrors{}
	fe.Add("run_id", "missing")
	fe.Add("run_id", "malformed")
	fe.Merge(FieldErrors{"site": {"unknown"}})

	assert.Equal(t, []string{"missing", "malformed"}, fe["run_id"])
	assert.Equal(t, []string{"unknown"}, fe["site"])
}

func TestFromMatched(t *testing.T) {
	matched := MatchedPayload{
		UUID:     "u1",
		Artifact: "proj1.sampleA.run1",
		Project:  "proj1",
		Site:     "site1",
		TestFlag: true,
		Files:    map[string]FileRecord{".csv": {ETag: "e1"}},
	}
	payload := FromMatched(matched)
	assert.Equal(t, "u1", payload.UUID)
	assert.True(t, payload.TestFlag)
	assert.NotNil(t, payload.TestCreateErrors)
	assert.NotNil(t, payload.CreateErrors)
	assert.Nil(t, payload.CanonicalID)

	payload.AddIngestError("file %s is empty", "a.csv")
	assert.Equal(t, []string{"file a.csv is empty"}, payload.IngestErrors)
}

func TestExchangeNames(t *testing.T) {
	assert.Equal(t, "inbound.to-validate.proj1", ToValidateExchange("proj1"))
	assert.Equal(t, "inbound.results.proj1.site1", ResultsExchange("proj1", "site1"))
	assert.Equal(t, "inbound.new-artifact.proj1", NewArtifactExchange("proj1"))
	assert.Equal(t, "proj1.alerts", AlertExchange("proj1"))
}
