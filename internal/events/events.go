package events

import (
	"fmt"
	"time"
)

// Exchange names for the event categories flowing through the system.
// Arrival and matched events are global; everything downstream is scoped
// per project (and per site for submitter-facing results).
const (
	ArrivalExchange = "inbound.objects"
	MatchedExchange = "inbound.matched"
)

// ToValidateExchange returns the exchange carrying payloads queued for
// validation of a single project.
func ToValidateExchange(project string) string {
	return fmt.Sprintf("inbound.to-validate.%s", project)
}

// ResultsExchange returns the per-project per-site exchange on which
// submitters receive validation outcomes.
func ResultsExchange(project, site string) string {
	return fmt.Sprintf("inbound.results.%s.%s", project, site)
}

// NewArtifactExchange returns the exchange announcing authoritatively
// published artifacts for downstream consumers.
func NewArtifactExchange(project string) string {
	return fmt.Sprintf("inbound.new-artifact.%s", project)
}

// AlertExchange returns the restricted operator channel for a project.
// Dead letters and worker faults land here.
func AlertExchange(project string) string {
	return fmt.Sprintf("%s.alerts", project)
}

// ObjectRecord is one object-creation notice inside an arrival message.
type ObjectRecord struct {
	EventTime time.Time `json:"event_time"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ETag      string    `json:"etag"`
	Size      int64     `json:"size"`
	Uploader  string    `json:"uploader"`
}

// ArrivalMessage is the point-to-point file-arrival message published by
// the storage notification layer. A message carries a batch of records,
// each of which is processed independently.
type ArrivalMessage struct {
	Records []ObjectRecord `json:"records"`
}

// FileRecord describes one matched file of an artifact. Immutable once
// created; a re-upload of the same extension replaces the record whole.
type FileRecord struct {
	URI       string            `json:"uri"`
	ETag      string            `json:"etag"`
	Key       string            `json:"key"`
	Submitter string            `json:"submitter"`
	Fields    map[string]string `json:"parsed_fields"`
}

// MatchedPayload is emitted once per completed artifact file set.
type MatchedPayload struct {
	UUID           string                `json:"uuid"`
	Artifact       string                `json:"artifact"`
	Project        string                `json:"project"`
	Site           string                `json:"site"`
	RawSite        string                `json:"raw_site"`
	Platform       string                `json:"platform"`
	RunIndex       string                `json:"run_index"`
	RunID          string                `json:"run_id"`
	TestFlag       bool                  `json:"test_flag"`
	Uploaders      []string              `json:"uploaders"`
	Files          map[string]FileRecord `json:"files"`
	MatchTimestamp int64                 `json:"match_timestamp"`
}

// FieldErrors maps a field name to the human-readable problems found with
// it, so downstream consumers can render per-field feedback.
type FieldErrors map[string][]string

// Add appends a message to the error list for a field.
func (fe FieldErrors) Add(field, message string) {
	fe[field] = append(fe[field], message)
}

// Merge folds another error map into this one.
func (fe FieldErrors) Merge(other FieldErrors) {
	for field, messages := range other {
		fe[field] = append(fe[field], messages...)
	}
}

// ValidationPayload is the envelope threaded through the ingest and
// validation stages for one artifact. Fields accumulate as stages run;
// optional values are pointers so "not yet set" is distinguishable.
type ValidationPayload struct {
	UUID            string                `json:"uuid"`
	Artifact        string                `json:"artifact"`
	Project         string                `json:"project"`
	Site            string                `json:"site"`
	RawSite         string                `json:"raw_site"`
	Platform        string                `json:"platform"`
	RunIndex        string                `json:"run_index"`
	RunID           string                `json:"run_id"`
	TestFlag        bool                  `json:"test_flag"`
	Uploaders       []string              `json:"uploaders"`
	Files           map[string]FileRecord `json:"files"`
	MatchTimestamp  int64                 `json:"match_timestamp"`
	IngestTimestamp int64                 `json:"ingest_timestamp"`

	// Set by the ingest stage.
	TestCreateOK     bool        `json:"test_create_ok"`
	TestCreateErrors FieldErrors `json:"test_create_errors,omitempty"`

	// Set by the validation stage.
	CanonicalID  *string     `json:"canonical_id,omitempty"`
	Created      bool        `json:"created"`
	Published    bool        `json:"published"`
	TestResult   bool        `json:"test_result"`
	CreateErrors FieldErrors `json:"create_errors,omitempty"`
	IngestErrors []string    `json:"ingest_errors,omitempty"`
	Rerun        bool        `json:"rerun"`

	PipelineVersion string `json:"pipeline_version,omitempty"`
}

// FromMatched seeds a fresh validation payload from a matched event.
func FromMatched(m MatchedPayload) *ValidationPayload {
	return &ValidationPayload{
		UUID:             m.UUID,
		Artifact:         m.Artifact,
		Project:          m.Project,
		Site:             m.Site,
		RawSite:          m.RawSite,
		Platform:         m.Platform,
		RunIndex:         m.RunIndex,
		RunID:            m.RunID,
		TestFlag:         m.TestFlag,
		Uploaders:        m.Uploaders,
		Files:            m.Files,
		MatchTimestamp:   m.MatchTimestamp,
		TestCreateErrors: FieldErrors{},
		CreateErrors:     FieldErrors{},
	}
}

// AddIngestError appends a submitter-facing error to the payload.
func (p *ValidationPayload) AddIngestError(format string, args ...any) {
	p.IngestErrors = append(p.IngestErrors, fmt.Sprintf(format, args...))
}

// NewArtifactPayload announces an authoritatively published artifact.
type NewArtifactPayload struct {
	PublishTimestamp int64  `json:"publish_timestamp"`
	CanonicalID      string `json:"canonical_id"`
	Artifact         string `json:"artifact"`
	RunIndex         string `json:"run_index"`
	RunID            string `json:"run_id"`
	Site             string `json:"site"`
	Platform         string `json:"platform"`
	Project          string `json:"project"`
	MatchUUID        string `json:"match_uuid"`
}

// FailureNotice is the structured message routed to a results channel when
// an arriving object cannot be processed at all (malformed key, project
// mismatch). No retry follows.
type FailureNotice struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Reason  string `json:"reason"`
	Project string `json:"project"`
	Site    string `json:"site"`
}
