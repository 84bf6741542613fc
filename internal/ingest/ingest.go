// Package ingest is the stage between artifact matching and validation.
// It reads the artifact's metadata table, checks the submitter-supplied
// fields against the filename-derived ones, dry-runs record creation
// against the metadata registry, and forwards the payload to the
// validation queue. Field failures ride along in the payload rather than
// stopping it here, so the submitter gets one consolidated verdict.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/events"
	"github.com/corvid-bio/magpie/internal/keys"
	"github.com/corvid-bio/magpie/internal/storage"
)

// MetadataExtension is the extension of the file carrying submitter
// metadata.
const MetadataExtension = ".csv"

// identifierPattern constrains submitter-chosen identifiers so they are
// safe in object keys, filenames and URLs downstream.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// ObjectReader fetches an object's bytes, failing if its fingerprint no
// longer matches the one recorded at match time.
type ObjectReader interface {
	GetGuarded(ctx context.Context, bucket, key, etag string) ([]byte, error)
}

// TestCreator dry-runs record creation against the metadata registry.
type TestCreator interface {
	TestCreate(ctx context.Context, project string, fields map[string]string) (bool, events.FieldErrors, error)
}

// Publisher publishes an event body to a named exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange string, body []byte) error
}

// Stage performs ingest checks on matched artifacts.
type Stage struct {
	store   ObjectReader
	catalog TestCreator
	pub     Publisher
	log     *zap.Logger
}

// New builds the ingest stage.
func New(store ObjectReader, catalog TestCreator, pub Publisher, log *zap.Logger) *Stage {
	return &Stage{store: store, catalog: catalog, pub: pub, log: log}
}

// Handle processes one matched artifact and forwards the resulting
// payload to the project's validation queue. An error means the forward
// (or a transient registry/storage failure) did not happen and the
// inbound message should be redelivered.
func (s *Stage) Handle(ctx context.Context, matched events.MatchedPayload) error {
	payload, err := s.Process(ctx, matched)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: marshal payload %s: %w", payload.UUID, err)
	}
	exchange := events.ToValidateExchange(payload.Project)
	if err := s.pub.Publish(ctx, exchange, body); err != nil {
		return fmt.Errorf("ingest: forward %s to %s: %w", payload.UUID, exchange, err)
	}

	s.log.Info("artifact forwarded to validation",
		zap.String("uuid", payload.UUID),
		zap.String("artifact", payload.Artifact),
		zap.Bool("test_create_ok", payload.TestCreateOK))
	return nil
}

// Process runs the ingest checks and returns the enriched payload.
func (s *Stage) Process(ctx context.Context, matched events.MatchedPayload) (*events.ValidationPayload, error) {
	payload := events.FromMatched(matched)
	payload.IngestTimestamp = time.Now().UnixNano()

	fields, ok, err := s.readMetadata(ctx, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Metadata problems are a submitter-facing verdict, not a
		// processing failure; the payload still moves on.
		return payload, nil
	}

	s.checkFields(payload, fields)

	if len(payload.IngestErrors) > 0 || len(payload.TestCreateErrors) > 0 {
		return payload, nil
	}

	ok, fieldErrs, err := s.catalog.TestCreate(ctx, payload.Project, fields)
	if err != nil {
		return nil, fmt.Errorf("ingest: registry test create for %s: %w", payload.Artifact, err)
	}
	payload.TestCreateOK = ok
	if !ok {
		payload.TestCreateErrors.Merge(fieldErrs)
		s.log.Info("registry rejected test create",
			zap.String("artifact", payload.Artifact),
			zap.Int("fields", len(fieldErrs)))
	}
	return payload, nil
}

// readMetadata fetches and parses the metadata table: a header row and
// exactly one data row. Returns ok=false after recording submitter-facing
// errors on the payload. A returned error is a transient storage failure:
// the message should be redelivered, not judged.
func (s *Stage) readMetadata(ctx context.Context, payload *events.ValidationPayload) (map[string]string, bool, error) {
	rec, ok := payload.Files[MetadataExtension]
	if !ok {
		payload.AddIngestError("artifact has no %s metadata file", MetadataExtension)
		return nil, false, nil
	}

	bucket, key, err := keys.SplitURI(rec.URI)
	if err != nil {
		payload.AddIngestError("metadata file location is malformed: %v", err)
		return nil, false, nil
	}

	raw, err := s.store.GetGuarded(ctx, bucket, key, rec.ETag)
	if errors.Is(err, storage.ErrETagMismatch) {
		payload.AddIngestError("metadata file changed since it was matched: %v", err)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ingest: read metadata %s/%s: %w", bucket, key, err)
	}

	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	if err != nil {
		payload.AddIngestError("metadata file is not valid CSV: %v", err)
		return nil, false, nil
	}
	if len(rows) < 2 {
		payload.AddIngestError("metadata file has no data row")
		return nil, false, nil
	}
	if len(rows) > 2 {
		payload.AddIngestError("metadata file has %d data rows, expected exactly one", len(rows)-1)
		return nil, false, nil
	}

	header, data := rows[0], rows[1]
	if len(data) != len(header) {
		payload.AddIngestError("metadata row has %d values for %d columns", len(data), len(header))
		return nil, false, nil
	}

	fields := make(map[string]string, len(header))
	for i, name := range header {
		fields[strings.TrimSpace(name)] = strings.TrimSpace(data[i])
	}
	return fields, true, nil
}

// checkFields verifies the metadata columns the filename also encodes:
// both must be present, match the filename, and use the restricted
// identifier character set.
func (s *Stage) checkFields(payload *events.ValidationPayload, fields map[string]string) {
	expected := map[string]string{
		"run_index": payload.RunIndex,
		"run_id":    payload.RunID,
	}
	for name, fromKey := range expected {
		value, ok := fields[name]
		if !ok || value == "" {
			payload.TestCreateErrors.Add(name, "required field is missing from the metadata file")
			continue
		}
		if value != fromKey {
			payload.TestCreateErrors.Add(name,
				fmt.Sprintf("metadata value %q does not match filename value %q", value, fromKey))
		}
		if !identifierPattern.MatchString(value) {
			payload.TestCreateErrors.Add(name,
				"identifiers may only contain letters, digits, hyphens and underscores")
		}
	}
}
