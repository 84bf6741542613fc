package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// arrivalSchema constrains inbound arrival messages before any parsing
// happens. Sites publish through a shared notification layer, but the
// exchange is writable by more than one producer, so the shape is checked
// rather than assumed.
const arrivalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["records"],
  "properties": {
    "records": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["bucket", "key", "etag", "uploader"],
        "properties": {
          "event_time": {"type": "string"},
          "bucket": {"type": "string", "minLength": 1},
          "key": {"type": "string", "minLength": 1},
          "etag": {"type": "string", "minLength": 1},
          "size": {"type": "integer", "minimum": 0},
          "uploader": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var arrivalSchemaLoader = gojsonschema.NewStringLoader(arrivalSchema)

// DecodeArrival validates a raw arrival message against the schema and
// unmarshals it. A schema violation is a parse error: the caller logs and
// drops the message.
func DecodeArrival(body []byte) (*ArrivalMessage, error) {
	result, err := gojsonschema.Validate(arrivalSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("events: validate arrival message: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("events: arrival message rejected by schema: %s", strings.Join(problems, "; "))
	}

	var msg ArrivalMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("events: unmarshal arrival message: %w", err)
	}

	return &msg, nil
}

// DecodeMatched unmarshals a matched-artifact payload. Matched events are
// produced in-house, so structural validation beyond JSON is not applied.
func DecodeMatched(body []byte, out *MatchedPayload) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("events: unmarshal matched payload: %w", err)
	}
	if out.UUID == "" || out.Artifact == "" {
		return fmt.Errorf("events: matched payload lacks identity")
	}
	return nil
}
