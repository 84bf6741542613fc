// Package catalog is the client for the external metadata registry. All
// calls retry transient connection failures a bounded number of times with
// a short fixed backoff before surfacing a hard failure; HTTP-level
// rejections carry the registry's per-field messages so submitters get
// actionable feedback.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
	"github.com/corvid-bio/magpie/internal/events"
)

// RequestError is a non-2xx response from the registry. Fields carries the
// registry's field-level messages when the body provides them.
type RequestError struct {
	Status int
	Fields events.FieldErrors
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("catalog: registry returned status %d", e.Status)
}

// Record is one registry record; the registry's schema is its own.
type Record map[string]any

// Client talks to the metadata registry.
type Client struct {
	base       string
	token      string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

// New builds a client from configuration. At least one attempt is always
// made, whatever the configured retry count says.
func New(cfg config.CatalogConfig, log *zap.Logger) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
		log:        log,
	}
}

type envelope struct {
	Data     json.RawMessage     `json:"data"`
	Messages map[string][]string `json:"messages"`
}

// do performs one logical request, retrying transport failures. HTTP
// responses, including rejections, are never retried here; only the
// inability to get a response is.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("catalog: marshal request: %w", err)
		}
	}

	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var resp *http.Response
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("catalog: build request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err = c.http.Do(req)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		c.log.Warn("registry request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < c.maxRetries {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("catalog: %s %s unreachable after %d attempts: %w",
			method, path, c.maxRetries, lastErr)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog: read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		// A non-JSON body on an error status is still an error status.
		_ = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{Status: resp.StatusCode, Fields: events.FieldErrors{}}
		for field, messages := range env.Messages {
			reqErr.Fields[field] = messages
		}
		return nil, reqErr
	}
	return &env, nil
}

// TestCreate dry-runs record creation against the registry. A rejection is
// not an error: it returns ok=false and the per-field messages.
func (c *Client) TestCreate(ctx context.Context, project string, fields map[string]string) (bool, events.FieldErrors, error) {
	_, err := c.do(ctx, http.MethodPost, "/projects/"+project+"/test/", nil, fields)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusBadRequest {
			return false, reqErr.Fields, nil
		}
		return false, nil, err
	}
	return true, nil, nil
}

// Create submits a new record and returns its canonical identifier.
// Rejections return ok=false with field messages.
func (c *Client) Create(ctx context.Context, project string, fields map[string]string) (string, bool, events.FieldErrors, error) {
	env, err := c.do(ctx, http.MethodPost, "/projects/"+project+"/", nil, fields)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusBadRequest {
			return "", false, reqErr.Fields, nil
		}
		return "", false, nil, err
	}

	var data struct {
		CanonicalID string `json:"canonical_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", false, nil, fmt.Errorf("catalog: decode create response: %w", err)
	}
	if data.CanonicalID == "" {
		return "", false, nil, fmt.Errorf("catalog: create for project %s returned no canonical id", project)
	}
	return data.CanonicalID, true, nil, nil
}

// Update patches fields on an existing record.
func (c *Client) Update(ctx context.Context, project, canonicalID string, fields map[string]string) error {
	_, err := c.do(ctx, http.MethodPatch, "/projects/"+project+"/"+canonicalID+"/", nil, fields)
	return err
}

// ClearSuppression removes the suppression flag that new records carry
// until their artifacts are in long-term storage.
func (c *Client) ClearSuppression(ctx context.Context, project, canonicalID string) error {
	return c.Update(ctx, project, canonicalID, map[string]string{"is_suppressed": "false"})
}

// Identify resolves a field value to its registry-anonymized form.
func (c *Client) Identify(ctx context.Context, project, field, value, site string) (string, error) {
	body := map[string]string{"value": value, "site": site}
	env, err := c.do(ctx, http.MethodPost, "/projects/"+project+"/identify/"+field+"/", nil, body)
	if err != nil {
		return "", err
	}
	var data struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("catalog: decode identify response: %w", err)
	}
	return data.Identifier, nil
}

// Filter returns the records matching the given field values.
func (c *Client) Filter(ctx context.Context, project string, fields map[string]string) ([]Record, error) {
	query := url.Values{}
	for field, value := range fields {
		query.Set(field, value)
	}
	env, err := c.do(ctx, http.MethodGet, "/projects/"+project+"/", query, nil)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(env.Data, &records); err != nil {
		return nil, fmt.Errorf("catalog: decode filter response: %w", err)
	}
	return records, nil
}

// Published reports whether an artifact already has a published record.
func (c *Client) Published(ctx context.Context, project, artifact string) (bool, error) {
	records, err := c.Filter(ctx, project, map[string]string{
		"artifact":     artifact,
		"is_published": "true",
	})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// SeenFingerprint reports whether a data file with this fingerprint has
// been published before under any artifact.
func (c *Client) SeenFingerprint(ctx context.Context, project, fingerprint string) (bool, error) {
	records, err := c.Filter(ctx, project, map[string]string{
		"fingerprint": fingerprint,
	})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}
