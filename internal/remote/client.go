// Package remote is the HTTP client for the care-record service. Only the
// sync queue manager and the prefetcher talk to it; UI code never does.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("version conflict")
)

// APIError is the standard error body from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Client is an HTTP client for the care-record service.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new remote client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Record is one remote care record as the server returns it.
type Record struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	ScopeID    string          `json:"scope_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// UpsertRequest is the body for POST /v1/records/{entityType}/upsert.
type UpsertRequest struct {
	EntityType string          `json:"-"`
	RemoteID   string          `json:"remote_id,omitempty"` // empty for a create
	LocalID    string          `json:"local_id"`
	ScopeID    string          `json:"scope_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	// BaseVersion is the last remote revision the client saw; the server
	// rejects the write with 409 when its record is newer.
	BaseVersion int64 `json:"base_version"`
	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// UpsertResult is the server response to an upsert.
type UpsertResult struct {
	RemoteID string          `json:"remote_id"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// AlreadyApplied is set when the idempotency key was seen before; the
	// write had no additional effect and the original result is returned.
	AlreadyApplied bool `json:"already_applied,omitempty"`
}

// Upsert creates or updates one record. Safe to retry: the idempotency key
// dedupes deliveries that succeeded server-side but timed out locally.
func (c *Client) Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("upsert %s: missing idempotency key", req.EntityType)
	}
	var resp UpsertResult
	path := fmt.Sprintf("/v1/records/%s/upsert", req.EntityType)
	if err := c.do(ctx, "POST", path, req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes one record, keyed by remote id. Idempotent like Upsert.
func (c *Client) Delete(ctx context.Context, entityType, remoteID, idempotencyKey string, baseVersion int64) error {
	if idempotencyKey == "" {
		return fmt.Errorf("delete %s/%s: missing idempotency key", entityType, remoteID)
	}
	path := fmt.Sprintf("/v1/records/%s/%s?base_version=%d", entityType, url.PathEscape(remoteID), baseVersion)
	return c.do(ctx, "DELETE", path, idempotencyKey, nil, nil)
}

// Fetch reads one record by remote id. Used to resolve version conflicts.
func (c *Client) Fetch(ctx context.Context, entityType, remoteID string) (*Record, error) {
	var rec Record
	path := fmt.Sprintf("/v1/records/%s/%s", entityType, url.PathEscape(remoteID))
	if err := c.do(ctx, "GET", path, "", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListQuery scopes a prefetch read.
type ListQuery struct {
	EntityType string
	OwnerID    string // caregiver or visit the records belong to
	From, To   time.Time
	Limit      int
}

// List reads records filtered by owner and date range.
func (c *Client) List(ctx context.Context, q ListQuery) ([]Record, error) {
	params := url.Values{}
	if q.OwnerID != "" {
		params.Set("owner_id", q.OwnerID)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	path := fmt.Sprintf("/v1/records/%s", q.EntityType)
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}
	var recs []Record
	if err := c.do(ctx, "GET", path, "", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// HealthCheck hits /healthz to verify the service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "GET", "/healthz", "", nil, nil)
}

// do executes one request against the service and decodes the response.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(respBody)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, apiErr.Message)
		default:
			return apiErr
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
