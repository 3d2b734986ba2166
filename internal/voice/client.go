// Package voice is the adapter for the direct calling backend: the remote
// voice-AI service that actually places and conducts calls.
//
// Rules mirror the other adapters in this codebase: no backend SDK calls
// outside this package, and request/response types stay backend-native
// here — the executor normalizes them into the domain shape.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config is the backend connection surface.
type Config struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	AssistantID   string
	// WebhookURL is registered at call-creation time; the backend pushes
	// status-update and end-of-call-report events to it.
	WebhookURL  string
	HTTPTimeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("voice: base url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("voice: api key is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// CallRecord is the backend-native view of one call. Field names follow
// the backend's JSON, not the domain model.
type CallRecord struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	EndedReason string `json:"endedReason"`
	Transcript  string `json:"transcript"`
	Summary     string `json:"summary"`
	Analysis    struct {
		Summary           string         `json:"summary"`
		StructuredData    map[string]any `json:"structuredData"`
		SuccessEvaluation string         `json:"successEvaluation"`
	} `json:"analysis"`
	Cost      float64    `json:"cost"`
	StartedAt *time.Time `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt"`
}

// DurationMinutes derives the call length from the backend timestamps.
func (r CallRecord) DurationMinutes() float64 {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	d := r.EndedAt.Sub(*r.StartedAt)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

// CreateCallRequest is the creation payload. Script carries the generated
// call script as an assistant override; script generation happens upstream.
type CreateCallRequest struct {
	CustomerNumber string
	CustomerName   string
	Script         string
	Metadata       map[string]any
}

// ErrUnrecognizedResponse reports a creation response matching none of the
// shapes this client knows how to decode.
var ErrUnrecognizedResponse = errors.New("voice: unrecognized response shape")

// CreateCall submits a call-creation request and returns the backend
// record, principally for its call id.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (CallRecord, error) {
	payload := map[string]any{
		"phoneNumberId": c.cfg.PhoneNumberID,
		"assistantId":   c.cfg.AssistantID,
		"customer": map[string]any{
			"number": req.CustomerNumber,
			"name":   req.CustomerName,
		},
	}
	if req.Script != "" {
		payload["assistantOverrides"] = map[string]any{
			"firstMessage": req.Script,
		}
	}
	if c.cfg.WebhookURL != "" {
		payload["serverUrl"] = c.cfg.WebhookURL
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	body, err := c.do(ctx, http.MethodPost, "/call", payload)
	if err != nil {
		return CallRecord{}, err
	}
	return decodeCallResponse(body)
}

// GetCall reads the authoritative call record by id.
func (c *Client) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	if callID == "" {
		return CallRecord{}, errors.New("voice: call id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/call/"+callID, nil)
	if err != nil {
		return CallRecord{}, err
	}
	var rec CallRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return CallRecord{}, fmt.Errorf("voice: decode call record: %w", err)
	}
	return rec, nil
}

// Healthy probes the backend with a cheap authenticated read.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/call?limit=1", nil)
	return err == nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("voice: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("voice: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("voice: %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

// decodeCallResponse handles the three creation-response shapes the backend
// has been observed to return: a bare call object, an object wrapped in
// "data", or an array whose first element is the call. Anything else is a
// typed failure rather than silently malformed data.
func decodeCallResponse(body []byte) (CallRecord, error) {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []CallRecord
		if err := json.Unmarshal(trimmed, &arr); err == nil && len(arr) > 0 && arr[0].ID != "" {
			return arr[0], nil
		}
		return CallRecord{}, ErrUnrecognizedResponse
	}

	var bare CallRecord
	if err := json.Unmarshal(trimmed, &bare); err == nil && bare.ID != "" {
		return bare, nil
	}

	var wrapped struct {
		Data CallRecord `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Data.ID != "" {
		return wrapped.Data, nil
	}

	return CallRecord{}, ErrUnrecognizedResponse
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
