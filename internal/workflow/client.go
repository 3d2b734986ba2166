// Package workflow is the adapter for the delegated execution path: a
// remote orchestration engine that itself talks to the calling backend.
package workflow

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

// Execution terminal states, as the engine reports them.
const (
	StateSuccess = "SUCCESS"
	StateFailed  = "FAILED"
	StateKilled  = "KILLED"
)

// IsTerminalState reports whether an execution state is final.
func IsTerminalState(state string) bool {
	switch state {
	case StateSuccess, StateFailed, StateKilled:
		return true
	default:
		return false
	}
}

type Config struct {
	BaseURL   string
	APIToken  string
	Namespace string
	// CallFlowID runs one call; BatchFlowID, when set, fans a whole batch
	// out inside the engine.
	CallFlowID  string
	BatchFlowID string
	// OutputField is the flow output that carries the call result JSON.
	OutputField string
	HTTPTimeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("workflow: base url is required")
	}
	if cfg.Namespace == "" || cfg.CallFlowID == "" {
		return nil, errors.New("workflow: namespace and call flow id are required")
	}
	if cfg.OutputField == "" {
		cfg.OutputField = "callResult"
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

// Execution is the engine-native view of one run.
type Execution struct {
	ID      string                     `json:"id"`
	State   string                     `json:"state"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// Trigger starts an execution of the named flow with key-value inputs.
// Inputs must be primitive or JSON-serializable; the engine rejects
// anything else.
func (c *Client) Trigger(ctx context.Context, flowID string, inputs map[string]any) (string, error) {
	body, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/executions/%s/%s", c.cfg.Namespace, flowID), inputs)
	if err != nil {
		return "", err
	}

	var exec Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return "", fmt.Errorf("workflow: decode trigger response: %w", err)
	}
	if exec.ID == "" {
		return "", errors.New("workflow: trigger response missing execution id")
	}
	return exec.ID, nil
}

// GetExecution reads the current state of an execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+executionID, nil)
	if err != nil {
		return Execution{}, err
	}
	var exec Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return Execution{}, fmt.Errorf("workflow: decode execution: %w", err)
	}
	return exec, nil
}

// Healthy probes the engine health endpoint. A probe failure is an
// expected branch, reported as false rather than an error.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err == nil
}

// CallFlowID exposes the configured single-call flow.
func (c *Client) CallFlowID() string { return c.cfg.CallFlowID }

// BatchFlowID exposes the configured batch flow; empty when the engine has
// no native fan-out.
func (c *Client) BatchFlowID() string { return c.cfg.BatchFlowID }

// Output extracts the declared output field from a finished execution. The
// engine sometimes pre-serializes outputs as JSON strings; both encodings
// are accepted.
func (c *Client) Output(exec Execution) (json.RawMessage, bool) {
	raw, ok := exec.Outputs[c.cfg.OutputField]
	if !ok || len(raw) == 0 {
		return nil, false
	}

	// Double-encoded output: a JSON string holding JSON.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return nil, false
		}
		return json.RawMessage(trimmed), true
	}
	return raw, true
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("workflow: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("workflow: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow: %s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}
