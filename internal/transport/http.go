package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cascadeio/cascade/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the HTTP transport bridge.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
}

// HTTPTransport bridges a step invocation to a remote HTTP endpoint.
// Each call POSTs {"action": ..., "params": ...} as JSON and decodes the
// JSON response body as the step output.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	maxBody  int64
}

// NewHTTPTransport creates an HTTP bridge targeting the given endpoint.
func NewHTTPTransport(endpoint string, cfg HTTPConfig) *HTTPTransport {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBody:  cfg.MaxResponseBody,
	}
}

type httpCallBody struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Call implements Transport. Cancellation of ctx aborts the in-flight
// request; the engine treats the resulting error as a timeout.
func (t *HTTPTransport) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	body, err := json.Marshal(httpCallBody{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal call body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"actor endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{"endpoint": t.endpoint, "action": action, "status": resp.StatusCode})
	}

	if len(data) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// Non-JSON bodies are passed through as a string.
		return string(data), nil
	}
	return out, nil
}
