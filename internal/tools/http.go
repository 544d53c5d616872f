package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpInputs is the wire shape accepted by HTTPTool.
type httpInputs struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type httpOutputs struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// HTTPTool performs a JSON-over-HTTP request and returns the response
// status and body as the step's outputs.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTPTool with a bounded client timeout; the
// worker's own stepTimeoutMs context still governs the overall deadline.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{Timeout: 60 * time.Second}}
}

// Execute sends the configured HTTP request and classifies the result:
// a 5xx or transport error is retryable, a 4xx is fatal (malformed input
// or policy denial by the remote side).
func (t *HTTPTool) Execute(ctx context.Context, inputs json.RawMessage, _ ToolContext) (json.RawMessage, error) {
	var in httpInputs
	if err := json.Unmarshal(inputs, &in); err != nil {
		return nil, NewFatal("http tool: malformed inputs", err)
	}
	if in.URL == "" {
		return nil, NewFatal("http tool: url must not be empty", nil)
	}
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if len(in.Body) > 0 {
		bodyReader = bytes.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, in.URL, bodyReader)
	if err != nil {
		return nil, NewFatal("http tool: failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, NewTransient("http tool: request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransient("http tool: failed to read response", err)
	}

	out := httpOutputs{Status: resp.StatusCode}
	if json.Valid(respBody) {
		out.Body = respBody
	} else if len(respBody) > 0 {
		b, _ := json.Marshal(string(respBody))
		out.Body = b
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, NewFatal("http tool: failed to marshal outputs", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return payload, NewTransient(fmt.Sprintf("http tool: upstream %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return payload, NewFatal(fmt.Sprintf("http tool: upstream %d", resp.StatusCode), nil)
	default:
		return payload, nil
	}
}
