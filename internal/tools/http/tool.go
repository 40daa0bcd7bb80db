// Package http implements the built-in outbound HTTP tool: the same
// SSRF-guarded transport the skill sandbox's http_request host function
// uses, exposed directly to the agent's tool registry.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blufio/blufio/internal/agent"
	"github.com/blufio/blufio/internal/net/ssrf"
)

// maxResponseBytes bounds how much of a response body is returned to the
// model; larger bodies are truncated rather than streamed whole.
const maxResponseBytes = 100 * 1024

// Tool performs outbound HTTP requests on the model's behalf, rejecting any
// target whose hostname resolves to a private, loopback, or link-local
// address.
type Tool struct {
	client *http.Client
}

// NewTool constructs an HTTP tool. A nil client falls back to a client with
// a conservative default timeout.
func NewTool(client *http.Client) *Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Tool{client: client}
}

func (t *Tool) Name() string { return "http_request" }

func (t *Tool) Description() string {
	return "Make an outbound HTTP request. Blocked for private, loopback, or link-local targets."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":    map[string]any{"type": "string", "description": "Target URL."},
			"method": map[string]any{"type": "string", "description": "HTTP method, defaults to GET."},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers.",
			},
			"body": map[string]any{"type": "string", "description": "Request body."},
		},
		"required": []string{"url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.URL) == "" {
		return toolError("url is required"), nil
	}

	u, err := parseRequestURL(input.URL)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := ssrf.ValidatePublicHostnameContext(ctx, u.Hostname()); err != nil {
		return toolError(fmt.Sprintf("blocked target: %v", err)), nil
	}

	method := strings.ToUpper(strings.TrimSpace(input.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return toolError(fmt.Sprintf("build request: %v", err)), nil
	}
	for k, v := range input.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return toolError(fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return toolError(fmt.Sprintf("read response: %v", err)), nil
	}

	payload, _ := json.MarshalIndent(map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}, "", "  ")
	return &agent.ToolResult{Content: string(payload)}, nil
}

func parseRequestURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

func toolError(message string) *agent.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
