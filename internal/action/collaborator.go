package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// Caller is a synchronous request/response collaborator.
type Caller interface {
	Call(ctx context.Context, path string, req any) (map[string]any, error)
}

// Client talks to one HTTP collaborator (firewall, EDR, directory, ticketing
// or notification service) using a generic JSON contract: the request body
// is the action input and the reply is {"success": bool, "details": {...}}.
type Client struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
}

// NewClient creates a collaborator client. Per-call deadlines come from the
// executor's context, so the http.Client carries no timeout of its own.
func NewClient(name, endpoint, token string) *Client {
	return &Client{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name returns the collaborator's name.
func (c *Client) Name() string { return c.name }

type collaboratorReply struct {
	Success bool           `json:"success"`
	Details map[string]any `json:"details"`
	Error   string         `json:"error"`
}

// Call posts req to endpoint+path. HTTP 409 means the effect is already in
// place and is reported as success.
func (c *Client) Call(ctx context.Context, path string, req any) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(hreq) //nolint:gosec // endpoint is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCollaboratorUnavailable, c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %w", ErrCollaboratorUnavailable, c.name, err)
	}

	if resp.StatusCode == http.StatusConflict {
		details := map[string]any{}
		var reply collaboratorReply
		if json.Unmarshal(raw, &reply) == nil && reply.Details != nil {
			details = reply.Details
		}
		details["already_applied"] = true
		return details, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrCollaboratorUnavailable, c.name, resp.StatusCode, truncate(string(raw), 256))
	}

	var reply collaboratorReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed response: %w", ErrCollaboratorUnavailable, c.name, err)
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "success=false"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrCollaboratorUnavailable, c.name, msg)
	}
	if reply.Details == nil {
		reply.Details = map[string]any{}
	}
	return reply.Details, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
