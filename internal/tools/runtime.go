package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Runtime is a Client backed by an external tool-runtime process speaking
// the HTTP protocol below. Tool execution happens in the runtime; this side
// only marshals requests and bounds the round trip.
//
//	GET  {endpoint}/v1/tools?session_id=S&user_id=U  -> {"tools": [Decl...]}
//	POST {endpoint}/v1/tools/{name}                  -> {"result": "..."} | {"error": "..."}
type Runtime struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewRuntime builds a client for the runtime at endpoint. The HTTP client
// carries no timeout of its own; every call runs under the caller's context
// plus the per-call tool timeout.
func NewRuntime(endpoint string, logger *slog.Logger) *Runtime {
	return &Runtime{
		endpoint: endpoint,
		http:     &http.Client{},
		logger:   logger.With("component", "tool-runtime"),
	}
}

type listResponse struct {
	Tools []Decl `json:"tools"`
}

func (r *Runtime) ListTools(ctx context.Context, opts ListOptions) ([]Decl, error) {
	q := url.Values{}
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	if opts.UserID != "" {
		q.Set("user_id", opts.UserID)
	}
	u := r.endpoint + "/v1/tools"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: runtime returned %s", resp.Status)
	}
	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list tools: decode: %w", err)
	}
	return body.Tools, nil
}

type callPayload struct {
	Arguments json.RawMessage `json:"arguments"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

type callResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (r *Runtime) CallTool(ctx context.Context, req CallRequest) (string, error) {
	timeout := DefaultCallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(callPayload{
		Arguments: argsOrEmpty(req.Arguments),
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		return "", err
	}
	u := r.endpoint + "/v1/tools/" + url.PathEscape(req.Name)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", req.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	case http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ValidationError{Tool: req.Name, Detail: string(detail)}
	default:
		return "", fmt.Errorf("tool %s: runtime returned %s", req.Name, resp.Status)
	}

	var body callResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("tool %s: decode: %w", req.Name, err)
	}
	if body.Error != "" {
		return "", fmt.Errorf("tool %s: %s", req.Name, body.Error)
	}
	r.logger.Debug("remote tool call completed",
		"tool", req.Name, "session_id", req.SessionID, "elapsed", time.Since(start))
	return body.Result, nil
}

// Mux merges several clients into one. Listings are concatenated with the
// first client winning name collisions; calls are routed to the first
// client that knows the tool.
type Mux struct {
	clients []Client
}

func NewMux(clients ...Client) *Mux {
	return &Mux{clients: clients}
}

func (m *Mux) ListTools(ctx context.Context, opts ListOptions) ([]Decl, error) {
	seen := map[string]bool{}
	var out []Decl
	for _, c := range m.clients {
		decls, err := c.ListTools(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, d := range decls {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mux) CallTool(ctx context.Context, req CallRequest) (string, error) {
	for _, c := range m.clients {
		result, err := c.CallTool(ctx, req)
		if errors.Is(err, ErrUnknownTool) {
			continue
		}
		return result, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
}

var (
	_ Client = (*Runtime)(nil)
	_ Client = (*Mux)(nil)
)
