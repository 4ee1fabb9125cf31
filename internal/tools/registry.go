package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/observability"
)

// UserConfig answers which tools a user has switched off. A nil
// implementation disables nothing.
type UserConfig interface {
	DisabledTools(ctx context.Context, userID string) ([]string, error)
}

type registration struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds locally registered tools and implements Client.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	users   UserConfig

	mu    sync.RWMutex
	tools map[string]*registration
}

func NewRegistry(users UserConfig, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "tools"),
		metrics: metrics,
		users:   users,
		tools:   make(map[string]*registration),
	}
}

// Register compiles the tool's input schema and adds it to the registry.
// Re-registering a name replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	if t.Decl.Name == "" {
		return fmt.Errorf("tool declaration missing name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s missing handler", t.Decl.Name)
	}
	var schema *jsonschema.Schema
	if len(t.Decl.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(t.Decl.Name+".schema.json", string(t.Decl.InputSchema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Decl.Name, err)
		}
		schema = compiled
	}
	r.mu.Lock()
	r.tools[t.Decl.Name] = &registration{tool: t, schema: schema}
	r.mu.Unlock()
	return nil
}

// ListTools returns declarations sorted by name, excluding any tools the
// user has disabled.
func (r *Registry) ListTools(ctx context.Context, opts ListOptions) ([]Decl, error) {
	disabled := map[string]bool{}
	if r.users != nil && opts.UserID != "" {
		names, err := r.users.DisabledTools(ctx, opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("load tool config for %s: %w", opts.UserID, err)
		}
		for _, n := range names {
			disabled[n] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Decl, 0, len(r.tools))
	for name, reg := range r.tools {
		if disabled[name] {
			continue
		}
		out = append(out, reg.tool.Decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CallTool validates arguments, then runs the handler under the per-call
// timeout. The handler result is returned verbatim.
func (r *Registry) CallTool(ctx context.Context, req CallRequest) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[req.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}

	if reg.schema != nil {
		var decoded any
		if err := json.Unmarshal(argsOrEmpty(req.Arguments), &decoded); err != nil {
			return "", &ValidationError{Tool: req.Name, Detail: err.Error()}
		}
		if err := reg.schema.Validate(decoded); err != nil {
			return "", &ValidationError{Tool: req.Name, Detail: err.Error()}
		}
	}

	timeout := DefaultCallTimeout
	if reg.tool.Timeout > 0 {
		timeout = reg.tool.Timeout
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := reg.tool.Handler(callCtx, CallContext{SessionID: req.SessionID, UserID: req.UserID}, req.Arguments)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.ToolCallsTotal.WithLabelValues(req.Name, status).Inc()
		r.metrics.ToolCallDuration.WithLabelValues(req.Name).Observe(elapsed.Seconds())
	}
	if err != nil {
		r.logger.Warn("tool call failed",
			"tool", req.Name, "session_id", req.SessionID, "elapsed", elapsed, "error", err)
		return "", fmt.Errorf("tool %s: %w", req.Name, err)
	}
	r.logger.Debug("tool call completed",
		"tool", req.Name, "session_id", req.SessionID, "elapsed", elapsed)
	return result, nil
}

func argsOrEmpty(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

var _ Client = (*Registry)(nil)
