// Package tools is the runtime the orchestrator calls tools through. It
// exposes a uniform client over locally registered tools, validating
// arguments against each tool's JSON schema and bounding execution time
// per call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds a single tool call unless the declaration
// overrides it. Long-running tools (deep searches, external fetches) fit
// inside it.
const DefaultCallTimeout = 10 * time.Minute

var (
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments wraps schema validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Decl describes one callable tool as presented to the LLM.
type Decl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CallContext carries the caller's identity into a tool handler.
type CallContext struct {
	SessionID string
	UserID    string
}

// Handler executes one tool call. The returned string is opaque to the
// runtime, typically JSON.
type Handler func(ctx context.Context, call CallContext, args json.RawMessage) (string, error)

// Tool pairs a declaration with its handler.
type Tool struct {
	Decl    Decl
	Handler Handler

	// Timeout overrides DefaultCallTimeout when positive.
	Timeout time.Duration
}

// ListOptions scope a tool listing to a caller.
type ListOptions struct {
	SessionID string
	UserID    string
}

// CallRequest is one tool invocation.
type CallRequest struct {
	Name      string
	Arguments json.RawMessage
	SessionID string
	UserID    string

	// Timeout overrides the tool's own timeout when positive.
	Timeout time.Duration
}

// Client is what the orchestrator talks to. The runtime is the source of
// truth for which tools exist; callers never hard-code tool behavior.
type Client interface {
	ListTools(ctx context.Context, opts ListOptions) ([]Decl, error)
	CallTool(ctx context.Context, req CallRequest) (string, error)
}

// ValidationError reports which tool rejected which arguments.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArguments }
