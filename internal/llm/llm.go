// Package llm streams chat completions from model providers. A Service
// answers a capability query and exposes one streaming entry point; the
// orchestrator decides per turn whether tool declarations are attached.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// Request is one streaming completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	Messages     []models.Message

	// Tools, when non-empty, are offered to the model. Callers must
	// check SupportsTools first.
	Tools []tools.Decl
}

// Delta receives content text as the model emits it.
type Delta func(text string)

// Result is the completed turn after the stream drains.
type Result struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
}

// Service is one provider connection.
type Service interface {
	Name() string
	// SupportsTools answers whether the provider has a tool-calling
	// entry point at all. Per-model unsupported verdicts live in the
	// capability cache, not here.
	SupportsTools() bool
	// Stream runs one completion, forwarding content deltas as they
	// arrive. Tool calls, if any, are returned on the Result.
	Stream(ctx context.Context, req Request, onDelta Delta) (*Result, error)
}

// Factory builds and caches provider services keyed by provider name and
// endpoint.
type Factory struct {
	anthropicKey string
	openaiKey    string

	mu       sync.Mutex
	services map[string]Service
}

func NewFactory(anthropicKey, openaiKey string) *Factory {
	return &Factory{
		anthropicKey: anthropicKey,
		openaiKey:    openaiKey,
		services:     make(map[string]Service),
	}
}

// ForSettings resolves the service for a session's model settings.
// Provider "openai" with a custom endpoint also covers OpenAI-compatible
// local runtimes.
func (f *Factory) ForSettings(s models.ModelSettings) (Service, error) {
	key := s.Provider + "|" + s.Endpoint
	f.mu.Lock()
	defer f.mu.Unlock()
	if svc, ok := f.services[key]; ok {
		return svc, nil
	}

	var svc Service
	switch s.Provider {
	case "anthropic":
		svc = newAnthropic(f.anthropicKey)
	case "openai", "ollama", "compatible":
		svc = newOpenAI(f.openaiKey, s.Endpoint)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
	f.services[key] = svc
	return svc, nil
}

// toolsUnsupported classifies provider errors that mean the model itself
// rejects tool calls, as opposed to transient failures.
func toolsUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "tool") && !strings.Contains(msg, "function") {
		return false
	}
	return strings.Contains(msg, "not support") ||
		strings.Contains(msg, "unsupported") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not implemented")
}

func wrapToolsUnsupported(err error) error {
	return fmt.Errorf("%w: %v", capability.ErrToolsUnsupported, err)
}
