package embeddings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/models"
)

// Registry is the process-wide mapping from an embedding spec to a single
// provider handle. Handles are shared across users; equal keys always return
// the same handle. Providers are never reloaded within a process; only
// Clear destroys them.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// key builds the composite handle key: (provider, normalized model id,
// endpoint-or-empty). For local providers the key is the absolute model path.
func key(spec models.EmbeddingSpec) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(spec.Provider))
	model := strings.TrimSpace(spec.Model)
	if model == "" {
		return "", fmt.Errorf("%w: model is required", ErrBadConfig)
	}
	if provider == "local" {
		abs, err := filepath.Abs(model)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		return "local|" + abs, nil
	}
	return provider + "|" + strings.ToLower(model) + "|" + strings.TrimSpace(spec.Endpoint), nil
}

// GetOrCreate returns the shared provider for the spec, constructing it on
// first use. Construction is double-checked under the registry mutex so
// concurrent callers with equal keys observe one handle.
func (r *Registry) GetOrCreate(spec models.EmbeddingSpec) (Provider, error) {
	k, err := key(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[k]; ok {
		return p, nil
	}

	p, err := build(spec)
	if err != nil {
		return nil, err
	}
	r.providers[k] = p
	return p, nil
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// Clear drops all handles. Test use only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]Provider)
}

func build(spec models.EmbeddingSpec) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Provider)) {
	case "openai":
		if spec.APIKey == "" {
			return nil, fmt.Errorf("%w: openai requires an api key", ErrBadConfig)
		}
		return newOpenAI(spec)
	case "ollama":
		return newOllama(spec)
	case "local":
		abs, err := filepath.Abs(spec.Model)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, abs)
		}
		return newLocal(abs, spec)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrBadConfig, spec.Provider)
	}
}
