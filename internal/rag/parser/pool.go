package parser

import (
	"context"
)

// DefaultPoolSize bounds concurrent parses across the process.
const DefaultPoolSize = 4

// Pool serializes parse execution through a fixed number of slots so a
// burst of uploads cannot saturate CPU. Parsing itself stays synchronous;
// the pool only gates entry.
type Pool struct {
	registry *Registry
	sem      chan struct{}
}

// NewPool wraps a registry with size execution slots (DefaultPoolSize when
// size <= 0).
func NewPool(registry *Registry, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		registry: registry,
		sem:      make(chan struct{}, size),
	}
}

// Parse waits for a slot, runs the dispatch, and releases the slot. A
// cancelled context while queued returns the context error.
func (p *Pool) Parse(ctx context.Context, data []byte, filename string) (*Result, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()
	return p.registry.Parse(data, filename)
}
