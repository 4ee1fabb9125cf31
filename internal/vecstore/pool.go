package vecstore

import (
	"context"
)

// readPool bounds concurrent catalog reads across every collection in the
// process. Similarity searches scan whole tables; letting an unbounded
// number run at once turns a busy retriever into an I/O stampede.
type readPool struct {
	sem chan struct{}
}

func newReadPool(size int) *readPool {
	if size <= 0 {
		size = 4
	}
	return &readPool{sem: make(chan struct{}, size)}
}

// run executes fn once a pool slot is free, or returns the context error.
func (p *readPool) run(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}
