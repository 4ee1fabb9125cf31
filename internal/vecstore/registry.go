package vecstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const createLockTimeout = 30 * time.Second

// StoreSpec identifies one collection's on-disk store.
type StoreSpec struct {
	Backend    models.VectorBackend
	Collection string
	PersistDir string
	Metric     models.DistanceMetric
}

// Registry deduplicates LockedStore instances process-wide. Two callers
// asking for the same (collection, persist dir, metric) share one store,
// one catalog connection, and one compaction debouncer.
type Registry struct {
	lockDir string
	logger  *slog.Logger
	metrics *observability.Metrics
	pool    *readPool

	mu     sync.Mutex
	stores map[string]*LockedStore
}

// NewRegistry builds a registry whose file locks live in lockDir and whose
// reads share a pool of readConcurrency slots.
func NewRegistry(lockDir string, readConcurrency int, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		lockDir: lockDir,
		logger:  logger.With("component", "vecstore"),
		metrics: metrics,
		pool:    newReadPool(readConcurrency),
		stores:  make(map[string]*LockedStore),
	}
}

func (r *Registry) key(spec StoreSpec) string {
	dir, err := filepath.Abs(spec.PersistDir)
	if err != nil {
		dir = spec.PersistDir
	}
	return fmt.Sprintf("%s|%s|%s", spec.Collection, dir, spec.Metric)
}

// GetOrCreate returns the shared store for spec, opening it if needed.
// First open of a collection runs under the collection file lock so two
// processes cannot both initialize the catalog, and repairs any stale
// segment directories left by a previous crash.
func (r *Registry) GetOrCreate(ctx context.Context, spec StoreSpec, embedder embeddings.Provider) (*LockedStore, error) {
	spec.Collection = SanitizeCollectionName(spec.Collection)
	if spec.Metric == "" {
		spec.Metric = models.MetricCosine
	}
	key := r.key(spec)

	r.mu.Lock()
	if s, ok := r.stores[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	lock := NewFileLock(r.lockDir, string(spec.Backend), spec.Collection)
	handle, err := lock.Acquire(ctx, createLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire create lock for %s: %w", spec.Collection, err)
	}

	backend, err := openBackend(spec.PersistDir, spec.Collection, spec.Metric)
	if err != nil {
		handle.Release()
		return nil, err
	}

	expected, err := backend.ExpectedUUID(ctx)
	if err != nil {
		backend.Close()
		handle.Release()
		return nil, fmt.Errorf("read collection uuid: %w", err)
	}
	if _, err := ReconcileSegmentDirs(ctx, r.logger, spec.PersistDir, expected); err != nil {
		r.logger.Warn("segment reconciliation failed",
			"collection", spec.Collection, "error", err)
	}
	handle.Release()

	store := &LockedStore{
		backend:  backend,
		lock:     lock,
		pool:     r.pool,
		embedder: embedder,
		logger:   r.logger.With("collection", spec.Collection),
		metrics:  r.metrics,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stores[key]; ok {
		// Lost the race; keep the first one.
		go store.close()
		return existing, nil
	}
	r.stores[key] = store
	r.logger.Info("opened vector store",
		"collection", spec.Collection, "dir", spec.PersistDir, "metric", spec.Metric)
	return store, nil
}

// Get returns the already-open store for spec, or nil.
func (r *Registry) Get(spec StoreSpec) *LockedStore {
	spec.Collection = SanitizeCollectionName(spec.Collection)
	if spec.Metric == "" {
		spec.Metric = models.MetricCosine
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[r.key(spec)]
}

// Remove checkpoints and closes the store for spec and drops it from the
// registry. The catalog files stay on disk.
func (r *Registry) Remove(ctx context.Context, spec StoreSpec) error {
	spec.Collection = SanitizeCollectionName(spec.Collection)
	if spec.Metric == "" {
		spec.Metric = models.MetricCosine
	}
	key := r.key(spec)

	r.mu.Lock()
	store, ok := r.stores[key]
	delete(r.stores, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	store.checkpoint(ctx)
	return store.close()
}

// Len reports how many stores are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// ForceGlobalCompaction compacts every open store. Errors are collected
// per-collection and the first one is returned.
func (r *Registry) ForceGlobalCompaction(ctx context.Context) error {
	r.mu.Lock()
	stores := make([]*LockedStore, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.Unlock()

	var first error
	for _, s := range stores {
		if err := s.ForceCompaction(ctx); err != nil {
			r.logger.Warn("forced compaction failed",
				"collection", s.backend.collection, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close closes every open store.
func (r *Registry) Close() error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]*LockedStore)
	r.mu.Unlock()

	var first error
	for _, s := range stores {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
