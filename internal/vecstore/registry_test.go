package vecstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// stubEmbedder returns a fixed vector per known text and a zero-ish default
// otherwise, so search ordering in tests is deterministic.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0.01, 0.01, 0.01}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) Dimension() int    { return 3 }
func (s *stubEmbedder) MaxBatchSize() int { return 16 }

func testRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRegistry(filepath.Join(root, "locks"), 2, logger, metrics), root
}

func testEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0.9, 0.1, 0},
	}}
}

func TestRegistryDedupsStores(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()
	spec := StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "docs"),
		Metric:     models.MetricCosine,
	}

	a, err := reg.GetOrCreate(context.Background(), spec, testEmbedder())
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := reg.GetOrCreate(context.Background(), spec, testEmbedder())
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a != b {
		t.Error("same spec should return the same store instance")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistryKeySeparatesDirAndMetric(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()

	base := StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "a"),
		Metric:     models.MetricCosine,
	}
	otherDir := base
	otherDir.PersistDir = filepath.Join(root, "b")
	otherMetric := base
	otherMetric.PersistDir = filepath.Join(root, "c")
	otherMetric.Metric = models.MetricL2

	for _, spec := range []StoreSpec{base, otherDir, otherMetric} {
		if _, err := reg.GetOrCreate(context.Background(), spec, testEmbedder()); err != nil {
			t.Fatalf("GetOrCreate(%+v): %v", spec, err)
		}
	}
	if reg.Len() != 3 {
		t.Errorf("Len() = %d, want 3 distinct stores", reg.Len())
	}
}

func TestLockedStoreRejectsSyncWrites(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()

	store, err := reg.GetOrCreate(context.Background(), StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "docs"),
	}, testEmbedder())
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	err = store.AddDocuments(context.Background(), []models.Chunk{{ID: "c1", Content: "alpha"}})
	if !errors.Is(err, ErrSyncWriteDisallowed) {
		t.Fatalf("AddDocuments should fail with ErrSyncWriteDisallowed, got %v", err)
	}
}

func TestLockedStoreAsyncWriteAndSearch(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	store, err := reg.GetOrCreate(ctx, StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "docs"),
	}, testEmbedder())
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	chunks := []models.Chunk{
		{ID: "c1", DocumentID: "d1", KBID: "kb1", Index: 0, Content: "alpha"},
		{ID: "c2", DocumentID: "d1", KBID: "kb1", Index: 1, Content: "beta"},
	}
	n, err := store.AddDocumentsAsync(ctx, chunks)
	if err != nil {
		t.Fatalf("AddDocumentsAsync: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d chunks, want 2", n)
	}

	hits, err := store.SimilaritySearchWithScore(ctx, "alpha", 1)
	if err != nil {
		t.Fatalf("SimilaritySearchWithScore: %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 as nearest hit, got %+v", hits)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}
}

func TestLockedStoreDeleteDocument(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()
	ctx := context.Background()

	store, err := reg.GetOrCreate(ctx, StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "docs"),
	}, testEmbedder())
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := store.AddDocumentsAsync(ctx, []models.Chunk{
		{ID: "c1", DocumentID: "d1", Content: "alpha"},
		{ID: "c2", DocumentID: "d2", Content: "beta"},
	}); err != nil {
		t.Fatalf("AddDocumentsAsync: %v", err)
	}

	n, err := store.DeleteDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d chunks, want 1", n)
	}
}

func TestRegistryRemoveClosesStore(t *testing.T) {
	reg, root := testRegistry(t)
	defer reg.Close()
	spec := StoreSpec{
		Backend:    models.BackendChroma,
		Collection: "docs",
		PersistDir: filepath.Join(root, "docs"),
	}

	if _, err := reg.GetOrCreate(context.Background(), spec, testEmbedder()); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := reg.Remove(context.Background(), spec); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", reg.Len())
	}
	if reg.Get(spec) != nil {
		t.Error("Get should return nil after Remove")
	}
}

func TestReconcileRenamesSingleOrphan(t *testing.T) {
	dir := t.TempDir()
	orphan := uuid.NewString()
	expected := uuid.NewString()
	if err := os.Mkdir(filepath.Join(dir, orphan), 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	n, err := ReconcileSegmentDirs(context.Background(), logger, dir, expected)
	if err != nil {
		t.Fatalf("ReconcileSegmentDirs: %v", err)
	}
	if n != 1 {
		t.Errorf("repaired %d dirs, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, expected)); err != nil {
		t.Errorf("expected dir missing after rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, orphan)); !os.IsNotExist(err) {
		t.Errorf("orphan dir still present: %v", err)
	}
}

func TestReconcileRemovesExtras(t *testing.T) {
	dir := t.TempDir()
	expected := uuid.NewString()
	extraA := uuid.NewString()
	extraB := uuid.NewString()
	for _, d := range []string{expected, extraA, extraB} {
		if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	n, err := ReconcileSegmentDirs(context.Background(), logger, dir, expected)
	if err != nil {
		t.Fatalf("ReconcileSegmentDirs: %v", err)
	}
	if n != 2 {
		t.Errorf("repaired %d dirs, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, expected)); err != nil {
		t.Errorf("expected dir should survive: %v", err)
	}
}

func TestReconcileIgnoresNonUUIDDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "segments"), 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	n, err := ReconcileSegmentDirs(context.Background(), logger, dir, uuid.NewString())
	if err != nil {
		t.Fatalf("ReconcileSegmentDirs: %v", err)
	}
	if n != 0 {
		t.Errorf("non-uuid dirs should be ignored, repaired %d", n)
	}
}
