package vecstore

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

func testChunks() ([]models.Chunk, [][]float32) {
	chunks := []models.Chunk{
		{ID: "c1", DocumentID: "d1", KBID: "kb1", Index: 0, Content: "alpha",
			Metadata: map[string]any{"page": float64(1)}},
		{ID: "c2", DocumentID: "d1", KBID: "kb1", Index: 1, Content: "beta"},
		{ID: "c3", DocumentID: "d2", KBID: "kb1", Index: 0, Content: "gamma"},
	}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	return chunks, vectors
}

func TestBackendAddSearchRoundTrip(t *testing.T) {
	b, err := openBackend(t.TempDir(), "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	chunks, vectors := testChunks()
	if err := b.Add(ctx, chunks, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := b.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "c1" {
		t.Errorf("nearest should be c1, got %s", hits[0].Chunk.ID)
	}
	if hits[0].Distance > 1e-6 {
		t.Errorf("identical vector should have ~0 cosine distance, got %f", hits[0].Distance)
	}
	if hits[1].Chunk.ID != "c3" {
		t.Errorf("second hit should be c3, got %s", hits[1].Chunk.ID)
	}
	if got := hits[0].Chunk.Metadata["page"]; got != float64(1) {
		t.Errorf("metadata did not survive the round trip: %v", got)
	}
}

func TestBackendSearchL2(t *testing.T) {
	b, err := openBackend(t.TempDir(), "docs", models.MetricL2)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	chunks, vectors := testChunks()
	if err := b.Add(ctx, chunks, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := b.Search(ctx, []float32{0, 1, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].Chunk.ID != "c2" {
		t.Errorf("nearest under l2 should be c2, got %s", hits[0].Chunk.ID)
	}
}

func TestBackendGetByIDs(t *testing.T) {
	b, err := openBackend(t.TempDir(), "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	chunks, vectors := testChunks()
	if err := b.Add(ctx, chunks, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := b.GetByIDs(ctx, []string{"c3", "missing", "c1"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].ID != "c3" || got[1].ID != "c1" {
		t.Errorf("order should follow the id list: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestBackendDeleteByDocumentAndCount(t *testing.T) {
	b, err := openBackend(t.TempDir(), "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	chunks, vectors := testChunks()
	if err := b.Add(ctx, chunks, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}

	n, err := b.DeleteByDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}

	count, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining chunk, got %d", count)
	}
}

func TestBackendCheckpoint(t *testing.T) {
	b, err := openBackend(t.TempDir(), "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	chunks, vectors := testChunks()
	if err := b.Add(ctx, chunks, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := b.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if res.Busy != 0 {
		t.Errorf("single-connection checkpoint should not be busy: %+v", res)
	}
}

func TestBackendUUIDStable(t *testing.T) {
	dir := t.TempDir()
	b, err := openBackend(dir, "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	first, err := b.ExpectedUUID(context.Background())
	if err != nil {
		t.Fatalf("ExpectedUUID: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("collection uuid is not a uuid: %q", first)
	}
	b.Close()

	b2, err := openBackend(dir, "docs", models.MetricCosine)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	second, err := b2.ExpectedUUID(context.Background())
	if err != nil {
		t.Fatalf("ExpectedUUID after reopen: %v", err)
	}
	if first != second {
		t.Errorf("collection uuid changed across reopen: %q vs %q", first, second)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, float32(math.Pi), -123.456}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %f != %f", i, in[i], out[i])
		}
	}
}

func TestDistanceMetrics(t *testing.T) {
	b := &Backend{metric: models.MetricCosine}
	if d := b.distance([]float32{1, 0}, []float32{1, 0}); d > 1e-6 {
		t.Errorf("cosine distance of identical vectors = %f", d)
	}
	if d := b.distance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-1) > 1e-6 {
		t.Errorf("cosine distance of orthogonal vectors = %f, want 1", d)
	}

	b.metric = models.MetricL2
	if d := b.distance([]float32{0, 0}, []float32{3, 4}); math.Abs(d-25) > 1e-6 {
		t.Errorf("l2 squared distance = %f, want 25", d)
	}

	b.metric = models.MetricIP
	if d := b.distance([]float32{1, 2}, []float32{3, 4}); math.Abs(d-(1-11)) > 1e-6 {
		t.Errorf("ip distance = %f, want -10", d)
	}
}
