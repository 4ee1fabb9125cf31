package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry(users UserConfig) *Registry {
	return NewRegistry(users, observability.NewMetrics(prometheus.NewRegistry()), testLogger())
}

func echoTool(name string) Tool {
	return Tool{
		Decl: Decl{
			Name:        name,
			Description: "echoes its input",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		Handler: func(_ context.Context, _ CallContext, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

type staticUserConfig map[string][]string

func (c staticUserConfig) DisabledTools(_ context.Context, userID string) ([]string, error) {
	return c[userID], nil
}

func TestRegistryListSorted(t *testing.T) {
	r := testRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	decls, err := r.ListTools(context.Background(), ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(decls) != 3 || decls[0].Name != "alpha" || decls[1].Name != "mid" || decls[2].Name != "zeta" {
		t.Errorf("decls = %v", decls)
	}
}

func TestRegistryUserDisabledTools(t *testing.T) {
	r := testRegistry(staticUserConfig{"bob": {"echo"}})
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool("other")); err != nil {
		t.Fatal(err)
	}

	decls, err := r.ListTools(context.Background(), ListOptions{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(decls) != 1 || decls[0].Name != "other" {
		t.Errorf("bob sees %v, want [other]", decls)
	}

	decls, _ = r.ListTools(context.Background(), ListOptions{UserID: "alice"})
	if len(decls) != 2 {
		t.Errorf("alice sees %d tools, want 2", len(decls))
	}
}

func TestCallToolValidatesArguments(t *testing.T) {
	r := testRegistry(nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	got, err := r.CallTool(context.Background(), CallRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %q", got)
	}

	// Missing required property fails validation before the handler runs.
	_, err = r.CallTool(context.Background(), CallRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"other":1}`),
	})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("err = %v, want ErrInvalidArguments", err)
	}

	_, err = r.CallTool(context.Background(), CallRequest{Name: "nope"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestCallToolTimeout(t *testing.T) {
	r := testRegistry(nil)
	err := r.Register(Tool{
		Decl:    Decl{Name: "slow", Description: "never finishes"},
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, _ CallContext, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = r.CallTool(context.Background(), CallRequest{Name: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not bound the call")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := testRegistry(nil)
	err := r.Register(Tool{
		Decl: Decl{
			Name:        "broken",
			InputSchema: json.RawMessage(`{"type": 42}`),
		},
		Handler: func(context.Context, CallContext, json.RawMessage) (string, error) { return "", nil },
	})
	if err == nil {
		t.Fatal("want schema compile error")
	}
}

// fakeStore serves fixed hits for the search tool test.
type fakeStore struct {
	hits []vecstore.Hit
}

func (f *fakeStore) SimilaritySearchWithScore(_ context.Context, _ string, k int) ([]vecstore.Hit, error) {
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeStore) Metric() models.DistanceMetric { return models.MetricCosine }

type fakeResolver struct {
	stores map[string]*fakeStore
}

func (f *fakeResolver) StoreFor(_ context.Context, kb *models.KnowledgeBase) (retriever.SearchStore, error) {
	return f.stores[kb.ID], nil
}

func TestSearchToolSessionKBs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	kb := &models.KnowledgeBase{
		ID: "kb1", UserID: "alice", Name: "docs",
		Backend: models.BackendFaiss, CollectionName: "docs", Metric: models.MetricCosine,
		Search: models.SearchSpec{Threshold: 0.1},
	}
	if err := mem.CreateKB(ctx, kb); err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateSession(ctx, &models.Session{ID: "s1", UserID: "alice", KnowledgeIDs: []string{"kb1"}}); err != nil {
		t.Fatal(err)
	}

	resolver := &fakeResolver{stores: map[string]*fakeStore{
		"kb1": {hits: []vecstore.Hit{
			{Chunk: models.Chunk{ID: "c1", DocumentID: "d1", KBID: "kb1", Content: "relevant passage",
				Metadata: map[string]any{"filename": "notes.md"}}, Distance: 0.1},
		}},
	}}
	ret := retriever.New(resolver, testLogger())

	r := testRegistry(nil)
	if err := r.Register(NewSearchTool(ret, mem, mem)); err != nil {
		t.Fatal(err)
	}

	raw, err := r.CallTool(ctx, CallRequest{
		Name:      SearchToolName,
		Arguments: json.RawMessage(`{"query":"passage"}`),
		SessionID: "s1",
		UserID:    "alice",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var resp SearchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	got := resp.Results[0]
	if got.ChunkID != "c1" || got.KBID != "kb1" || got.DocumentName != "notes.md" {
		t.Errorf("result = %+v", got)
	}
	if got.Score != 0.9 {
		t.Errorf("score = %v, want 0.9", got.Score)
	}
}

func TestSearchToolNoKBs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.CreateSession(ctx, &models.Session{ID: "s1", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	ret := retriever.New(&fakeResolver{stores: map[string]*fakeStore{}}, testLogger())

	r := testRegistry(nil)
	if err := r.Register(NewSearchTool(ret, mem, mem)); err != nil {
		t.Fatal(err)
	}
	raw, err := r.CallTool(ctx, CallRequest{
		Name:      SearchToolName,
		Arguments: json.RawMessage(`{"query":"anything"}`),
		SessionID: "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	var resp SearchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %v, want empty", resp.Results)
	}
}
