package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

func TestIsGraphTool(t *testing.T) {
	cases := map[string]bool{
		"search_knowledge_graph":       true,
		"search_knowledge_graph_local": true,
		"search_knowledge_base":        false,
		"fetch_page":                   false,
	}
	for name, want := range cases {
		if got := IsGraphTool(name); got != want {
			t.Errorf("IsGraphTool(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGraphToolBuildsSubgraph(t *testing.T) {
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
			{Chunk: models.Chunk{ID: "c1", DocumentID: "d1", KBID: "kb1", Content: "first passage",
				Metadata: map[string]any{"filename": "notes.md"}}, Distance: 0.1},
			{Chunk: models.Chunk{ID: "c2", DocumentID: "d1", KBID: "kb1", Content: "second passage",
				Metadata: map[string]any{"filename": "notes.md"}}, Distance: 0.3},
		}},
	}}
	ret := retriever.New(resolver, testLogger())

	r := testRegistry(nil)
	if err := r.Register(NewGraphTool(ret, mem, mem)); err != nil {
		t.Fatal(err)
	}

	raw, err := r.CallTool(ctx, CallRequest{
		Name:      GraphToolName,
		Arguments: json.RawMessage(`{"query":"passage"}`),
		SessionID: "s1",
		UserID:    "alice",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var resp GraphResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Query != "passage" {
		t.Errorf("query = %q", resp.Query)
	}

	// Query node, two chunk nodes, one shared document node.
	kinds := map[string]int{}
	for _, n := range resp.Nodes {
		kinds[n.Kind]++
	}
	if kinds["query"] != 1 || kinds["chunk"] != 2 || kinds["document"] != 1 {
		t.Errorf("node kinds = %v", kinds)
	}

	var matches, partOf int
	for _, e := range resp.Edges {
		switch e.Relation {
		case "matches":
			matches++
			if e.Source != "query" {
				t.Errorf("matches edge source = %q", e.Source)
			}
			if e.Weight <= 0 {
				t.Errorf("matches edge weight = %v", e.Weight)
			}
		case "part_of":
			partOf++
			if e.Target != "d1" {
				t.Errorf("part_of edge target = %q", e.Target)
			}
		}
	}
	if matches != 2 || partOf != 2 {
		t.Errorf("edges: %d matches, %d part_of, want 2 each", matches, partOf)
	}
}

func TestGraphToolNoKBs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	if err := mem.CreateSession(ctx, &models.Session{ID: "s1", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	ret := retriever.New(&fakeResolver{stores: map[string]*fakeStore{}}, testLogger())

	r := testRegistry(nil)
	if err := r.Register(NewGraphTool(ret, mem, mem)); err != nil {
		t.Fatal(err)
	}
	raw, err := r.CallTool(ctx, CallRequest{
		Name:      GraphToolName,
		Arguments: json.RawMessage(`{"query":"anything"}`),
		SessionID: "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	var resp GraphResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Nodes) != 1 || resp.Nodes[0].Kind != "query" {
		t.Errorf("nodes = %+v, want only the query node", resp.Nodes)
	}
	if len(resp.Edges) != 0 {
		t.Errorf("edges = %+v, want none", resp.Edges)
	}
}
