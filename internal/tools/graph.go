package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// GraphToolName is the base name of the graph-search tool family. The
// orchestrator recognizes the family by prefix and collects results for
// visualization frames.
const GraphToolName = "search_knowledge_graph"

// IsGraphTool reports whether name belongs to the graph-search family.
func IsGraphTool(name string) bool {
	return strings.HasPrefix(name, GraphToolName)
}

const graphSchema = `{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query in natural language."
		},
		"kb_ids": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Knowledge base ids to search. Defaults to all knowledge bases attached to the session."
		},
		"top_k": {
			"type": "integer",
			"minimum": 1,
			"maximum": 50,
			"description": "Maximum number of matching chunks to include in the graph."
		}
	},
	"required": ["query"]
}`

// GraphNode is one vertex of a knowledge subgraph.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// GraphEdge connects two nodes of a knowledge subgraph.
type GraphEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight,omitempty"`
}

// GraphResponse is the JSON payload returned by search_knowledge_graph:
// the query node, the matching chunks, their source documents, and the
// edges between them.
type GraphResponse struct {
	Query string      `json:"query"`
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// graphLabelLen bounds chunk labels so the graph payload stays small.
const graphLabelLen = 80

// NewGraphTool builds the search_knowledge_graph tool. It shares the
// search tool's KB resolution and returns a subgraph instead of a flat
// result list.
func NewGraphTool(r *retriever.Retriever, sessions store.SessionStore, knowledge store.KnowledgeStore) Tool {
	return Tool{
		Decl: Decl{
			Name:        GraphToolName,
			Description: "Search the user's knowledge bases and return the matches as a graph of chunks and source documents, suitable for visualization.",
			InputSchema: json.RawMessage(graphSchema),
		},
		Handler: func(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}

			kbIDs := args.KBIDs
			if len(kbIDs) == 0 && call.SessionID != "" {
				session, err := sessions.GetSession(ctx, call.SessionID)
				if err != nil {
					return "", fmt.Errorf("load session: %w", err)
				}
				kbIDs = session.KnowledgeIDs
			}
			if len(kbIDs) == 0 {
				return marshalGraph(buildGraph(args.Query, nil))
			}

			kbs := make([]*models.KnowledgeBase, 0, len(kbIDs))
			for _, id := range kbIDs {
				kb, err := knowledge.GetKB(ctx, id)
				if err != nil {
					return "", fmt.Errorf("load kb %s: %w", id, err)
				}
				kbs = append(kbs, kb)
			}

			results, err := r.Retrieve(ctx, kbs, args.Query, retriever.MultiOptions{
				FinalTopK: args.TopK,
				Threshold: -1,
			})
			if err != nil {
				return "", err
			}
			return marshalGraph(buildGraph(args.Query, results))
		},
	}
}

// buildGraph links the query to each matching chunk by score and each
// chunk to its source document.
func buildGraph(query string, results []models.RetrievalResult) GraphResponse {
	resp := GraphResponse{
		Query: query,
		Nodes: []GraphNode{{ID: "query", Label: query, Kind: "query"}},
		Edges: []GraphEdge{},
	}
	docs := make(map[string]bool)
	for _, res := range results {
		label := res.Content
		if len(label) > graphLabelLen {
			label = label[:runeCut(label, graphLabelLen)]
		}
		resp.Nodes = append(resp.Nodes, GraphNode{ID: res.ChunkID, Label: label, Kind: "chunk"})
		resp.Edges = append(resp.Edges, GraphEdge{
			Source:   "query",
			Target:   res.ChunkID,
			Relation: "matches",
			Weight:   res.Score,
		})
		if res.DocID != "" {
			if !docs[res.DocID] {
				docs[res.DocID] = true
				name := res.DocumentName
				if name == "" {
					name = res.DocID
				}
				resp.Nodes = append(resp.Nodes, GraphNode{ID: res.DocID, Label: name, Kind: "document"})
			}
			resp.Edges = append(resp.Edges, GraphEdge{
				Source:   res.ChunkID,
				Target:   res.DocID,
				Relation: "part_of",
			})
		}
	}
	return resp
}

// runeCut returns the largest index at most max that does not split a
// rune.
func runeCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func marshalGraph(resp GraphResponse) (string, error) {
	out, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
