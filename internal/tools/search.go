package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// SearchToolName is recognized by the orchestrator for citation
// extraction.
const SearchToolName = "search_knowledge_base"

const searchSchema = `{
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
			"description": "Maximum number of results to return."
		},
		"strategy": {
			"type": "string",
			"enum": ["weighted_score", "simple_concat", "interleave"],
			"description": "Merge strategy when searching multiple knowledge bases."
		}
	},
	"required": ["query"]
}`

type searchArgs struct {
	Query    string   `json:"query"`
	KBIDs    []string `json:"kb_ids"`
	TopK     int      `json:"top_k"`
	Strategy string   `json:"strategy"`
}

// SearchResponse is the JSON payload returned by search_knowledge_base.
type SearchResponse struct {
	Query   string                   `json:"query"`
	Results []models.RetrievalResult `json:"results"`
}

// NewSearchTool builds the search_knowledge_base tool. KB resolution
// order: explicit kb_ids in the arguments, else the calling session's
// attached knowledge bases.
func NewSearchTool(r *retriever.Retriever, sessions store.SessionStore, knowledge store.KnowledgeStore) Tool {
	return Tool{
		Decl: Decl{
			Name:        SearchToolName,
			Description: "Search the user's knowledge bases for passages relevant to a query. Returns scored text chunks with source metadata.",
			InputSchema: json.RawMessage(searchSchema),
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
				return marshalSearch(args.Query, nil)
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
				Strategy:  args.Strategy,
			})
			if err != nil {
				return "", err
			}
			return marshalSearch(args.Query, results)
		},
	}
}

func marshalSearch(query string, results []models.RetrievalResult) (string, error) {
	if results == nil {
		results = []models.RetrievalResult{}
	}
	out, err := json.Marshal(SearchResponse{Query: query, Results: results})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
