// Package retriever runs similarity searches over one or many knowledge
// bases, converting backend distances to similarity scores and merging
// multi-KB results.
package retriever

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/vecstore"
	"github.com/parleyhq/parley/pkg/models"
)

// DefaultThreshold applies when neither the KB nor the session configures
// one.
const DefaultThreshold = 0.5

// MaxPerKB caps per-KB top-k in multi-KB retrieval.
const MaxPerKB = 10

// multiKBConcurrency bounds concurrent per-KB searches.
const multiKBConcurrency = 5

// SearchStore is the slice of the vector store the retriever needs.
type SearchStore interface {
	SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]vecstore.Hit, error)
	Metric() models.DistanceMetric
}

// StoreResolver maps a knowledge base to its open search store.
type StoreResolver interface {
	StoreFor(ctx context.Context, kb *models.KnowledgeBase) (SearchStore, error)
}

// Score converts a backend distance to a similarity score in [0,1].
// Cosine and inner-product distances map as max(0, 1-d); squared L2 on
// normalized vectors maps as max(0, 1-d/2).
func Score(metric models.DistanceMetric, distance float64) float64 {
	var s float64
	switch metric {
	case models.MetricL2:
		s = 1 - distance/2
	default:
		s = 1 - distance
	}
	if s < 0 {
		return 0
	}
	return s
}

// Retriever performs single- and multi-KB retrieval.
type Retriever struct {
	resolver StoreResolver
	logger   *slog.Logger
}

// New creates a retriever.
func New(resolver StoreResolver, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		resolver: resolver,
		logger:   logger.With("component", "retriever"),
	}
}

// RetrieveSingle searches one KB and returns hits with score >= threshold
// in descending score order. A negative threshold disables filtering.
func (r *Retriever) RetrieveSingle(ctx context.Context, kb *models.KnowledgeBase, query string, k int, threshold float64) ([]models.RetrievalResult, error) {
	store, err := r.resolver.StoreFor(ctx, kb)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = kb.Search.TopK
	}
	if k <= 0 {
		k = MaxPerKB
	}

	hits, err := store.SimilaritySearchWithScore(ctx, query, k)
	if err != nil {
		return nil, err
	}

	metric := store.Metric()
	results := make([]models.RetrievalResult, 0, len(hits))
	for _, hit := range hits {
		score := Score(metric, hit.Distance)
		if threshold >= 0 && score < threshold {
			continue
		}
		results = append(results, toResult(kb, hit, score))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// MultiOptions tunes multi-KB retrieval.
type MultiOptions struct {
	// TopKPerKB caps hits per KB (clamped to MaxPerKB).
	TopKPerKB int
	// FinalTopK truncates the merged list; <=0 keeps everything.
	FinalTopK int
	// Threshold overrides per-KB thresholds when >= 0. Use a negative
	// value to defer to each KB's configured threshold.
	Threshold float64
	// Strategy is one of "weighted_score" (default), "simple_concat", or
	// "interleave".
	Strategy string
}

// Retrieve searches every KB concurrently and merges the per-KB result
// lists. One KB failing is logged and contributes nothing; it does not fail
// the call.
func (r *Retriever) Retrieve(ctx context.Context, kbs []*models.KnowledgeBase, query string, opts MultiOptions) ([]models.RetrievalResult, error) {
	perKB := opts.TopKPerKB
	if perKB <= 0 || perKB > MaxPerKB {
		perKB = MaxPerKB
	}

	sem := semaphore.NewWeighted(multiKBConcurrency)
	perKBResults := make([][]models.RetrievalResult, len(kbs))
	var wg sync.WaitGroup

	for i, kb := range kbs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, kb *models.KnowledgeBase) {
			defer wg.Done()
			defer sem.Release(1)

			threshold := opts.Threshold
			if threshold < 0 {
				threshold = kb.Search.Threshold
				if threshold <= 0 {
					threshold = DefaultThreshold
				}
			}
			results, err := r.RetrieveSingle(ctx, kb, query, perKB, threshold)
			if err != nil {
				r.logger.Warn("kb retrieval failed",
					"kb_id", kb.ID, "kb_name", kb.Name, "error", err)
				return
			}
			perKBResults[i] = results
		}(i, kb)
	}
	wg.Wait()

	merged := Merge(opts.Strategy, perKBResults)
	if opts.FinalTopK > 0 && len(merged) > opts.FinalTopK {
		merged = merged[:opts.FinalTopK]
	}
	return merged, nil
}

func toResult(kb *models.KnowledgeBase, hit vecstore.Hit, score float64) models.RetrievalResult {
	docName, _ := hit.Chunk.Metadata["filename"].(string)
	return models.RetrievalResult{
		Content:      hit.Chunk.Content,
		Score:        score,
		Distance:     hit.Distance,
		Metadata:     hit.Chunk.Metadata,
		KBID:         kb.ID,
		KBName:       kb.Name,
		ChunkID:      hit.Chunk.ID,
		DocID:        hit.Chunk.DocumentID,
		DocumentName: docName,
	}
}
