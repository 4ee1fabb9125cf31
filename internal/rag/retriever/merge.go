package retriever

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/parleyhq/parley/pkg/models"
)

// Merge strategies.
const (
	StrategyWeightedScore = "weighted_score"
	StrategySimpleConcat  = "simple_concat"
	StrategyInterleave    = "interleave"
)

// Merge combines per-KB result lists. Duplicate content across KBs is
// detected by content hash; which duplicate survives depends on the
// strategy.
func Merge(strategy string, perKB [][]models.RetrievalResult) []models.RetrievalResult {
	switch strategy {
	case StrategySimpleConcat:
		return mergeConcat(perKB)
	case StrategyInterleave:
		return mergeInterleave(perKB)
	default:
		return mergeWeighted(perKB)
	}
}

// ContentHash identifies a result's text for deduplication.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// mergeWeighted unions everything, keeps the max score per content hash,
// and sorts by score descending.
func mergeWeighted(perKB [][]models.RetrievalResult) []models.RetrievalResult {
	best := make(map[string]models.RetrievalResult)
	var order []string
	for _, results := range perKB {
		for _, res := range results {
			h := ContentHash(res.Content)
			cur, ok := best[h]
			if !ok {
				best[h] = res
				order = append(order, h)
				continue
			}
			if res.Score > cur.Score {
				best[h] = res
			}
		}
	}
	out := make([]models.RetrievalResult, 0, len(order))
	for _, h := range order {
		out = append(out, best[h])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// mergeConcat concatenates in input order; the first occurrence of a
// content hash wins.
func mergeConcat(perKB [][]models.RetrievalResult) []models.RetrievalResult {
	seen := make(map[string]bool)
	var out []models.RetrievalResult
	for _, results := range perKB {
		for _, res := range results {
			h := ContentHash(res.Content)
			if seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, res)
		}
	}
	return out
}

// mergeInterleave round-robins one result from each KB per pass.
func mergeInterleave(perKB [][]models.RetrievalResult) []models.RetrievalResult {
	seen := make(map[string]bool)
	var out []models.RetrievalResult
	idx := make([]int, len(perKB))
	for {
		advanced := false
		for i, results := range perKB {
			for idx[i] < len(results) {
				res := results[idx[i]]
				idx[i]++
				h := ContentHash(res.Content)
				if seen[h] {
					continue
				}
				seen[h] = true
				out = append(out, res)
				advanced = true
				break
			}
		}
		if !advanced {
			return out
		}
	}
}
