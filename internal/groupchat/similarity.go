package groupchat

import (
	"strings"
	"unicode"

	"github.com/parleyhq/parley/pkg/models"
)

// stopwords are dropped before comparing replies so boilerplate phrasing
// does not count toward similarity.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "with": {},
	"you": {}, "i": {}, "not": {}, "have": {}, "has": {}, "can": {},
}

func extractKeywords(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	keywords := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		keywords[w] = struct{}{}
	}
	return keywords
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// tooSimilar reports whether answer repeats any of the last lookback AI
// replies in recent (newest last) above the threshold.
func tooSimilar(answer string, recent []*models.GroupMessage, cfg models.StrategyConfig) bool {
	if !cfg.EnableSimilarityDetection || cfg.UnrestrictedMode {
		return false
	}
	keywords := extractKeywords(answer)
	seen := 0
	for i := len(recent) - 1; i >= 0 && seen < cfg.SimilarityLookback; i-- {
		if recent[i].SenderType != models.SenderAI {
			continue
		}
		seen++
		if jaccard(keywords, extractKeywords(recent[i].Content)) >= cfg.SimilarityThreshold {
			return true
		}
	}
	return false
}
