package orchestrator

import (
	"crypto/md5"
	"encoding/hex"
	"sort"

	"github.com/parleyhq/parley/pkg/models"
)

// refBatch is the payload of one __REFERENCES__ frame.
type refBatch struct {
	Rich []models.RichCitation `json:"rich"`
	Lean []models.LeanCitation `json:"lean"`
}

// citationTracker holds the per-turn citation scratch. Markers are stable:
// once a ref_id has been emitted with a marker, it keeps that marker for
// the rest of the turn.
type citationTracker struct {
	markers    map[string]int // ref_id -> assigned marker
	lastMarker int
	emitted    map[string]bool          // ref_id already sent to the client
	best       map[string]citationEntry // content hash -> highest-scoring version
}

type citationEntry struct {
	hash string
	rich models.RichCitation
}

func newCitationTracker() *citationTracker {
	return &citationTracker{
		markers: make(map[string]int),
		emitted: make(map[string]bool),
		best:    make(map[string]citationEntry),
	}
}

// refID derives the stable per-chunk identifier: the chunk id when
// present, else a content digest.
func refID(r models.RetrievalResult) string {
	if r.ChunkID != "" {
		return r.ChunkID
	}
	return contentHash(r.Content)
}

func contentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Add accumulates search results from one tool call.
func (t *citationTracker) Add(results []models.RetrievalResult) {
	for _, r := range results {
		hash := contentHash(r.Content)
		entry, ok := t.best[hash]
		if ok && entry.rich.Score >= r.Score {
			continue
		}
		t.best[hash] = citationEntry{
			hash: hash,
			rich: models.RichCitation{
				LeanCitation: models.LeanCitation{
					RefID:    refID(r),
					DocID:    r.DocID,
					ChunkID:  r.ChunkID,
					Score:    r.Score,
					KBID:     r.KBID,
					Filename: r.DocumentName,
				},
				DocumentName: r.DocumentName,
				Content:      r.Content,
				Metadata:     r.Metadata,
			},
		}
	}
}

// Renumber dedups everything accumulated so far, assigns markers (existing
// ids keep theirs, new ids get the next integers in score order), and
// returns the full numbered list plus the not-yet-emitted batch sorted by
// marker ascending. The new batch is recorded as emitted.
func (t *citationTracker) Renumber() (all []models.RichCitation, fresh refBatch) {
	entries := make([]citationEntry, 0, len(t.best))
	for _, e := range t.best {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rich.Score != entries[j].rich.Score {
			return entries[i].rich.Score > entries[j].rich.Score
		}
		return entries[i].rich.RefID < entries[j].rich.RefID
	})

	for _, e := range entries {
		id := e.rich.RefID
		marker, seen := t.markers[id]
		if !seen {
			t.lastMarker++
			marker = t.lastMarker
			t.markers[id] = marker
		}
		rich := e.rich
		rich.RefMarker = marker
		all = append(all, rich)

		if !t.emitted[id] {
			t.emitted[id] = true
			fresh.Rich = append(fresh.Rich, rich)
			fresh.Lean = append(fresh.Lean, rich.LeanCitation)
		}
	}

	sort.Slice(fresh.Rich, func(i, j int) bool { return fresh.Rich[i].RefMarker < fresh.Rich[j].RefMarker })
	sort.Slice(fresh.Lean, func(i, j int) bool { return fresh.Lean[i].RefMarker < fresh.Lean[j].RefMarker })
	return all, fresh
}

// Lean returns the lean forms of everything numbered so far, marker
// ascending, for persisting on the final assistant message.
func (t *citationTracker) Lean() []models.LeanCitation {
	all, _ := t.Renumber()
	out := make([]models.LeanCitation, len(all))
	for i, rich := range all {
		out[i] = rich.LeanCitation
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RefMarker < out[j].RefMarker })
	return out
}
