// Package feedback records pin/dismiss signals and reranks future search
// results from the aggregated weights. One store exists per active database;
// it lives outside the vector table and never filters results, only reorders.
package feedback

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Kind is the type of a feedback event.
type Kind string

const (
	Pin          Kind = "pin"
	Unpin        Kind = "unpin"
	Dismiss      Kind = "dismiss"
	ClickRelated Kind = "click_related"
)

// alpha scales how strongly feedback weight shifts a result's distance.
const alpha = 0.1

// ChunkRef identifies a chunk, optionally pinned down by a fingerprint that
// survives re-chunking.
type ChunkRef struct {
	FilePath    string `json:"file_path"`
	ChunkIndex  int    `json:"chunk_index"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// QueryRef builds the synthetic source ref for query-sourced feedback: the
// fingerprint carries the raw query string.
func QueryRef(rawQuery string) ChunkRef {
	return ChunkRef{FilePath: "query://", ChunkIndex: -1, Fingerprint: rawQuery}
}

func (r ChunkRef) key() string {
	return r.FilePath + "\x00" + strconv.Itoa(r.ChunkIndex) + "\x00" + r.Fingerprint
}

// Event is a recorded feedback signal.
type Event struct {
	Kind   Kind      `json:"kind"`
	Source ChunkRef  `json:"source"`
	Target ChunkRef  `json:"target"`
	At     time.Time `json:"at"`
}

// RankedItem pairs a chunk ref with its current (ascending-is-better) score.
type RankedItem struct {
	Ref   ChunkRef
	Score float64
}

// Stats summarizes the store contents.
type Stats struct {
	EventCount     int `json:"event_count"`
	PinnedPairs    int `json:"pinned_pairs"`
	DismissedPairs int `json:"dismissed_pairs"`
}

// Store aggregates feedback events into per-pair signed weights.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	events  []Event
	seen    map[string]bool    // (kind, source, target) de-duplication
	weights map[string]float64 // source|target pair weight
	pinned  map[string]bool    // pairs with an active pin, so unpin can cancel
}

// NewStore creates an empty feedback store.
func NewStore() *Store {
	return &Store{
		seen:    make(map[string]bool),
		weights: make(map[string]float64),
		pinned:  make(map[string]bool),
	}
}

func pairKey(source, target ChunkRef) string {
	return source.key() + "\x01" + target.key()
}

// Record stores one event. Duplicate (kind, source, target) triples are
// ignored. Weights: pin +1, unpin cancels a prior pin, dismiss -1,
// click_related +0.25.
func (s *Store) Record(kind Kind, source, target ChunkRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedup := string(kind) + "\x02" + pairKey(source, target)
	if s.seen[dedup] {
		return
	}

	pair := pairKey(source, target)
	switch kind {
	case Pin:
		s.weights[pair] += 1
		s.pinned[pair] = true
		// A later unpin of the same pair must be allowed again.
		delete(s.seen, string(Unpin)+"\x02"+pair)
	case Unpin:
		if !s.pinned[pair] {
			return // nothing to cancel
		}
		s.weights[pair] -= 1
		delete(s.pinned, pair)
		// A later pin of the same pair must be allowed again.
		delete(s.seen, string(Pin)+"\x02"+pair)
	case Dismiss:
		s.weights[pair] -= 1
	case ClickRelated:
		s.weights[pair] += 0.25
	default:
		return
	}

	s.seen[dedup] = true
	s.events = append(s.events, Event{Kind: kind, Source: source, Target: target, At: time.Now()})
}

// Weight returns the aggregated weight for a source→target pair.
func (s *Store) Weight(source, target ChunkRef) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights[pairKey(source, target)]
}

// Rerank adjusts each item's score by -alpha*weight(source→item) and
// re-sorts ascending. The result set is preserved: nothing is dropped.
// Matching falls back from exact ref to (file_path, chunk_index) so pins
// recorded without a fingerprint still apply.
func (s *Store) Rerank(items []RankedItem, source ChunkRef) []RankedItem {
	s.mu.Lock()
	weights := make(map[string]float64, len(s.weights))
	for k, v := range s.weights {
		weights[k] = v
	}
	s.mu.Unlock()

	out := make([]RankedItem, len(items))
	copy(out, items)
	for i := range out {
		w := weights[pairKey(source, out[i].Ref)]
		if w == 0 && out[i].Ref.Fingerprint != "" {
			bare := out[i].Ref
			bare.Fingerprint = ""
			w = weights[pairKey(source, bare)]
		}
		out[i].Score -= alpha * w
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// Stats returns event and pair counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{EventCount: len(s.events)}
	for _, w := range s.weights {
		switch {
		case w > 0:
			st.PinnedPairs++
		case w < 0:
			st.DismissedPairs++
		}
	}
	return st
}

// Close drops all state. The store's lifetime matches the active database;
// on swap the old store is closed before the new one opens.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.seen = make(map[string]bool)
	s.weights = make(map[string]float64)
	s.pinned = make(map[string]bool)
}
