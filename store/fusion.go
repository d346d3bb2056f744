package store

import "sort"

// Candidate is one row entering score fusion: its vector distance plus an
// optional raw BM25 score (higher = better). order preserves insertion
// order for deterministic tie-breaking.
type Candidate struct {
	Row     SearchResult
	VecDist float64
	BM25    float64
	HasBM25 bool
	order   int
}

// Fuse combines vector distance with min-max-normalized BM25 into one final
// distance per candidate:
//
//	final = (1-w)*vecDist + w*(1-bm25Norm)
//
// w=0 reduces to pure vector ranking; w=1 lets BM25 dominate. Rows absent
// from the BM25 result set contribute bm25Norm=0 — when no row matched BM25
// at all, the ranking therefore degrades to pure vector order scaled into
// the same range. Candidates come back sorted ascending by final distance,
// ties broken by insertion order.
func Fuse(cands []Candidate, w float64) []SearchResult {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}

	minBM, maxBM := 0.0, 0.0
	first := true
	for _, c := range cands {
		if !c.HasBM25 {
			continue
		}
		if first {
			minBM, maxBM = c.BM25, c.BM25
			first = false
			continue
		}
		if c.BM25 < minBM {
			minBM = c.BM25
		}
		if c.BM25 > maxBM {
			maxBM = c.BM25
		}
	}

	scored := make([]Candidate, len(cands))
	copy(scored, cands)
	for i := range scored {
		norm := 0.0
		if scored[i].HasBM25 {
			if maxBM > minBM {
				norm = (scored[i].BM25 - minBM) / (maxBM - minBM)
			} else {
				// Degenerate candidate set (one distinct score): a match is
				// still the best match.
				norm = 1.0
			}
		}
		scored[i].Row.VecDist = scored[i].VecDist
		scored[i].Row.BM25Norm = norm
		scored[i].Row.Score = (1-w)*scored[i].VecDist + w*(1-norm)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Row.Score != scored[j].Row.Score {
			return scored[i].Row.Score < scored[j].Row.Score
		}
		return scored[i].order < scored[j].order
	})

	out := make([]SearchResult, len(scored))
	for i, c := range scored {
		out[i] = c.Row
	}
	return out
}
