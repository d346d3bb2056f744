package parser

import (
	"context"
	"math"

	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
)

// BoundaryConfig tunes the header/footer filter.
type BoundaryConfig struct {
	// EdgeSentences is how many sentences at the top and bottom of each
	// page are candidates for removal.
	EdgeSentences int
	// SimThreshold is the cosine similarity above which two candidate
	// sentences on different pages count as the same boundary material.
	SimThreshold float64
	// MinRepeatPages is the absolute floor on how many other pages must
	// repeat a candidate before it is dropped.
	MinRepeatPages int
}

// DefaultBoundaryConfig returns the standard filter tuning.
func DefaultBoundaryConfig() BoundaryConfig {
	return BoundaryConfig{
		EdgeSentences:  3,
		SimThreshold:   0.85,
		MinRepeatPages: 2,
	}
}

// FilterBoundaries removes sentences at page tops and bottoms that repeat
// semantically across pages: running headers, footers, and page numbers like
// "7 of 75". Exact-string matching misses per-page variable footers, so
// candidates are embedded and compared by cosine similarity instead — a
// candidate is dropped when enough other pages carry a near-identical edge
// sentence. Page interiors are never touched.
func FilterBoundaries(ctx context.Context, pages [][]string, emb embedder.Provider, cfg BoundaryConfig) ([][]string, error) {
	if len(pages) < 2 {
		return pages, nil
	}
	if cfg.EdgeSentences <= 0 {
		cfg.EdgeSentences = 3
	}
	if cfg.SimThreshold == 0 {
		cfg.SimThreshold = 0.85
	}
	if cfg.MinRepeatPages <= 0 {
		cfg.MinRepeatPages = 2
	}

	type candidate struct {
		page int
		idx  int
	}
	var cands []candidate
	var texts []string
	for p, sents := range pages {
		for _, idx := range edgeIndices(len(sents), cfg.EdgeSentences) {
			cands = append(cands, candidate{page: p, idx: idx})
			texts = append(texts, sents[idx])
		}
	}
	if len(cands) == 0 {
		return pages, nil
	}

	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	repeatThreshold := cfg.MinRepeatPages
	if byPages := int(math.Ceil(float64(len(pages)) / 3.0)); byPages > repeatThreshold {
		repeatThreshold = byPages
	}

	drop := make(map[[2]int]bool)
	for i, ci := range cands {
		matched := make(map[int]bool)
		for j, cj := range cands {
			if cj.page == ci.page {
				continue
			}
			if embedder.Cosine(vecs[i], vecs[j]) > cfg.SimThreshold {
				matched[cj.page] = true
			}
		}
		if len(matched) >= repeatThreshold {
			drop[[2]int{ci.page, ci.idx}] = true
		}
	}
	if len(drop) == 0 {
		return pages, nil
	}

	out := make([][]string, len(pages))
	for p, sents := range pages {
		kept := make([]string, 0, len(sents))
		for idx, s := range sents {
			if !drop[[2]int{p, idx}] {
				kept = append(kept, s)
			}
		}
		out[p] = kept
	}
	return out, nil
}

// edgeIndices returns the indices of the first and last k sentences of a
// page, without duplicates when the page is short.
func edgeIndices(n, k int) []int {
	if n <= 2*k {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, 0, 2*k)
	for i := 0; i < k; i++ {
		idx = append(idx, i)
	}
	for i := n - k; i < n; i++ {
		idx = append(idx, i)
	}
	return idx
}
