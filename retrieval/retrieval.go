// Package retrieval runs the query-side pipeline: parse the query language,
// embed the semantic part, run hybrid search in the store, apply feedback
// reranking, post-filter by exclusions and metadata, group, and restore
// raw-data sources.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
	"github.com/RobThePCGuy/rag-vault-sub003/feedback"
	"github.com/RobThePCGuy/rag-vault-sub003/query"
	"github.com/RobThePCGuy/rag-vault-sub003/rawdata"
	"github.com/RobThePCGuy/rag-vault-sub003/store"
)

// Config holds retrieval tuning.
type Config struct {
	// HybridWeight balances BM25 against vector distance; runtime-settable.
	HybridWeight float64
	// Grouping optionally trims results at statistical score gaps.
	Grouping string
	// MaxDistance drops results beyond this final distance. 0 disables.
	MaxDistance float64
}

// Result is one search hit as exposed to transports.
type Result struct {
	FilePath    string            `json:"file_path"`
	ChunkIndex  int               `json:"chunk_index"`
	Text        string            `json:"text"`
	Score       float64           `json:"score"`
	Source      string            `json:"source,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Explanation string            `json:"explanation,omitempty"`
}

// Engine performs hybrid retrieval against one store.
type Engine struct {
	store *store.Store
	emb   embedder.Provider
	fb    *feedback.Store
	raw   *rawdata.Store

	mu  sync.RWMutex
	cfg Config
}

// New creates a retrieval engine.
func New(s *store.Store, emb embedder.Provider, fb *feedback.Store, raw *rawdata.Store, cfg Config) *Engine {
	return &Engine{store: s, emb: emb, fb: fb, raw: raw, cfg: cfg}
}

// SetHybridWeight changes the vector/BM25 balance at runtime.
func (e *Engine) SetHybridWeight(w float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.HybridWeight = w
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Search runs the full query pipeline and returns at most limit results.
func (e *Engine) Search(ctx context.Context, rawQuery string, limit int, explain bool) ([]Result, error) {
	cfg := e.config()
	parsed := query.Parse(rawQuery)

	semantic := parsed.SemanticQuery()
	if semantic == "" {
		// A pure-filter query still needs a vector; embed the raw string.
		semantic = rawQuery
	}

	start := time.Now()
	qvec, err := e.emb.Embed(ctx, semantic)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Over-fetch so post-filters and grouping still fill the caller's limit.
	fetch := limit * 4
	if fetch < 20 {
		fetch = 20
	}
	hits, err := e.store.Search(ctx, qvec, parsed.FTSQuery(), fetch, cfg.HybridWeight)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	slog.Debug("retrieval: store search complete",
		"query_len", len(rawQuery), "hits", len(hits),
		"hybrid_weight", cfg.HybridWeight,
		"elapsed", time.Since(start).Round(time.Millisecond))

	hits = e.rerank(hits, rawQuery)
	hits = applyFilters(hits, parsed)
	if cfg.MaxDistance > 0 {
		hits = cutAtDistance(hits, cfg.MaxDistance)
	}

	if cfg.Grouping != GroupNone {
		scores := make([]float64, len(hits))
		for i, h := range hits {
			scores[i] = h.Score
		}
		hits = hits[:GroupCut(scores, cfg.Grouping)]
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return e.present(hits, explain), nil
}

// Related returns the neighbours of an anchor chunk.
func (e *Engine) Related(ctx context.Context, filePath string, chunkIndex, limit int, excludeSameDoc bool) ([]Result, error) {
	hits, err := e.store.FindRelated(ctx, filePath, chunkIndex, limit, excludeSameDoc)
	if err != nil {
		return nil, err
	}
	return e.present(hits, false), nil
}

// rerank applies feedback weights for this query and re-sorts. The result
// set itself is never changed, only the order.
func (e *Engine) rerank(hits []store.SearchResult, rawQuery string) []store.SearchResult {
	if e.fb == nil || len(hits) == 0 {
		return hits
	}
	items := make([]feedback.RankedItem, len(hits))
	byRef := make(map[feedback.ChunkRef]store.SearchResult, len(hits))
	for i, h := range hits {
		ref := feedback.ChunkRef{
			FilePath:    h.FilePath,
			ChunkIndex:  h.ChunkIndex,
			Fingerprint: feedback.Fingerprint(h.Text),
		}
		items[i] = feedback.RankedItem{Ref: ref, Score: h.Score}
		byRef[ref] = h
	}

	ranked := e.fb.Rerank(items, feedback.QueryRef(rawQuery))
	out := make([]store.SearchResult, len(ranked))
	for i, it := range ranked {
		h := byRef[it.Ref]
		h.Score = it.Score
		out[i] = h
	}
	return out
}

// applyFilters drops rows matching an exclusion term or failing a metadata
// filter. Exclusions match case-insensitively on whole words.
func applyFilters(hits []store.SearchResult, q *query.Query) []store.SearchResult {
	if len(q.ExcludeTerms) == 0 && len(q.Filters) == 0 {
		return hits
	}

	excludeRes := make([]*regexp.Regexp, 0, len(q.ExcludeTerms))
	for _, term := range q.ExcludeTerms {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			continue
		}
		excludeRes = append(excludeRes, re)
	}

	out := hits[:0:0]
	for _, h := range hits {
		if matchesAny(excludeRes, h.Text) {
			continue
		}
		if !matchesFilters(q.Filters, h.Meta.Custom) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func matchesAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func matchesFilters(filters []query.Filter, custom map[string]string) bool {
	for _, f := range filters {
		if custom == nil || custom[f.Field] != f.Value {
			return false
		}
	}
	return true
}

func cutAtDistance(hits []store.SearchResult, maxDist float64) []store.SearchResult {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Score <= maxDist {
			out = append(out, h)
		}
	}
	return out
}

// present converts store hits into transport results, restoring the
// original source for raw-data paths.
func (e *Engine) present(hits []store.SearchResult, explain bool) []Result {
	out := make([]Result, len(hits))
	for i, h := range hits {
		r := Result{
			FilePath:   h.FilePath,
			ChunkIndex: h.ChunkIndex,
			Text:       h.Text,
			Score:      h.Score,
			Metadata:   h.Meta.Custom,
		}
		if h.Meta.Source != "" {
			r.Source = h.Meta.Source
		} else if e.raw != nil {
			if src, ok := e.raw.ExtractSource(h.FilePath); ok {
				r.Source = src
			}
		}
		if explain {
			r.Explanation = explainResult(h)
		}
		out[i] = r
	}
	return out
}

func explainResult(h store.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "vector distance %.3f", h.VecDist)
	if h.BM25Norm > 0 {
		fmt.Fprintf(&b, ", bm25 %.3f", h.BM25Norm)
	}
	if h.Score != h.VecDist {
		fmt.Fprintf(&b, ", final %.3f", h.Score)
	}
	return b.String()
}
