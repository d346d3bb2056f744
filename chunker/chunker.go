// Package chunker groups sentences into semantically coherent chunks with a
// Max–Min admission rule: a sentence joins the current chunk when its best
// similarity to the chunk's sentences clears a dynamic threshold derived
// from the chunk's own internal cohesion.
//
// The intra-chunk minimum is tracked over a sliding window of the last W
// consecutive sentence pairs rather than over every pair in the chunk. This
// is an O(1)-per-step approximation of the full-chunk minimum; on long
// chunks the two can disagree when early sentence pairs were the least
// similar. The trade-off buys linear-time chunking and is covered by tests
// comparing the windowed rule against the full formulation on small inputs.
package chunker

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
	"github.com/RobThePCGuy/rag-vault-sub003/sentence"
)

// Config controls the chunking behaviour.
type Config struct {
	// HardThreshold is the similarity floor below which the dynamic
	// threshold never drops.
	HardThreshold float64
	// Scale multiplies the windowed minimum when computing the threshold.
	Scale float64
	// InitConst seeds the windowed minimum before a chunk has its first
	// internal sentence pair.
	InitConst float64
	// Window is how many trailing sentence-pair similarities feed the
	// minimum.
	Window int
	// MinChunkLength drops chunks shorter than this many bytes.
	MinChunkLength int
}

// DefaultConfig returns the standard chunker tuning.
func DefaultConfig() Config {
	return Config{
		HardThreshold:  0.6,
		Scale:          0.9,
		InitConst:      1.5,
		Window:         5,
		MinChunkLength: 50,
	}
}

// Chunk is one retrievable text span.
type Chunk struct {
	Index int
	Text  string
}

// Chunker turns plain text into ordered chunks.
type Chunker struct {
	cfg Config
	seg *sentence.Segmenter
	emb embedder.Provider
}

// New returns a Chunker. Zero-value config fields get defaults.
func New(cfg Config, seg *sentence.Segmenter, emb embedder.Provider) *Chunker {
	def := DefaultConfig()
	if cfg.HardThreshold == 0 {
		cfg.HardThreshold = def.HardThreshold
	}
	if cfg.Scale == 0 {
		cfg.Scale = def.Scale
	}
	if cfg.InitConst == 0 {
		cfg.InitConst = def.InitConst
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.MinChunkLength == 0 {
		cfg.MinChunkLength = def.MinChunkLength
	}
	return &Chunker{cfg: cfg, seg: seg, emb: emb}
}

// Chunk splits text into sentences, embeds them, and walks them
// sequentially deciding chunk membership with the Max–Min rule. Short and
// garbage chunks are filtered out; survivors are reindexed contiguously
// from zero.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	sents := c.seg.Segment(text)
	if len(sents) == 0 {
		return nil, nil
	}

	vecs, err := c.emb.EmbedBatch(ctx, sents)
	if err != nil {
		return nil, err
	}

	var raw [][]string // sentence groups
	current := []int{0}
	window := newPairWindow(c.cfg.Window, c.cfg.InitConst)

	for i := 1; i < len(sents); i++ {
		maxSim := math.Inf(-1)
		for _, j := range current {
			if sim := embedder.Cosine(vecs[i], vecs[j]); sim > maxSim {
				maxSim = sim
			}
		}

		threshold := math.Max(c.cfg.HardThreshold,
			c.cfg.Scale*window.min()*sigmoid(float64(len(current))))

		if maxSim >= threshold {
			// Admitted: the new consecutive pair feeds the window.
			window.push(embedder.Cosine(vecs[i], vecs[current[len(current)-1]]))
			current = append(current, i)
		} else {
			raw = append(raw, group(sents, current))
			current = []int{i}
			window = newPairWindow(c.cfg.Window, c.cfg.InitConst)
		}
	}
	raw = append(raw, group(sents, current))

	var chunks []Chunk
	for _, g := range raw {
		text := strings.Join(g, " ")
		if len(text) < c.cfg.MinChunkLength || isGarbage(text) {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: text})
	}
	return chunks, nil
}

func group(sents []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = sents[j]
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// pairWindow keeps the last n consecutive-pair similarities of the current
// chunk. Before any pair exists it reports the seed constant, which makes
// the very first admission decision strict.
type pairWindow struct {
	vals []float64
	n    int
	seed float64
}

func newPairWindow(n int, seed float64) *pairWindow {
	return &pairWindow{n: n, seed: seed}
}

func (w *pairWindow) push(v float64) {
	w.vals = append(w.vals, v)
	if len(w.vals) > w.n {
		w.vals = w.vals[1:]
	}
}

func (w *pairWindow) min() float64 {
	if len(w.vals) == 0 {
		return w.seed
	}
	m := w.vals[0]
	for _, v := range w.vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// isGarbage flags chunks with no retrieval value: empty after trimming, no
// alphanumeric characters, or one character making up over 80% of the text.
func isGarbage(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	hasAlnum := false
	counts := make(map[rune]int)
	total := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
		counts[r]++
		total++
	}
	if !hasAlnum {
		return true
	}
	for _, n := range counts {
		if float64(n)/float64(total) > 0.8 {
			return true
		}
	}
	return false
}
