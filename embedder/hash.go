package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"
)

// Hash is a deterministic, model-free embedding provider. Each lowercased
// word token is hashed into a handful of vector buckets, each with a sign
// taken from the token's digest, so texts sharing vocabulary land near each
// other in cosine space.
// It exists for tests and offline smoke runs; retrieval quality is crude
// but the Provider contract (unit norm, fixed dim, determinism) holds.
type Hash struct {
	dim int
}

// NewHash creates a hash embedder with the given dimensionality.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 64
	}
	return &Hash{dim: dim}
}

func (h *Hash) Model() string { return "hash-embedder" }
func (h *Hash) Dim() int      { return h.dim }

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		sum := sha256.Sum256([]byte(tok))
		// Spread each token over 4 buckets derived from its digest.
		for k := 0; k < 4; k++ {
			idx := binary.LittleEndian.Uint32(sum[k*4:]) % uint32(h.dim)
			sign := float32(1)
			if sum[16+k]&1 == 1 {
				sign = -1
			}
			v[idx] += sign
		}
	}
	return Normalize(v), nil
}

func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
