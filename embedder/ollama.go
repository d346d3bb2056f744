package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxEmbedChars caps a single text sent to the embedding model. Most
// embedding models have an 8192-token context window; ~24000 chars leaves
// headroom for tokenisers and languages with varied token/char ratios.
const maxEmbedChars = 24000

// Config configures an Ollama-compatible embedding endpoint.
type Config struct {
	Model     string
	BaseURL   string
	Dim       int
	BatchSize int
}

// Ollama embeds text through the native /api/embed endpoint of an
// Ollama-compatible server. The model is loaded server-side on first use;
// the client itself holds no mutable state and is safe for concurrent calls.
type Ollama struct {
	cfg    Config
	client *http.Client
}

// NewOllama creates an embedding provider for an Ollama-compatible server.
func NewOllama(cfg Config) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	// Timeout kept generous for local providers which may load the model
	// on first request.
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *Ollama) Model() string { return o.cfg.Model }
func (o *Ollama) Dim() int      { return o.cfg.Dim }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := o.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (o *Ollama) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = truncateForEmbed(t)
	}

	data, err := json.Marshal(ollamaEmbedRequest{Model: o.cfg.Model, Input: input})
	if err != nil {
		return nil, err
	}

	url := o.cfg.BaseURL + "/api/embed"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed error %d: %s", resp.StatusCode, string(respBody))
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(embedResp.Embeddings), len(texts))
	}

	result := make([][]float32, len(embedResp.Embeddings))
	for i, emb := range embedResp.Embeddings {
		if o.cfg.Dim > 0 && len(emb) != o.cfg.Dim {
			return nil, fmt.Errorf("embed returned dimension %d, want %d", len(emb), o.cfg.Dim)
		}
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		result[i] = Normalize(v)
	}
	return result, nil
}

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}
