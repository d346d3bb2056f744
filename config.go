package ragvault

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the rag-vault engine.
type Config struct {
	// DBPath is the root directory of the active database. The vector
	// table lives inside it; raw-data files go under DBPath/raw-data.
	// If empty, defaults to ~/.ragvault/<DBName>.
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName names the database when DBPath is empty. Defaults to "ragvault".
	DBName string `json:"db_name" yaml:"db_name"`

	// Embedding configures the embedding endpoint.
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`

	// BaseDir restricts which files may be ingested: every ingest path must
	// resolve (symlinks included) to a descendant of this directory.
	// Defaults to the user home directory.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// MaxFileSize caps ingestible file size in bytes. Default 100 MiB.
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// HybridWeight balances BM25 against vector distance in [0,1].
	// 0 = vector only, 1 = BM25 dominates. Default 0.6.
	HybridWeight float64 `json:"hybrid_weight" yaml:"hybrid_weight"`

	// Grouping optionally trims ranked results at statistical score gaps.
	// "" disables, "similar" keeps the first mode, "related" the first two.
	Grouping string `json:"grouping" yaml:"grouping"`

	// MaxDistance drops results whose final distance exceeds this floor.
	// Zero disables the cutoff.
	MaxDistance float64 `json:"max_distance" yaml:"max_distance"`

	// Chunking controls the semantic chunker.
	Chunking ChunkingConfig `json:"chunking" yaml:"chunking"`

	// AllowedScanRoots lists absolute paths that database discovery may scan.
	AllowedScanRoots []string `json:"allowed_scan_roots" yaml:"allowed_scan_roots"`

	// Dev enables detailed error responses (stack-free, but with wrapped
	// error text). Off in production.
	Dev bool `json:"dev" yaml:"dev"`
}

// EmbeddingConfig configures the embedding model endpoint.
type EmbeddingConfig struct {
	// Model is the embedding model identity, e.g. "nomic-embed-text".
	Model string `json:"model" yaml:"model"`

	// BaseURL of an Ollama-compatible embedding server.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Dim is the vector dimensionality produced by Model.
	Dim int `json:"dim" yaml:"dim"`

	// BatchSize bounds how many texts go to the model per request. Default 16.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// CacheDir is where model-related artifacts may be cached.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
}

// ChunkingConfig controls the Max–Min semantic chunker.
type ChunkingConfig struct {
	HardThreshold  float64 `json:"hard_threshold" yaml:"hard_threshold"`     // default 0.6
	Scale          float64 `json:"scale" yaml:"scale"`                       // default 0.9
	Window         int     `json:"window" yaml:"window"`                     // default 5
	MinChunkLength int     `json:"min_chunk_length" yaml:"min_chunk_length"` // default 50
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBName: "ragvault",
		Embedding: EmbeddingConfig{
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434",
			Dim:       768,
			BatchSize: 16,
		},
		BaseDir:      home,
		MaxFileSize:  100 << 20,
		HybridWeight: 0.6,
		Chunking: ChunkingConfig{
			HardThreshold:  0.6,
			Scale:          0.9,
			Window:         5,
			MinChunkLength: 50,
		},
	}
}

// resolveDBPath computes the final database root from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	name := c.DBName
	if name == "" {
		name = "ragvault"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".ragvault", name)
}
