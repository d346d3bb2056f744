// Package ragvault is a local-first retrieval engine: it ingests documents,
// segments them into semantically coherent chunks, embeds each chunk, and
// serves hybrid (vector + BM25) search refined by user feedback.
package ragvault

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RobThePCGuy/rag-vault-sub003/chunker"
	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
	"github.com/RobThePCGuy/rag-vault-sub003/feedback"
	"github.com/RobThePCGuy/rag-vault-sub003/parser"
	"github.com/RobThePCGuy/rag-vault-sub003/rawdata"
	"github.com/RobThePCGuy/rag-vault-sub003/retrieval"
	"github.com/RobThePCGuy/rag-vault-sub003/sentence"
	"github.com/RobThePCGuy/rag-vault-sub003/store"
)

// Validation caps for custom metadata and query limits.
const (
	MaxMetaKeyLen   = 100
	MaxMetaValueLen = 1000
	MaxLimit        = 20
	DefaultLimit    = 10
)

// IngestSummary reports one ingest operation.
type IngestSummary struct {
	FilePath   string `json:"file_path"`
	ChunkCount int    `json:"chunk_count"`
	Timestamp  string `json:"timestamp"`
}

// DeleteSummary reports one delete operation.
type DeleteSummary struct {
	FilePath  string `json:"file_path"`
	Deleted   bool   `json:"deleted"`
	Timestamp string `json:"timestamp"`
}

// DataMetadata describes string-ingested content.
type DataMetadata struct {
	Source string            `json:"source"`
	Format string            `json:"format"` // text, html, markdown
	Custom map[string]string `json:"custom,omitempty"`
}

// DeleteTarget names what to delete: exactly one of FilePath or Source.
type DeleteTarget struct {
	FilePath string `json:"file_path,omitempty"`
	Source   string `json:"source,omitempty"`
}

// FileInfo is one entry of list_files.
type FileInfo struct {
	FilePath   string `json:"file_path"`
	ChunkCount int    `json:"chunk_count"`
	Source     string `json:"source,omitempty"`
}

// Status reports engine health.
type Status struct {
	DocumentCount   int    `json:"document_count"`
	ChunkCount      int    `json:"chunk_count"`
	MemoryUsage     int64  `json:"memory_usage"`
	Uptime          int64  `json:"uptime"`
	FTSIndexEnabled bool   `json:"fts_index_enabled"`
	SearchMode      string `json:"search_mode"`
}

// handles bundles the per-database state replaced wholesale on a swap.
type handles struct {
	dbRoot    string
	store     *store.Store
	raw       *rawdata.Store
	fb        *feedback.Store
	retriever *retrieval.Engine
}

// Engine is the retrieval engine facade. One instance serves one active
// database at a time; SwapDatabase replaces the database under the hood
// while in-flight requests finish on the old handles.
type Engine struct {
	cfg Config
	emb embedder.Provider
	seg *sentence.Segmenter

	parsers   *parser.Registry
	validator *parser.Validator
	chunkr    *chunker.Chunker

	mu sync.RWMutex // guards h during swap
	h  *handles

	swapping  atomic.Bool
	fileLocks sync.Map // file path -> *sync.Mutex
	startedAt time.Time
}

// New creates an engine with an Ollama-backed embedder per cfg.Embedding.
func New(cfg Config) (*Engine, error) {
	emb := embedder.NewOllama(embedder.Config{
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dim:       cfg.Embedding.Dim,
		BatchSize: cfg.Embedding.BatchSize,
	})
	return NewWithEmbedder(cfg, emb)
}

// NewWithEmbedder creates an engine around a caller-supplied embedding
// provider.
func NewWithEmbedder(cfg Config, emb embedder.Provider) (*Engine, error) {
	seg, err := sentence.NewSegmenter()
	if err != nil {
		return nil, fmt.Errorf("creating sentence segmenter: %w", err)
	}

	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving base directory: %w", err)
		}
		cfg.BaseDir = home
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 100 << 20
	}

	e := &Engine{
		cfg:       cfg,
		emb:       emb,
		seg:       seg,
		validator: &parser.Validator{BaseDir: cfg.BaseDir, MaxFileSize: cfg.MaxFileSize},
		chunkr: chunker.New(chunker.Config{
			HardThreshold:  cfg.Chunking.HardThreshold,
			Scale:          cfg.Chunking.Scale,
			Window:         cfg.Chunking.Window,
			MinChunkLength: cfg.Chunking.MinChunkLength,
		}, seg, emb),
		startedAt: time.Now(),
	}

	e.parsers = parser.NewRegistry()
	e.parsers.Register(parser.NewPDFParser(emb, seg))

	h, err := e.openHandles(cfg.resolveDBPath())
	if err != nil {
		return nil, err
	}
	e.h = h
	return e, nil
}

// openHandles opens all per-database state for dbRoot.
func (e *Engine) openHandles(dbRoot string) (*handles, error) {
	s, err := store.New(dbRoot, e.emb.Dim(), e.emb.Model())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	raw := rawdata.New(dbRoot)
	fb := feedback.NewStore()
	ret := retrieval.New(s, e.emb, fb, raw, retrieval.Config{
		HybridWeight: e.cfg.HybridWeight,
		Grouping:     e.cfg.Grouping,
		MaxDistance:  e.cfg.MaxDistance,
	})

	if err := touchRecent(dbRoot, e.emb.Model()); err != nil {
		slog.Warn("updating recent-databases record failed", "error", err)
	}
	return &handles{dbRoot: dbRoot, store: s, raw: raw, fb: fb, retriever: ret}, nil
}

// handlesSnapshot returns the current per-database handles. Requests keep
// using their snapshot even if a swap happens mid-flight.
func (e *Engine) handlesSnapshot() *handles {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.h
}

// Close shuts the engine down.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.fb.Close()
	return e.h.store.Close()
}

// SetHybridWeight changes the vector/BM25 balance at runtime.
func (e *Engine) SetHybridWeight(w float64) {
	e.mu.Lock()
	e.cfg.HybridWeight = w
	h := e.h
	e.mu.Unlock()
	h.retriever.SetHybridWeight(w)
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

// IngestFile parses, chunks, embeds, and stores one file. Re-ingesting a
// file replaces all of its chunks; an unchanged file (same content hash) is
// skipped. Concurrent ingests of the same path are serialized.
func (e *Engine) IngestFile(ctx context.Context, path string, custom map[string]string) (*IngestSummary, error) {
	if err := validateCustom(custom); err != nil {
		return nil, err
	}
	h := e.handlesSnapshot()

	// Raw-data paths were produced by this engine; they bypass base-dir
	// validation. Everything else is validated first.
	var resolved string
	var size int64
	isRaw := h.raw.IsRawPath(path)
	if isRaw {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading raw data: %w", err)
		}
		resolved, size = path, info.Size()
	} else {
		var err error
		resolved, size, err = e.validator.Validate(path)
		if err != nil {
			return nil, mapValidationErr(err)
		}
	}

	lock := e.fileLock(resolved)
	lock.Lock()
	defer lock.Unlock()

	return e.ingestLocked(ctx, h, resolved, size, isRaw, custom)
}

func (e *Engine) ingestLocked(ctx context.Context, h *handles, path string, size int64, isRaw bool, custom map[string]string) (*IngestSummary, error) {
	start := time.Now()
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	fileName := filepath.Base(path)

	hash, err := fileHash(path)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	// Skip unchanged files.
	prior, err := h.store.GetDocumentChunks(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if len(prior) > 0 && prior[0].Meta.FileHash == hash {
		slog.Info("ingest: unchanged, skipping", "file", fileName, "chunks", len(prior))
		return &IngestSummary{
			FilePath:   path,
			ChunkCount: len(prior),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}, nil
	}

	// Parse.
	var text string
	if isRaw {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading raw data: %w", err)
		}
		text = string(data)
	} else {
		p, err := e.parsers.Get(ext)
		if err != nil {
			return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
		}
		text, err = p.Parse(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	slog.Info("ingest: parsed", "file", fileName, "bytes", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Chunk.
	chunks, err := e.chunkr.Chunk(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	// Embed.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := e.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("%w: %d chunks but %d embeddings", ErrEmbeddingFailed, len(chunks), len(vecs))
	}

	if len(prior) > 0 {
		slog.Info("ingest: re-ingesting", "file", fileName, "old_chunks", len(prior), "new_chunks", len(chunks))
	}

	// Cancellation is a pre-commit decision: past this point the delete and
	// insert both run so no partial state is left behind.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	meta := store.Metadata{
		FileName: fileName,
		FileSize: size,
		FileType: ext,
		FileHash: hash,
		Custom:   custom,
	}
	if src, ok := h.raw.ExtractSource(path); ok {
		meta.Source = src
	}

	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{
			UUID:       uuid.NewString(),
			FilePath:   path,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Meta:       meta,
			CreatedAt:  now,
		}
	}

	if _, err := h.store.DeleteByFile(ctx, path); err != nil {
		return nil, fmt.Errorf("%w: deleting prior chunks: %v", ErrStorageFailed, err)
	}
	if err := h.store.InsertChunks(ctx, rows, vecs); err != nil {
		// The prior chunks are already gone; search results carry no vectors
		// so there is nothing to restore. The caller must re-ingest.
		return nil, fmt.Errorf("%w: inserting chunks (file must be re-ingested): %v", ErrStorageFailed, err)
	}

	slog.Info("ingest: complete", "file", fileName, "chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &IngestSummary{FilePath: path, ChunkCount: len(chunks), Timestamp: now}, nil
}

// IngestData stores string content under a content-addressed raw-data path
// and ingests it. On ingest failure the raw-data file is rolled back.
func (e *Engine) IngestData(ctx context.Context, content string, meta DataMetadata) (*IngestSummary, error) {
	if err := validateCustom(meta.Custom); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	if strings.EqualFold(meta.Format, "html") {
		converted, err := parser.ConvertHTML(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
		}
		content = converted
	}

	h := e.handlesSnapshot()
	path, err := h.raw.Save(meta.Source, content, meta.Format)
	if err != nil {
		if errors.Is(err, rawdata.ErrDisallowedScheme) {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedScheme, meta.Source)
		}
		return nil, fmt.Errorf("saving raw data: %w", err)
	}

	summary, err := e.IngestFile(ctx, path, meta.Custom)
	if err != nil {
		// Roll back the raw-data write; its own failure is logged but never
		// replaces the original error.
		if delErr := h.raw.DeletePath(path); delErr != nil {
			slog.Warn("rollback of raw-data file failed", "path", path, "error", delErr)
		}
		return nil, err
	}
	return summary, nil
}

// Delete removes all chunks of a file or raw-data source. Unknown targets
// delete zero chunks without error.
func (e *Engine) Delete(ctx context.Context, target DeleteTarget) (*DeleteSummary, error) {
	if (target.FilePath == "") == (target.Source == "") {
		return nil, ErrInvalidTarget
	}
	h := e.handlesSnapshot()

	var path string
	switch {
	case target.Source != "":
		// The raw-data path is a pure function of the source; no base-dir
		// validation applies.
		p, err := h.raw.Path(target.Source)
		if err != nil {
			if errors.Is(err, rawdata.ErrDisallowedScheme) {
				return nil, fmt.Errorf("%w: %s", ErrDisallowedScheme, target.Source)
			}
			return nil, err
		}
		path = p
	case h.raw.IsRawPath(target.FilePath):
		path = target.FilePath
	default:
		if !filepath.IsAbs(target.FilePath) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotAbsolute, target.FilePath)
		}
		// The file may already be gone from disk, so this is a lexical
		// containment check rather than a symlink-resolving one.
		clean := filepath.Clean(target.FilePath)
		rel, err := filepath.Rel(e.cfg.BaseDir, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s", ErrPathOutsideBase, target.FilePath)
		}
		path = clean
	}

	lock := e.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if _, err := h.store.DeleteByFile(ctx, path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if h.raw.IsRawPath(path) {
		if err := h.raw.DeletePath(path); err != nil {
			slog.Warn("removing raw-data file failed", "path", path, "error", err)
		}
	}

	return &DeleteSummary{
		FilePath:  path,
		Deleted:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ---------------------------------------------------------------------------
// Query surface
// ---------------------------------------------------------------------------

// Query runs a hybrid search. limit 0 means DefaultLimit; limits beyond
// MaxLimit are rejected.
func (e *Engine) Query(ctx context.Context, q string, limit int, explain bool) ([]retrieval.Result, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrEmptyQuery
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: %d", ErrLimitOutOfRange, limit)
	}
	return e.handlesSnapshot().retriever.Search(ctx, q, limit, explain)
}

// Related returns the nearest neighbours of an existing chunk.
func (e *Engine) Related(ctx context.Context, filePath string, chunkIndex, limit int, excludeSameDoc bool) ([]retrieval.Result, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: %d", ErrLimitOutOfRange, limit)
	}
	results, err := e.handlesSnapshot().retriever.Related(ctx, filePath, chunkIndex, limit, excludeSameDoc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, filePath, chunkIndex)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return results, nil
}

// ListFiles returns every ingested file with chunk counts and, for
// raw-data entries, the original source.
func (e *Engine) ListFiles(ctx context.Context) ([]FileInfo, error) {
	h := e.handlesSnapshot()
	files, err := h.store.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{FilePath: f.FilePath, ChunkCount: f.ChunkCount}
		if src, ok := h.raw.ExtractSource(f.FilePath); ok {
			out[i].Source = src
		}
	}
	return out, nil
}

// GetDocumentChunks returns all chunks of one file ordered by index.
func (e *Engine) GetDocumentChunks(ctx context.Context, filePath string) ([]store.Chunk, error) {
	chunks, err := e.handlesSnapshot().store.GetDocumentChunks(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return chunks, nil
}

// Status reports engine health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st, err := e.handlesSnapshot().store.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return &Status{
		DocumentCount:   st.DocumentCount,
		ChunkCount:      st.ChunkCount,
		MemoryUsage:     st.MemoryUsage,
		Uptime:          int64(time.Since(e.startedAt).Seconds()),
		FTSIndexEnabled: st.FTSEnabled,
		SearchMode:      st.SearchMode,
	}, nil
}

// ---------------------------------------------------------------------------
// Feedback
// ---------------------------------------------------------------------------

// FeedbackPin records that a result answered the query well; it will rank
// earlier for the same query.
func (e *Engine) FeedbackPin(sourceQuery, targetPath string, targetIndex int, fingerprint string) {
	e.recordFeedback(feedback.Pin, sourceQuery, targetPath, targetIndex, fingerprint)
}

// FeedbackUnpin cancels a prior pin.
func (e *Engine) FeedbackUnpin(sourceQuery, targetPath string, targetIndex int, fingerprint string) {
	e.recordFeedback(feedback.Unpin, sourceQuery, targetPath, targetIndex, fingerprint)
}

// FeedbackDismiss records that a result was irrelevant; it will rank later.
func (e *Engine) FeedbackDismiss(sourceQuery, targetPath string, targetIndex int, fingerprint string) {
	e.recordFeedback(feedback.Dismiss, sourceQuery, targetPath, targetIndex, fingerprint)
}

// FeedbackClickRelated records a weak positive signal from following a
// related-chunk link.
func (e *Engine) FeedbackClickRelated(sourceQuery, targetPath string, targetIndex int, fingerprint string) {
	e.recordFeedback(feedback.ClickRelated, sourceQuery, targetPath, targetIndex, fingerprint)
}

func (e *Engine) recordFeedback(kind feedback.Kind, sourceQuery, targetPath string, targetIndex int, fingerprint string) {
	e.handlesSnapshot().fb.Record(kind,
		feedback.QueryRef(sourceQuery),
		feedback.ChunkRef{FilePath: targetPath, ChunkIndex: targetIndex, Fingerprint: fingerprint},
	)
}

// FeedbackStats returns event and pair counts.
func (e *Engine) FeedbackStats() feedback.Stats {
	return e.handlesSnapshot().fb.Stats()
}

// ---------------------------------------------------------------------------
// Database hot swap
// ---------------------------------------------------------------------------

// SwapDatabase replaces the active database. Exactly one swap may be in
// flight; concurrent swap requests fail fast. In-flight requests holding
// the old handles complete normally.
func (e *Engine) SwapDatabase(ctx context.Context, dbRoot string) error {
	if !e.swapping.CompareAndSwap(false, true) {
		return ErrSwapInProgress
	}
	defer e.swapping.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.h
	old.fb.Close()
	if err := old.store.Close(); err != nil {
		slog.Warn("closing previous database", "error", err)
	}

	h, err := e.openHandles(dbRoot)
	if err != nil {
		// Best effort: reopen the previous database so the engine is not
		// left without a handle.
		if prev, reopenErr := e.openHandles(old.dbRoot); reopenErr == nil {
			e.h = prev
		} else {
			slog.Error("reopening previous database failed", "error", reopenErr)
		}
		return err
	}

	e.h = h
	e.cfg.DBPath = dbRoot
	slog.Info("database swapped", "db_path", dbRoot)
	return nil
}

// DBRoot returns the root directory of the active database.
func (e *Engine) DBRoot() string {
	return e.handlesSnapshot().dbRoot
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (e *Engine) fileLock(path string) *sync.Mutex {
	v, _ := e.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// validateCustom enforces the metadata size caps.
func validateCustom(custom map[string]string) error {
	for k, v := range custom {
		if len(k) > MaxMetaKeyLen || len(v) > MaxMetaValueLen {
			return fmt.Errorf("%w: key %q", ErrMetadataTooLarge, k)
		}
	}
	return nil
}

// mapValidationErr translates parser validation errors to engine sentinels.
func mapValidationErr(err error) error {
	switch {
	case errors.Is(err, parser.ErrNotAbsolute):
		return fmt.Errorf("%w: %v", ErrPathNotAbsolute, err)
	case errors.Is(err, parser.ErrOutsideBase):
		return fmt.Errorf("%w: %v", ErrPathOutsideBase, err)
	case errors.Is(err, parser.ErrTooLarge):
		return fmt.Errorf("%w: %v", ErrFileTooLarge, err)
	default:
		return err
	}
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
