// Package store persists chunks with their embeddings in SQLite and serves
// hybrid (vector + BM25) ranked retrieval. Vectors live in a sqlite-vec
// vec0 virtual table; keyword search uses an FTS5 trigram index whose
// creation is deferred and whose failure degrades the store to vector-only
// mode rather than erroring.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrDimMismatch is returned when a vector's length differs from the
// table's declared dimension, or when an existing database was built with a
// different dimension.
var ErrDimMismatch = errors.New("store: embedding dimension mismatch")

// Metadata is the per-chunk metadata record. Custom keys are carried in one
// flat map so later inserts may introduce keys the table has never seen.
type Metadata struct {
	FileName string            `json:"file_name"`
	FileSize int64             `json:"file_size"`
	FileType string            `json:"file_type"`
	FileHash string            `json:"file_hash,omitempty"`
	Source   string            `json:"source,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Chunk is one persistent retrieval unit.
type Chunk struct {
	UUID       string   `json:"id"`
	FilePath   string   `json:"file_path"`
	ChunkIndex int      `json:"chunk_index"`
	Text       string   `json:"text"`
	Meta       Metadata `json:"metadata"`
	CreatedAt  string   `json:"created_at"` // ISO-8601
}

// SearchResult is a ranked retrieval hit. Score is a distance: lower is
// better, 0 = identical, 2 = opposite.
type SearchResult struct {
	UUID       string   `json:"id"`
	FilePath   string   `json:"file_path"`
	ChunkIndex int      `json:"chunk_index"`
	Text       string   `json:"text"`
	Meta       Metadata `json:"metadata"`
	Score      float64  `json:"score"`
	VecDist    float64  `json:"vec_dist"`
	BM25Norm   float64  `json:"bm25_norm"`
}

// FileInfo summarizes one ingested file.
type FileInfo struct {
	FilePath   string `json:"file_path"`
	ChunkCount int    `json:"chunk_count"`
}

// Status reports store health and size.
type Status struct {
	DocumentCount int    `json:"document_count"`
	ChunkCount    int    `json:"chunk_count"`
	MemoryUsage   int64  `json:"memory_usage"`
	UptimeSeconds int64  `json:"uptime"`
	FTSEnabled    bool   `json:"fts_index_enabled"`
	SearchMode    string `json:"search_mode"` // "hybrid" or "vector-only"
}

// Store wraps the SQLite database holding one logical chunks table.
// Reads may run concurrently; writes are serialized by an internal lock and
// each write commits atomically, so a reader never observes a partially
// visible write.
type Store struct {
	db       *sql.DB
	dim      int
	openedAt time.Time

	writeMu sync.Mutex // serializes insert/delete

	ftsMu      sync.Mutex
	ftsEnabled bool
	ftsTried   bool
}

// New opens (or creates) the database under dbRoot and initialises the
// schema. model is recorded so a later open with a different embedding
// model is rejected instead of silently mixing vector spaces.
func New(dbRoot string, embeddingDim int, model string) (*Store, error) {
	if err := os.MkdirAll(dbRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	dbPath := filepath.Join(dbRoot, "chunks.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, dim: embeddingDim, openedAt: time.Now()}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.checkIdentity(context.Background(), model); err != nil {
		db.Close()
		return nil, err
	}

	// FTS lifecycle: index an already-populated table now; an empty table
	// defers creation until the first insert.
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count); err == nil && count > 0 {
		s.ensureFTS(context.Background())
	}

	return s, nil
}

// checkIdentity records or verifies the embedding model and dimension.
func (s *Store) checkIdentity(ctx context.Context, model string) error {
	rows := map[string]string{
		"embedding_dim": fmt.Sprintf("%d", s.dim),
		"model_name":    model,
	}
	for key, want := range rows {
		var got string
		err := s.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", key).Scan(&got)
		switch {
		case err == sql.ErrNoRows:
			if _, err := s.db.ExecContext(ctx,
				"INSERT INTO store_meta (key, value) VALUES (?, ?)", key, want); err != nil {
				return fmt.Errorf("recording %s: %w", key, err)
			}
		case err != nil:
			return fmt.Errorf("reading %s: %w", key, err)
		case got != want:
			if key == "embedding_dim" {
				return fmt.Errorf("%w: database has %s, engine wants %s", ErrDimMismatch, got, want)
			}
			return fmt.Errorf("store: database built with model %q, engine configured for %q", got, want)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dim returns the declared embedding dimension.
func (s *Store) Dim() int { return s.dim }

// FTSEnabled reports whether the full-text index is live.
func (s *Store) FTSEnabled() bool {
	s.ftsMu.Lock()
	defer s.ftsMu.Unlock()
	return s.ftsEnabled
}

// ensureFTS creates the FTS5 table, its sync triggers, and backfills
// existing rows. Failure is non-fatal: the store stays in vector-only mode
// and the failure is not retried.
func (s *Store) ensureFTS(ctx context.Context) {
	s.ftsMu.Lock()
	defer s.ftsMu.Unlock()
	if s.ftsTried {
		return
	}
	s.ftsTried = true

	if _, err := s.db.ExecContext(ctx, ftsSQL); err != nil {
		slog.Warn("store: FTS index creation failed, falling back to vector-only search", "error", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')"); err != nil {
		slog.Warn("store: FTS index rebuild failed, falling back to vector-only search", "error", err)
		return
	}
	s.ftsEnabled = true
}

// InsertChunks appends a batch of chunks with their vectors in one
// transaction. Vectors must be unit-norm and of the declared dimension.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk, vecs [][]float32) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("store: %d chunks but %d vectors", len(chunks), len(vecs))
	}
	for i, v := range vecs {
		if len(v) != s.dim {
			return fmt.Errorf("%w: vector %d has length %d, table wants %d", ErrDimMismatch, i, len(v), s.dim)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// First insert creates the deferred FTS index so the triggers cover
	// these rows too.
	s.ensureFTS(ctx)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (uuid, file_path, chunk_index, text, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()

		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for i, c := range chunks {
			meta, err := json.Marshal(c.Meta)
			if err != nil {
				return fmt.Errorf("marshaling metadata: %w", err)
			}
			res, err := chunkStmt.ExecContext(ctx,
				c.UUID, c.FilePath, c.ChunkIndex, c.Text, string(meta), c.CreatedAt)
			if err != nil {
				return err
			}
			rowid, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := vecStmt.ExecContext(ctx, rowid, serializeFloat32(vecs[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByFile removes all chunks of one file atomically. Deleting an
// unknown file is a no-op, not an error.
func (s *Store) DeleteByFile(ctx context.Context, filePath string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE file_path = ?
			)`, filePath); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", filePath)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// Search runs hybrid ranked retrieval. With an empty ftsQuery (or with the
// FTS index unavailable) it is a pure k-NN by cosine distance; otherwise
// vector and BM25 candidates are merged through Fuse with hybridWeight w.
func (s *Store) Search(ctx context.Context, queryVec []float32, ftsQuery string, limit int, w float64) ([]SearchResult, error) {
	if len(queryVec) != s.dim {
		return nil, fmt.Errorf("%w: query vector has length %d, table wants %d", ErrDimMismatch, len(queryVec), s.dim)
	}
	if limit <= 0 {
		limit = 10
	}

	vecCands, err := s.vectorCandidates(ctx, queryVec, limit)
	if err != nil {
		return nil, err
	}

	if ftsQuery == "" || !s.FTSEnabled() {
		out := make([]SearchResult, len(vecCands))
		for i, c := range vecCands {
			c.Row.Score = c.VecDist
			c.Row.VecDist = c.VecDist
			out[i] = c.Row
		}
		return out, nil
	}

	bmCands, err := s.bm25Candidates(ctx, ftsQuery, limit)
	if err != nil {
		// A malformed MATCH expression should not kill the search.
		slog.Warn("store: bm25 lookup failed, using vector ranking", "error", err)
		bmCands = nil
	}

	merged, err := s.mergeCandidates(ctx, queryVec, vecCands, bmCands)
	if err != nil {
		return nil, err
	}

	results := Fuse(merged, w)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type rowid struct {
	id  int64
	row SearchResult
}

func (s *Store) vectorCandidates(ctx context.Context, queryVec []float32, k int) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.uuid, c.file_path, c.chunk_index, c.text, c.metadata
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryVec), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var id int64
		var dist float64
		var metaJSON sql.NullString
		var r SearchResult
		if err := rows.Scan(&id, &dist, &r.UUID, &r.FilePath, &r.ChunkIndex, &r.Text, &metaJSON); err != nil {
			return nil, err
		}
		r.Meta = unmarshalMeta(metaJSON.String)
		cands = append(cands, Candidate{Row: r, VecDist: dist, order: len(cands)})
	}
	return cands, rows.Err()
}

func (s *Store) bm25Candidates(ctx context.Context, ftsQuery string, limit int) ([]rowid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.uuid, c.file_path, c.chunk_index, c.text, c.metadata
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rowid
	for rows.Next() {
		var id int64
		var rank float64
		var metaJSON sql.NullString
		var r SearchResult
		if err := rows.Scan(&id, &rank, &r.UUID, &r.FilePath, &r.ChunkIndex, &r.Text, &metaJSON); err != nil {
			return nil, err
		}
		r.Meta = unmarshalMeta(metaJSON.String)
		// FTS5 rank is negative (lower = better); flip to positive
		// higher-is-better for normalization.
		r.BM25Norm = -rank
		out = append(out, rowid{id: id, row: r})
	}
	return out, rows.Err()
}

// mergeCandidates unions vector and BM25 candidates. BM25-only rows get
// their true cosine distance computed from the stored embedding so the
// fusion formula sees real distances everywhere.
func (s *Store) mergeCandidates(ctx context.Context, queryVec []float32, vecCands []Candidate, bmCands []rowid) ([]Candidate, error) {
	byKey := make(map[string]int, len(vecCands))
	merged := make([]Candidate, len(vecCands))
	copy(merged, vecCands)
	for i := range merged {
		merged[i].order = i
		byKey[merged[i].Row.FilePath+"\x00"+fmt.Sprint(merged[i].Row.ChunkIndex)] = i
	}

	var missing []rowid
	for _, b := range bmCands {
		key := b.row.FilePath + "\x00" + fmt.Sprint(b.row.ChunkIndex)
		if i, ok := byKey[key]; ok {
			merged[i].BM25 = b.row.BM25Norm // raw flipped rank stashed by bm25Candidates
			merged[i].HasBM25 = true
			continue
		}
		missing = append(missing, b)
	}

	if len(missing) > 0 {
		dists, err := s.vectorDistances(ctx, queryVec, missing)
		if err != nil {
			return nil, err
		}
		for i, b := range missing {
			row := b.row
			raw := row.BM25Norm
			row.BM25Norm = 0
			merged = append(merged, Candidate{
				Row:     row,
				VecDist: dists[i],
				BM25:    raw,
				HasBM25: true,
				order:   len(merged),
			})
		}
	}
	return merged, nil
}

// vectorDistances computes the cosine distance between the query and each
// listed chunk's stored embedding.
func (s *Store) vectorDistances(ctx context.Context, queryVec []float32, targets []rowid) ([]float64, error) {
	dists := make([]float64, len(targets))
	for i, t := range targets {
		var blob []byte
		err := s.db.QueryRowContext(ctx,
			"SELECT embedding FROM vec_chunks WHERE chunk_id = ?", t.id).Scan(&blob)
		if err != nil {
			if err == sql.ErrNoRows {
				dists[i] = 2 // no embedding: worst distance
				continue
			}
			return nil, err
		}
		dists[i] = cosineDistance(queryVec, deserializeFloat32(blob))
	}
	return dists, nil
}

// FindRelated returns the nearest neighbours of an existing chunk,
// excluding the anchor itself and, optionally, every chunk of its file.
func (s *Store) FindRelated(ctx context.Context, filePath string, chunkIndex, limit int, excludeSameDoc bool) ([]SearchResult, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT v.embedding FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE c.file_path = ? AND c.chunk_index = ?
	`, filePath, chunkIndex).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("fetching anchor embedding: %w", err)
	}

	// Over-fetch so dropping the anchor and its document still fills limit.
	k := limit*4 + 10
	anchor := deserializeFloat32(blob)
	cands, err := s.vectorCandidates(ctx, anchor, k)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, limit)
	for _, c := range cands {
		if c.Row.FilePath == filePath && c.Row.ChunkIndex == chunkIndex {
			continue
		}
		if excludeSameDoc && c.Row.FilePath == filePath {
			continue
		}
		c.Row.Score = c.VecDist
		c.Row.VecDist = c.VecDist
		out = append(out, c.Row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetDocumentChunks returns all chunks of a file ordered by chunk index.
func (s *Store) GetDocumentChunks(ctx context.Context, filePath string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, file_path, chunk_index, text, metadata, created_at
		FROM chunks WHERE file_path = ? ORDER BY chunk_index
	`, filePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metaJSON sql.NullString
		if err := rows.Scan(&c.UUID, &c.FilePath, &c.ChunkIndex, &c.Text, &metaJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Meta = unmarshalMeta(metaJSON.String)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListFiles returns every ingested file with its chunk count.
func (s *Store) ListFiles(ctx context.Context) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, COUNT(*) FROM chunks GROUP BY file_path ORDER BY file_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileInfo
	for rows.Next() {
		var f FileInfo
		if err := rows.Scan(&f.FilePath, &f.ChunkCount); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Status reports counts, a memory-use estimate, and the active search mode.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		UptimeSeconds: int64(time.Since(s.openedAt).Seconds()),
		FTSEnabled:    s.FTSEnabled(),
	}
	if st.FTSEnabled {
		st.SearchMode = "hybrid"
	} else {
		st.SearchMode = "vector-only"
	}

	var textBytes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT file_path), COUNT(*), COALESCE(SUM(LENGTH(text)), 0) FROM chunks
	`).Scan(&st.DocumentCount, &st.ChunkCount, &textBytes)
	if err != nil {
		return nil, err
	}
	st.MemoryUsage = textBytes.Int64 + int64(st.ChunkCount)*int64(s.dim)*4
	return st, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func unmarshalMeta(raw string) Metadata {
	var m Metadata
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 is the inverse of serializeFloat32.
func deserializeFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineDistance returns 1 - cos(a, b), matching sqlite-vec's cosine metric.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
