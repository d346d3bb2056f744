package store

import "fmt"

// schemaSQL returns the DDL for the chunks table and the sqlite-vec virtual
// table. embeddingDim controls the vec0 dimension; the cosine metric on
// unit-norm vectors yields distances in [0,2] where 0 = identical.
//
// The FTS index is deliberately absent here — its lifecycle is deferred
// (see ensureFTS) so that an environment without FTS5 degrades the store to
// vector-only search instead of failing open.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Chunk rows. (file_path, chunk_index) is the logical identity; uuid is the
-- stable external id. metadata is one flat JSON document so later inserts
-- may carry custom keys the schema has never seen.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    uuid TEXT NOT NULL,
    file_path TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    metadata JSON,
    created_at TEXT NOT NULL,
    UNIQUE(file_path, chunk_index)
);

-- Vector embeddings via sqlite-vec, keyed by the chunks rowid.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path);
`, embeddingDim)
}

// ftsSQL is the deferred full-text index DDL. The trigram tokenizer gives
// substring and CJK matching that unicode61 word tokenization cannot.
const ftsSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    content='chunks',
    content_rowid='id',
    tokenize='trigram'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES (new.id, new.text);
END;
`
