//go:build cgo

package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 4, "test-model")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(path string, idx int, text string) Chunk {
	return Chunk{
		UUID:       fmt.Sprintf("uuid-%s-%d", path, idx),
		FilePath:   path,
		ChunkIndex: idx,
		Text:       text,
		Meta: Metadata{
			FileName: "doc.txt",
			FileSize: 123,
			FileType: "txt",
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// unit4 returns a unit vector along the given axis.
func unit4(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func TestNewRecordsIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 4, "model-a")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	s.Close()

	// Reopening with the same identity works.
	s, err = New(dir, 4, "model-a")
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	s.Close()

	// A different model is rejected.
	if _, err := New(dir, 4, "model-b"); err == nil {
		t.Fatal("expected error when reopening with a different model")
	}

	// A different dimension is rejected.
	if _, err := New(dir, 8, "model-a"); err == nil {
		t.Fatal("expected error when reopening with a different dimension")
	}
}

func TestInsertAndGetDocumentChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		testChunk("/docs/a.txt", 0, "first chunk of text"),
		testChunk("/docs/a.txt", 1, "second chunk of text"),
	}
	vecs := [][]float32{unit4(0), unit4(1)}

	if err := s.InsertChunks(ctx, chunks, vecs); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	got, err := s.GetDocumentChunks(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	for i, c := range got {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
	}
	if got[0].Text != "first chunk of text" {
		t.Errorf("chunk 0 text = %q", got[0].Text)
	}
	if got[0].Meta.FileName != "doc.txt" {
		t.Errorf("metadata not round-tripped: %+v", got[0].Meta)
	}
}

func TestInsertRejectsMismatchedVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertChunks(ctx, []Chunk{testChunk("/a", 0, "x")}, nil)
	if err == nil {
		t.Fatal("want error for count mismatch")
	}

	err = s.InsertChunks(ctx, []Chunk{testChunk("/a", 0, "x")}, [][]float32{{1, 0}})
	if err == nil {
		t.Fatal("want error for dimension mismatch")
	}
}

// Later inserts may introduce custom metadata keys the table never saw.
func TestInsertAcceptsNewCustomKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testChunk("/docs/a.txt", 0, "first document text")
	first.Meta.Custom = map[string]string{"author": "alice"}
	if err := s.InsertChunks(ctx, []Chunk{first}, [][]float32{unit4(0)}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second := testChunk("/docs/b.txt", 0, "second document text")
	second.Meta.Custom = map[string]string{"project": "apollo", "reviewed": "yes"}
	if err := s.InsertChunks(ctx, []Chunk{second}, [][]float32{unit4(1)}); err != nil {
		t.Fatalf("insert with new custom keys: %v", err)
	}

	got, err := s.GetDocumentChunks(ctx, "/docs/b.txt")
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if got[0].Meta.Custom["project"] != "apollo" {
		t.Errorf("custom metadata lost: %+v", got[0].Meta.Custom)
	}
}

func TestUniqueFilePathChunkIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChunk("/docs/a.txt", 0, "text")
	if err := s.InsertChunks(ctx, []Chunk{c}, [][]float32{unit4(0)}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertChunks(ctx, []Chunk{c}, [][]float32{unit4(0)}); err == nil {
		t.Fatal("duplicate (file_path, chunk_index) accepted")
	}
}

func TestDeleteByFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		testChunk("/docs/a.txt", 0, "keep me not"),
		testChunk("/docs/b.txt", 0, "survivor"),
	}
	if err := s.InsertChunks(ctx, chunks, [][]float32{unit4(0), unit4(1)}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	n, err := s.DeleteByFile(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("DeleteByFile: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}

	files, err := s.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].FilePath != "/docs/b.txt" {
		t.Errorf("files after delete = %+v", files)
	}

	// Deleting an unknown file is idempotent.
	n, err = s.DeleteByFile(ctx, "/docs/a.txt")
	if err != nil || n != 0 {
		t.Errorf("second delete: n=%d err=%v", n, err)
	}
}

// k-NN over {a, b} queried by a: score(a) <= score(b), score(a) ~ 0,
// score(-a) ~ 2, and everything stays within [0, 2].
func TestVectorScoreBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := []float32{1, 0, 0, 0}
	negA := []float32{-1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}

	chunks := []Chunk{
		testChunk("/v/a.txt", 0, "vector a"),
		testChunk("/v/nega.txt", 0, "vector minus a"),
		testChunk("/v/b.txt", 0, "vector b"),
	}
	if err := s.InsertChunks(ctx, chunks, [][]float32{a, negA, b}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	results, err := s.Search(ctx, a, "", 3, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	const eps = 1e-4
	if results[0].FilePath != "/v/a.txt" || results[0].Score > eps {
		t.Errorf("identical vector: %+v", results[0])
	}
	last := results[len(results)-1]
	if last.FilePath != "/v/nega.txt" || last.Score < 2-eps || last.Score > 2+eps {
		t.Errorf("opposite vector: %+v", last)
	}
	for _, r := range results {
		if r.Score < -eps || r.Score > 2+eps {
			t.Errorf("score %v outside [0,2]: %+v", r.Score, r)
		}
	}
}

func TestHybridSearchKeywordFlip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	query := []float32{1, 0, 0, 0}
	// doc1 carries the rare keyword but sits far from the query vector;
	// doc2 is vector-close without the keyword.
	doc1 := testChunk("/h/doc1.txt", 0, "the zyzzyva beetle appears here")
	doc2 := testChunk("/h/doc2.txt", 0, "plain text about something nearby")
	if err := s.InsertChunks(ctx,
		[]Chunk{doc1, doc2},
		[][]float32{{0, 1, 0, 0}, {0.99, 0.141, 0, 0}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if !s.FTSEnabled() {
		t.Skip("FTS5 unavailable in this build")
	}

	vecFirst, err := s.Search(ctx, query, `"zyzzyva"`, 2, 0)
	if err != nil {
		t.Fatalf("Search w=0: %v", err)
	}
	if vecFirst[0].FilePath != "/h/doc2.txt" {
		t.Errorf("w=0: first = %s, want vector-close doc2", vecFirst[0].FilePath)
	}

	bmFirst, err := s.Search(ctx, query, `"zyzzyva"`, 2, 1)
	if err != nil {
		t.Fatalf("Search w=1: %v", err)
	}
	if bmFirst[0].FilePath != "/h/doc1.txt" {
		t.Errorf("w=1: first = %s, want keyword doc1", bmFirst[0].FilePath)
	}
}

func TestFindRelated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		testChunk("/r/a.txt", 0, "anchor chunk"),
		testChunk("/r/a.txt", 1, "same document neighbour"),
		testChunk("/r/b.txt", 0, "other document close"),
		testChunk("/r/c.txt", 0, "other document far"),
	}
	vecs := [][]float32{
		{1, 0, 0, 0},
		{0.99, 0.141, 0, 0},
		{0.95, 0.312, 0, 0},
		{0, 0, 1, 0},
	}
	if err := s.InsertChunks(ctx, chunks, vecs); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	got, err := s.FindRelated(ctx, "/r/a.txt", 0, 10, false)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	for _, r := range got {
		if r.FilePath == "/r/a.txt" && r.ChunkIndex == 0 {
			t.Error("anchor chunk returned as its own neighbour")
		}
	}
	if len(got) != 3 {
		t.Errorf("got %d neighbours, want 3", len(got))
	}

	noSameDoc, err := s.FindRelated(ctx, "/r/a.txt", 0, 10, true)
	if err != nil {
		t.Fatalf("FindRelated excludeSameDoc: %v", err)
	}
	for _, r := range noSameDoc {
		if r.FilePath == "/r/a.txt" {
			t.Errorf("same-document chunk returned: %+v", r)
		}
	}
	if len(noSameDoc) != 2 {
		t.Errorf("got %d neighbours, want 2", len(noSameDoc))
	}

	if _, err := s.FindRelated(ctx, "/missing.txt", 0, 5, false); err != sql.ErrNoRows {
		t.Errorf("missing anchor: err = %v, want sql.ErrNoRows", err)
	}
}

func TestStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ChunkCount != 0 || st.DocumentCount != 0 {
		t.Errorf("empty store status = %+v", st)
	}

	chunks := []Chunk{
		testChunk("/s/a.txt", 0, "text one"),
		testChunk("/s/a.txt", 1, "text two"),
		testChunk("/s/b.txt", 0, "text three"),
	}
	if err := s.InsertChunks(ctx, chunks, [][]float32{unit4(0), unit4(1), unit4(2)}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	st, err = s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DocumentCount != 2 {
		t.Errorf("DocumentCount = %d, want 2", st.DocumentCount)
	}
	if st.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", st.ChunkCount)
	}
	if st.MemoryUsage <= 0 {
		t.Errorf("MemoryUsage = %d, want > 0", st.MemoryUsage)
	}
	if st.SearchMode != "hybrid" && st.SearchMode != "vector-only" {
		t.Errorf("SearchMode = %q", st.SearchMode)
	}
	if st.FTSEnabled && st.SearchMode != "hybrid" {
		t.Errorf("FTS enabled but SearchMode = %q", st.SearchMode)
	}
}
