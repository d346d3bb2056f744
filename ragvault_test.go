//go:build cgo

package ragvault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobThePCGuy/rag-vault-sub003/embedder"
)

// newTestEngine builds an engine over temp directories with the
// deterministic hash embedder.
func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	return newTestEngineWith(t, embedder.NewHash(64))
}

func newTestEngineWith(t *testing.T, emb embedder.Provider) (*Engine, string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	docs := t.TempDir()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "db")
	cfg.BaseDir = docs
	cfg.Embedding.Dim = emb.Dim()
	cfg.Embedding.Model = emb.Model()

	e, err := NewWithEmbedder(cfg, emb)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, docs
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestFileAndListFiles(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	path := writeDoc(t, docs, "notes.txt",
		"The migration to the new billing system finished ahead of schedule last quarter.")

	summary, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, summary.FilePath)
	assert.Greater(t, summary.ChunkCount, 0)
	assert.NotEmpty(t, summary.Timestamp)

	files, err := e.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, path, files[0].FilePath)
	assert.Equal(t, summary.ChunkCount, files[0].ChunkCount)

	chunks, err := e.GetDocumentChunks(ctx, path)
	require.NoError(t, err)
	require.Len(t, chunks, summary.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex, "chunk indices must be contiguous from 0")
		assert.NotEmpty(t, c.UUID)
		assert.NotEmpty(t, c.Text)
	}
}

func TestIngestValidation(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	_, err := e.IngestFile(ctx, "relative/path.txt", nil)
	assert.ErrorIs(t, err, ErrPathNotAbsolute)

	outside := writeDoc(t, t.TempDir(), "outside.txt", "content elsewhere entirely")
	_, err = e.IngestFile(ctx, outside, nil)
	assert.ErrorIs(t, err, ErrPathOutsideBase)

	unsupported := writeDoc(t, docs, "image.png", "not really an image")
	_, err = e.IngestFile(ctx, unsupported, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = e.IngestFile(ctx, writeDoc(t, docs, "big.txt", "hello world, this is fine"), map[string]string{
		strings.Repeat("k", MaxMetaKeyLen+1): "v",
	})
	assert.ErrorIs(t, err, ErrMetadataTooLarge)
}

func TestReingestReplacesChunks(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	path := writeDoc(t, docs, "doc.txt",
		"Original first sentence that is long enough to become its own chunk here.\n"+
			"Original second sentence that is also long enough to become a chunk.")
	first, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)

	// Unchanged file: skipped, same chunk set.
	before, err := e.GetDocumentChunks(ctx, path)
	require.NoError(t, err)
	again, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, again.ChunkCount)
	after, err := e.GetDocumentChunks(ctx, path)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].UUID, after[i].UUID, "unchanged ingest must not rewrite chunks")
	}

	// Changed file: the final chunk set is the latest ingest's.
	require.NoError(t, os.WriteFile(path,
		[]byte("Completely rewritten content with exactly one sentence of sufficient length."), 0o644))
	second, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)

	chunks, err := e.GetDocumentChunks(ctx, path)
	require.NoError(t, err)
	require.Len(t, chunks, second.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Contains(t, c.Text, "rewritten")
	}

	files, err := e.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1, "re-ingest must not duplicate the file")
}

// Three mutually similar sentences become one chunk, and a close query
// finds it with a low distance.
func TestCohesiveDocumentSingleChunk(t *testing.T) {
	s1 := "Paris is the capital of France."
	s2 := "The Seine runs through it."
	s3 := "Croissants are popular."
	q := "capital of France"

	doc := s1 + " " + s2 + " " + s3

	// The sentences embed near-identically, the query lands nearby. The
	// fused chunk text is embedded as a whole at insert time, so it needs
	// its own entry too.
	vecs := map[string][]float32{
		s1:  {1, 0, 0, 0},
		s2:  {0.999, 0.0447, 0, 0},
		s3:  {0.999, 0, 0.0447, 0},
		doc: {1, 0.045, 0.045, 0},
		q:   {0.995, 0.0706, 0.0706, 0},
	}
	stub := &fixedEmbedder{dim: 4, vecs: vecs}

	e, docs := newTestEngineWith(t, stub)
	ctx := context.Background()

	path := writeDoc(t, docs, "paris.txt", doc)
	summary, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ChunkCount, "mutually similar sentences must fuse into one chunk")

	results, err := e.Query(ctx, q, 5, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, path, results[0].FilePath)
	assert.Contains(t, results[0].Text, "Paris")
	assert.Less(t, results[0].Score, 0.5)
}

func TestIngestDataHTMLAndDeleteBySource(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	summary, err := e.IngestData(ctx,
		"<html><body><h1>Hello</h1><p>World of markdown conversion, long enough to keep.</p></body></html>",
		DataMetadata{Source: "https://x.test/p?q=1#h", Format: "html"})
	require.NoError(t, err)
	require.Greater(t, summary.ChunkCount, 0)

	files, err := e.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "https://x.test/p", files[0].Source,
		"source must be restored with query string and fragment stripped")

	// Deleting by the normalized source removes the document and the file.
	del, err := e.Delete(ctx, DeleteTarget{Source: "https://x.test/p"})
	require.NoError(t, err)
	assert.True(t, del.Deleted)
	if _, err := os.Stat(del.FilePath); !os.IsNotExist(err) {
		t.Errorf("raw-data file still on disk: %s", del.FilePath)
	}

	files, err = e.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIngestDataRejectsDisallowedScheme(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.IngestData(context.Background(), "some content of reasonable length here",
		DataMetadata{Source: "javascript:alert(1)", Format: "text"})
	assert.ErrorIs(t, err, ErrDisallowedScheme)
}

func TestIngestDataEmptyHTMLFails(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.IngestData(context.Background(), "<html><body><script>x()</script></body></html>",
		DataMetadata{Source: "https://x.test/empty", Format: "html"})
	assert.ErrorIs(t, err, ErrParsingFailed)

	// Conversion fails before anything is written, so no file is listed.
	files, ferr := e.ListFiles(context.Background())
	require.NoError(t, ferr)
	assert.Empty(t, files)
}

func TestQueryValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Query(ctx, "   ", 5, false)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = e.Query(ctx, "fine", MaxLimit+1, false)
	assert.ErrorIs(t, err, ErrLimitOutOfRange)

	_, err = e.Query(ctx, "fine", -1, false)
	assert.ErrorIs(t, err, ErrLimitOutOfRange)
}

func TestDeleteTargetValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Delete(ctx, DeleteTarget{})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = e.Delete(ctx, DeleteTarget{FilePath: "/a", Source: "https://b"})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestQueryFiltersAndExcludes(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	alice := writeDoc(t, docs, "alice.txt",
		"UniqueKeyword appears in this finished report about the quarterly planning.")
	bob := writeDoc(t, docs, "bob.txt",
		"UniqueKeyword appears in this draft report about the quarterly planning.")

	_, err := e.IngestFile(ctx, alice, map[string]string{"author": "alice"})
	require.NoError(t, err)
	_, err = e.IngestFile(ctx, bob, map[string]string{"author": "bob"})
	require.NoError(t, err)

	results, err := e.Query(ctx, `UniqueKeyword -draft author:alice`, 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotContains(t, strings.ToLower(r.Text), "draft")
		assert.Equal(t, "alice", r.Metadata["author"])
	}
}

// After pinning a result for a query, its rank for that query never worsens.
func TestFeedbackPinImprovesRank(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		path := writeDoc(t, docs, fmt.Sprintf("doc%d.txt", i),
			fmt.Sprintf("Shared retrieval vocabulary with distinct filler number %d inside the text body.", i))
		_, err := e.IngestFile(ctx, path, nil)
		require.NoError(t, err)
	}

	const q = "shared retrieval vocabulary"
	before, err := e.Query(ctx, q, 4, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(before), 2)

	target := before[len(before)-1]
	e.FeedbackPin(q, target.FilePath, target.ChunkIndex, "")

	after, err := e.Query(ctx, q, 4, false)
	require.NoError(t, err)

	rank := func(results []Result, fp string, idx int) int {
		for i, r := range results {
			if r.FilePath == fp && r.ChunkIndex == idx {
				return i
			}
		}
		return len(results)
	}
	assert.LessOrEqual(t,
		rank(after, target.FilePath, target.ChunkIndex),
		rank(before, target.FilePath, target.ChunkIndex),
		"pinned result rank must never worsen")

	stats := e.FeedbackStats()
	assert.Equal(t, 1, stats.EventCount)
	assert.Equal(t, 1, stats.PinnedPairs)
}

// N parallel ingests of distinct files with concurrent searches: no search
// returns the same row twice, and the final listing holds all n files.
func TestConcurrentIngestAndSearch(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	const n = 6
	paths := make([]string, n)
	for i := range paths {
		paths[i] = writeDoc(t, docs, fmt.Sprintf("par%d.txt", i),
			fmt.Sprintf("Concurrent ingestion test document number %d with plenty of words to chunk.", i))
	}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := e.IngestFile(ctx, p, nil)
			assert.NoError(t, err)
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			results, err := e.Query(ctx, "concurrent ingestion test document", 10, false)
			if err != nil {
				continue
			}
			seen := make(map[string]bool)
			for _, r := range results {
				key := fmt.Sprintf("%s#%d", r.FilePath, r.ChunkIndex)
				assert.False(t, seen[key], "duplicate row in search results")
				seen[key] = true
			}
		}
	}()
	wg.Wait()

	files, err := e.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, n)
}

func TestStatusReporting(t *testing.T) {
	e, docs := newTestEngine(t)
	ctx := context.Background()

	path := writeDoc(t, docs, "status.txt",
		"A document that exists purely so the status endpoint has something to count.")
	_, err := e.IngestFile(ctx, path, nil)
	require.NoError(t, err)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DocumentCount)
	assert.Greater(t, st.ChunkCount, 0)
	assert.Greater(t, st.MemoryUsage, int64(0))
	if st.FTSIndexEnabled {
		assert.Equal(t, "hybrid", st.SearchMode)
	} else {
		assert.Equal(t, "vector-only", st.SearchMode)
	}
}

func TestSwapInProgressFailsFast(t *testing.T) {
	e, _ := newTestEngine(t)

	// Simulate a swap already holding the single-flight slot.
	require.True(t, e.swapping.CompareAndSwap(false, true))
	err := e.SwapDatabase(context.Background(), filepath.Join(t.TempDir(), "other"))
	assert.ErrorIs(t, err, ErrSwapInProgress)
	e.swapping.Store(false)

	// A real swap to a fresh database works and subsequent calls land there.
	other := filepath.Join(t.TempDir(), "other-db")
	require.NoError(t, e.SwapDatabase(context.Background(), other))
	assert.Equal(t, other, e.DBRoot())

	files, err := e.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

// fixedEmbedder returns preset vectors for known texts and hashes the rest.
type fixedEmbedder struct {
	dim  int
	vecs map[string][]float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vecs[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return embedder.Normalize(out), nil
	}
	return embedder.NewHash(f.dim).Embed(ctx, text)
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixedEmbedder) Model() string { return "fixed-stub" }
func (f *fixedEmbedder) Dim() int      { return f.dim }
