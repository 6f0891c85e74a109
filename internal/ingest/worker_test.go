package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/storage"
)

type mockEmbedder struct {
	embedBatchFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return m.embedBatchFn(ctx, texts)
}

type mockVectors struct {
	mu       sync.Mutex
	inserted []retrieval.Record
	stale    []string
	insertFn func(records []retrieval.Record) error
}

func (m *mockVectors) Insert(records []retrieval.Record) error {
	if m.insertFn != nil {
		return m.insertFn(records)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, records...)
	return nil
}

func (m *mockVectors) DeleteByDoc(docID string) ([]string, error) {
	return m.stale, nil
}

type mockKeywords struct {
	mu      sync.Mutex
	indexed []retrieval.Chunk
	deleted []string
}

func (m *mockKeywords) IndexChunks(chunks []retrieval.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, chunks...)
	return nil
}

func (m *mockKeywords) Delete(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func identityEmbedder() *mockEmbedder {
	return &mockEmbedder{
		embedBatchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0}
			}
			return out, nil
		},
	}
}

const testDoc = `# Search API

The Search API returns available vehicles for a pickup time.

# Error handling

Cancellation after assignment returns error code 409.
`

func TestWorkerIngestsDocument(t *testing.T) {
	st := openTestStore(t)
	vectors := &mockVectors{}
	keywords := &mockKeywords{}
	w := NewWorker(st, identityEmbedder(), vectors, keywords, NewChunker(0, 0), 0)

	sub := NewSubmitter(st)
	docID, err := sub.Submit("vendor docs", "", KindMarkdown, testDoc)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("no job processed")
	}

	doc, err := st.GetDocument(docID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != storage.DocStatusIndexed {
		t.Errorf("status = %s, want indexed (error: %s)", doc.Status, doc.Error)
	}

	if len(vectors.inserted) != 2 {
		t.Fatalf("inserted %d records, want 2", len(vectors.inserted))
	}
	first := vectors.inserted[0]
	if first.Section != "Search API" || first.APIName != "search" || first.FlowStage != "search" {
		t.Errorf("metadata = %+v", first)
	}
	if first.DocID != docID {
		t.Errorf("DocID = %s, want %s", first.DocID, docID)
	}

	if len(keywords.indexed) != 2 {
		t.Errorf("keyword index got %d chunks, want 2", len(keywords.indexed))
	}
	if keywords.indexed[0].ID != vectors.inserted[0].ID {
		t.Error("vector and keyword ids diverge")
	}

	// queue drained
	done, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("unexpected second job")
	}
}

func TestWorkerReplacesStaleChunks(t *testing.T) {
	st := openTestStore(t)
	vectors := &mockVectors{stale: []string{"old-1", "old-2"}}
	keywords := &mockKeywords{}
	w := NewWorker(st, identityEmbedder(), vectors, keywords, NewChunker(0, 0), 0)

	sub := NewSubmitter(st)
	if _, err := sub.Submit("docs", "file:///docs.md", KindMarkdown, testDoc); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(keywords.deleted) != 2 || keywords.deleted[0] != "old-1" {
		t.Errorf("stale keyword entries not removed: %v", keywords.deleted)
	}
}

func TestWorkerEmbeddingFailure(t *testing.T) {
	st := openTestStore(t)
	embedder := &mockEmbedder{
		embedBatchFn: func(context.Context, []string) ([][]float32, error) {
			return nil, errors.New("ollama unreachable")
		},
	}
	w := NewWorker(st, embedder, &mockVectors{}, &mockKeywords{}, NewChunker(0, 0), 0)

	sub := NewSubmitter(st)
	docID, err := sub.Submit("docs", "", KindMarkdown, testDoc)
	if err != nil {
		t.Fatal(err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("job not claimed")
	}

	doc, err := st.GetDocument(docID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != storage.DocStatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}
	if !strings.Contains(doc.Error, "ollama unreachable") {
		t.Errorf("error = %q", doc.Error)
	}
}

func TestWorkerEmptyDocument(t *testing.T) {
	st := openTestStore(t)
	w := NewWorker(st, identityEmbedder(), &mockVectors{}, &mockKeywords{}, NewChunker(0, 0), 0)

	sub := NewSubmitter(st)
	docID, err := sub.Submit("empty", "", KindMarkdown, "   \n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc, err := st.GetDocument(docID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != storage.DocStatusFailed {
		t.Errorf("status = %s, want failed for empty content", doc.Status)
	}
}

func TestSubmitDeterministicForSources(t *testing.T) {
	st := openTestStore(t)
	sub := NewSubmitter(st)

	id1, err := sub.Submit("docs", "file:///docs.md", KindMarkdown, "# One\ntext")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := sub.Submit("docs", "file:///docs.md", KindMarkdown, "# Two\ntext")
	if err != nil {
		t.Fatalf("resubmitting same source: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same source produced different ids: %s vs %s", id1, id2)
	}

	docs, err := st.ListDocuments(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("resubmission duplicated the document: %d rows", len(docs))
	}
	if !strings.Contains(docs[0].Content, "# Two") {
		t.Error("resubmission did not replace content")
	}

	// sourceless submissions stay distinct
	a, _ := sub.Submit("x", "", KindText, "a")
	b, _ := sub.Submit("x", "", KindText, "b")
	if a == b {
		t.Error("sourceless submissions shared an id")
	}
}
