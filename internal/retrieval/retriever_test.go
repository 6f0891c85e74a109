package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// mockVectorStore implements VectorStore with overridable functions.
type mockVectorStore struct {
	insertFn      func(records []Record) error
	searchFn      func(vector []float32, topK int) ([]ScoredRecord, error)
	getByIDsFn    func(ctx context.Context, ids []string) ([]Record, error)
	deleteByDocFn func(docID string) ([]string, error)
	countFn       func() (int, error)
}

func (m *mockVectorStore) Insert(records []Record) error {
	if m.insertFn != nil {
		return m.insertFn(records)
	}
	return nil
}

func (m *mockVectorStore) Search(vector []float32, topK int) ([]ScoredRecord, error) {
	return m.searchFn(vector, topK)
}

func (m *mockVectorStore) GetByIDs(ctx context.Context, ids []string) ([]Record, error) {
	return m.getByIDsFn(ctx, ids)
}

func (m *mockVectorStore) DeleteByDoc(docID string) ([]string, error) {
	if m.deleteByDocFn != nil {
		return m.deleteByDocFn(docID)
	}
	return nil, nil
}

func (m *mockVectorStore) Count() (int, error) {
	if m.countFn != nil {
		return m.countFn()
	}
	return 0, nil
}

func testEmbedder(vec []float32) *Embedder {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return vec, nil
		},
	}
	return NewEmbedder(mock, "nomic-embed-text")
}

func TestSearch_ReturnsChunks(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(_ []float32, topK int) ([]ScoredRecord, error) {
			if topK != 5 {
				t.Errorf("got topK %d, want 5", topK)
			}
			return []ScoredRecord{
				{Record: Record{Seq: 1, ID: "c1", DocID: "d1", Section: "Search flights", Tags: `["search"]`, Text: "Use the flight search endpoint"}, Score: 0.91},
				{Record: Record{Seq: 2, ID: "c2", DocID: "d1", Section: "Booking", Text: "Create a booking"}, Score: 0.62},
			}, nil
		},
	}
	r := NewRetriever(testEmbedder(makeVector(384)), store)

	chunks, err := r.Search(context.Background(), "how do I search flights", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].ID != "c1" || chunks[0].Score != 0.91 {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if len(chunks[0].Tags) != 1 || chunks[0].Tags[0] != "search" {
		t.Errorf("tags not decoded: %v", chunks[0].Tags)
	}
	if chunks[1].Tags != nil {
		t.Errorf("expected nil tags for empty tag column, got %v", chunks[1].Tags)
	}
}

func TestSearch_EmbedError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	store := &mockVectorStore{
		searchFn: func(_ []float32, _ int) ([]ScoredRecord, error) {
			t.Fatal("store should not be searched when embedding fails")
			return nil, nil
		},
	}
	r := NewRetriever(NewEmbedder(mock, "nomic-embed-text"), store)

	_, err := r.Search(context.Background(), "query", 3)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding query") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSearch_StoreError(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(_ []float32, _ int) ([]ScoredRecord, error) {
			return nil, errors.New("db locked")
		},
	}
	r := NewRetriever(testEmbedder(makeVector(384)), store)

	_, err := r.Search(context.Background(), "query", 3)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "searching chunks") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSearch_EmptyStore(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(_ []float32, _ int) ([]ScoredRecord, error) {
			return nil, nil
		},
	}
	r := NewRetriever(testEmbedder(makeVector(384)), store)

	chunks, err := r.Search(context.Background(), "anything", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
}

func TestGetByIDs_PreservesOrder(t *testing.T) {
	store := &mockVectorStore{
		getByIDsFn: func(_ context.Context, ids []string) ([]Record, error) {
			// Return records out of the requested order.
			return []Record{
				{ID: "c3", Text: "third"},
				{ID: "c1", Text: "first"},
			}, nil
		},
	}
	r := NewRetriever(testEmbedder(makeVector(384)), store)

	chunks, err := r.GetByIDs(context.Background(), []string{"c1", "c2", "c3"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (missing id skipped)", len(chunks))
	}
	if chunks[0].ID != "c1" || chunks[1].ID != "c3" {
		t.Errorf("order not preserved: %s, %s", chunks[0].ID, chunks[1].ID)
	}
}

func TestGetByIDs_Empty(t *testing.T) {
	store := &mockVectorStore{
		getByIDsFn: func(_ context.Context, _ []string) ([]Record, error) {
			t.Fatal("store should not be queried for empty id list")
			return nil, nil
		},
	}
	r := NewRetriever(testEmbedder(makeVector(384)), store)

	chunks, err := r.GetByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if chunks != nil {
		t.Errorf("expected nil, got %v", chunks)
	}
}

func TestToChunk(t *testing.T) {
	rec := Record{
		Seq:       7,
		ID:        "c9",
		DocID:     "d2",
		Section:   "Refunds",
		APIName:   "refund-api",
		FlowStage: "post_booking",
		Tags:      `["refund","policy"]`,
		Text:      "Refunds are processed within 7 days",
	}
	c := ToChunk(rec)
	if c.ID != "c9" || c.DocID != "d2" || c.Section != "Refunds" {
		t.Errorf("unexpected chunk: %+v", c)
	}
	if c.APIName != "refund-api" || c.FlowStage != "post_booking" {
		t.Errorf("metadata not carried over: %+v", c)
	}
	if len(c.Tags) != 2 || c.Tags[0] != "refund" {
		t.Errorf("tags not decoded: %v", c.Tags)
	}
	if c.Score != 0 {
		t.Errorf("ToChunk should produce a scoreless chunk, got %f", c.Score)
	}
}

func TestDecodeTags_Malformed(t *testing.T) {
	if tags := decodeTags(`{"not": "an array"}`); tags != nil {
		t.Errorf("malformed tags should decode to nil, got %v", tags)
	}
	if tags := decodeTags(""); tags != nil {
		t.Errorf("empty tags should decode to nil, got %v", tags)
	}
}
