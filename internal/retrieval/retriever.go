package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Chunk is a retrieved documentation fragment with its semantic similarity
// score. It carries no embedding; callers that need vectors work with
// Record directly.
type Chunk struct {
	Seq       int64
	ID        string
	DocID     string
	Section   string
	APIName   string
	FlowStage string
	Tags      []string
	Text      string
	Score     float32
	CreatedAt time.Time
}

// Retriever combines embedding and vector search to find relevant
// documentation chunks for a query.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search embeds the query and returns the top-K most similar chunks.
// Any embedding or store failure is returned as-is; the caller decides how
// to classify it.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Chunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := r.store.Search(vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	chunks := make([]Chunk, len(scored))
	for i, s := range scored {
		chunks[i] = recordToChunk(s.Record, s.Score)
	}
	return chunks, nil
}

// GetByIDs returns chunks for the given identifiers, preserving the order
// of ids. Missing identifiers are skipped. Used to re-hydrate a session's
// cached retrieval set.
func (r *Retriever) GetByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching chunks by id: %w", err)
	}

	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	chunks := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		chunks = append(chunks, recordToChunk(rec, 0))
	}
	return chunks, nil
}

// ToChunk converts a stored Record into a scoreless Chunk. Callers that
// rebuild derived indexes from the vector store use it directly.
func ToChunk(rec Record) Chunk {
	return recordToChunk(rec, 0)
}

func recordToChunk(rec Record, score float32) Chunk {
	return Chunk{
		Seq:       rec.Seq,
		ID:        rec.ID,
		DocID:     rec.DocID,
		Section:   rec.Section,
		APIName:   rec.APIName,
		FlowStage: rec.FlowStage,
		Tags:      decodeTags(rec.Tags),
		Text:      rec.Text,
		Score:     score,
		CreatedAt: rec.CreatedAt,
	}
}

// decodeTags parses the JSON tag array stored alongside a chunk. Malformed
// tags degrade to nil rather than failing the whole retrieval.
func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}
