package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for chunk storage and similarity search
// backends. The default implementation uses SQLite with brute-force cosine
// similarity over the doc_chunks table; an ANN-capable backend can replace
// it behind the same interface when the corpus outgrows a linear scan.
type VectorStore interface {
	// Insert adds chunk records. The store assigns each record its
	// ingestion sequence number.
	Insert(records []Record) error

	// Search performs vector similarity search, returning the top-K most
	// similar records.
	Search(vector []float32, topK int) ([]ScoredRecord, error)

	// GetByIDs returns records matching the given chunk IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteByDoc removes all chunks belonging to a document, returning
	// the IDs of the chunks removed.
	DeleteByDoc(docID string) ([]string, error)

	// Count returns the number of stored chunks.
	Count() (int, error)
}

// Record represents one documentation chunk row in the vector store.
// Seq is the ingestion-order sequence assigned on insert; ranking uses it
// as the final deterministic tiebreak.
type Record struct {
	Seq       int64
	ID        string
	DocID     string
	Section   string
	APIName   string
	FlowStage string
	Tags      string // JSON array stored as text
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
