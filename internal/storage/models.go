package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses as they move through the ingestion pipeline.
const (
	DocStatusQueued     = "queued"
	DocStatusProcessing = "processing"
	DocStatusIndexed    = "indexed"
	DocStatusFailed     = "failed"
)

// Document is one ingested documentation source. Chunking and embedding
// happen asynchronously; Status tracks where the document is in that flow.
type Document struct {
	ID        string
	Title     string
	Source    string
	Kind      string // "text", "url", "file", "pdf"
	Content   string
	Status    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRecord is the persisted state of one conversation session.
// CacheJSON holds the single-slot retrieval cache as serialized scores
// (chunk identifiers only; bodies are re-hydrated from doc_chunks on reuse).
type SessionRecord struct {
	ID                string
	Summary           string
	SummarizedThrough int // number of leading turns folded into Summary
	CachedQuery       string
	CacheJSON         string
	CreatedAt         time.Time
	LastAccessed      time.Time
}

// TurnRecord is one recorded query/answer exchange within a session.
// Position is zero-based insertion order.
type TurnRecord struct {
	SessionID   string
	Position    int
	Query       string
	Rewritten   string
	Intent      string
	Confidence  string
	Answer      string
	SourcesJSON string
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
