package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ostrenko/parley/internal/storage"
)

// JobTypeChunk is the queue job type the ingest worker claims.
const JobTypeChunk = "ingest_chunk"

type chunkPayload struct {
	DocumentID string `json:"document_id"`
}

// SubmitStore is the slice of storage submission needs.
type SubmitStore interface {
	SaveDocument(d storage.Document) error
	EnqueueJob(job storage.Job) error
}

// Submitter records a document and queues it for chunking. Actual work
// happens asynchronously in the Worker.
type Submitter struct {
	store SubmitStore
}

func NewSubmitter(store SubmitStore) *Submitter {
	return &Submitter{store: store}
}

// Submit stores the document and enqueues its chunking job, returning the
// document id. Documents with a source (a file path or URL) get a
// deterministic id so re-submitting the same source replaces it instead of
// piling up copies.
func (s *Submitter) Submit(title, source, kind, content string) (string, error) {
	id := docID(source)
	if err := s.store.SaveDocument(storage.Document{
		ID:      id,
		Title:   title,
		Source:  source,
		Kind:    kind,
		Content: content,
		Status:  storage.DocStatusQueued,
	}); err != nil {
		return "", fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(chunkPayload{DocumentID: id})
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	if err := s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeChunk,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

func docID(source string) string {
	if source == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String()
}
