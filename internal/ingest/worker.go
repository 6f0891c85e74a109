package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/storage"
)

// JobStore abstracts the job queue and document operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	SetDocumentStatus(id, status, errMsg string) error
}

// ContentEmbedder generates embeddings for chunk texts.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the chunk store the worker writes to.
type VectorStore interface {
	Insert(records []retrieval.Record) error
	DeleteByDoc(docID string) ([]string, error)
}

// KeywordIndex receives the same chunks for full-text search.
type KeywordIndex interface {
	IndexChunks(chunks []retrieval.Chunk) error
	Delete(ids []string) error
}

// Worker processes ingest_chunk jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorStore
	keywords KeywordIndex
	chunker  *Chunker
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorStore, keywords KeywordIndex, chunker *Chunker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		chunker:  chunker,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_chunk job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeChunk})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload chunkPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	if err := w.store.SetDocumentStatus(doc.ID, storage.DocStatusProcessing, ""); err != nil {
		return fmt.Errorf("marking document processing: %w", err)
	}

	if err := w.ingestDocument(ctx, doc); err != nil {
		if statusErr := w.store.SetDocumentStatus(doc.ID, storage.DocStatusFailed, err.Error()); statusErr != nil {
			w.logger.Error("failed to mark document failed", "doc_id", doc.ID, "error", statusErr)
		}
		return err
	}

	return w.store.SetDocumentStatus(doc.ID, storage.DocStatusIndexed, "")
}

func (w *Worker) ingestDocument(ctx context.Context, doc storage.Document) error {
	text, err := ExtractText(doc.Kind, doc.Content)
	if err != nil {
		return err
	}

	chunks := w.chunker.ChunkMarkdown(text)
	if len(chunks) == 0 {
		return fmt.Errorf("document %s produced no chunks", doc.ID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedded %d of %d chunks", len(vectors), len(chunks))
	}

	records := make([]retrieval.Record, len(chunks))
	indexed := make([]retrieval.Chunk, len(chunks))
	now := time.Now().UTC()
	for i, c := range chunks {
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("encoding tags: %w", err)
		}
		id := uuid.New().String()
		records[i] = retrieval.Record{
			ID:        id,
			DocID:     doc.ID,
			Section:   c.Section,
			APIName:   c.APIName,
			FlowStage: c.FlowStage,
			Tags:      string(tagsJSON),
			Text:      c.Text,
			Embedding: vectors[i],
			CreatedAt: now,
		}
		indexed[i] = retrieval.Chunk{
			ID:        id,
			DocID:     doc.ID,
			Section:   c.Section,
			APIName:   c.APIName,
			FlowStage: c.FlowStage,
			Tags:      tags,
			Text:      c.Text,
		}
	}

	// Replace any chunks from a previous ingestion of this document.
	stale, err := w.vectors.DeleteByDoc(doc.ID)
	if err != nil {
		return fmt.Errorf("removing stale chunks: %w", err)
	}
	if len(stale) > 0 {
		if err := w.keywords.Delete(stale); err != nil {
			return fmt.Errorf("removing stale keyword entries: %w", err)
		}
	}

	if err := w.vectors.Insert(records); err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}
	if err := w.keywords.IndexChunks(indexed); err != nil {
		return fmt.Errorf("indexing chunks: %w", err)
	}

	w.logger.Info("document ingested", "doc_id", doc.ID, "chunks", len(chunks))
	return nil
}
