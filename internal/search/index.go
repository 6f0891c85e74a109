// Package search maintains a bleve full-text index over documentation
// chunks. It backs the keyword search endpoint and is rebuilt from the
// chunk store at startup so it never drifts from SQLite.
package search

import (
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ostrenko/parley/internal/retrieval"
)

// chunkDoc is the shape bleve indexes for each chunk.
type chunkDoc struct {
	DocID     string   `json:"doc_id"`
	Section   string   `json:"section"`
	APIName   string   `json:"api_name"`
	FlowStage string   `json:"flow_stage"`
	Tags      []string `json:"tags"`
	Text      string   `json:"text"`
}

// Hit is one keyword search result.
type Hit struct {
	ID        string  `json:"id"`
	DocID     string  `json:"doc_id"`
	Section   string  `json:"section"`
	APIName   string  `json:"api_name,omitempty"`
	FlowStage string  `json:"flow_stage,omitempty"`
	Score     float64 `json:"score"`
	Fragment  string  `json:"fragment,omitempty"`
}

// Index wraps a bleve index. Safe for concurrent use; Rebuild swaps the
// underlying index atomically.
type Index struct {
	mu   sync.RWMutex
	idx  bleve.Index
	path string // empty for in-memory
}

// Open opens (or creates) a disk-backed index at path. An empty path
// yields an in-memory index, used by tests and ephemeral runs.
func Open(path string) (*Index, error) {
	idx, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx, path: path}, nil
}

func open(path string) (bleve.Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(indexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		return idx, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, indexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	return idx, nil
}

func indexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("section", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("tags", bleve.NewTextFieldMapping())

	keyword := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("doc_id", keyword)
	doc.AddFieldMappingsAt("api_name", bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt("flow_stage", bleve.NewKeywordFieldMapping())

	m.DefaultMapping = doc
	return m
}

// IndexChunks adds (or updates) chunks in one batch.
func (i *Index) IndexChunks(chunks []retrieval.Chunk) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	batch := i.idx.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, toDoc(c)); err != nil {
			return fmt.Errorf("batching chunk %s: %w", c.ID, err)
		}
	}
	return i.idx.Batch(batch)
}

// Delete removes chunks by id; unknown ids are ignored.
func (i *Index) Delete(ids []string) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	batch := i.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return i.idx.Batch(batch)
}

// Search runs a query-string search and returns up to limit hits with a
// highlighted fragment from the chunk text.
func (i *Index) Search(query string, limit int) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"doc_id", "section", "api_name", "flow_stage"}
	req.Highlight = bleve.NewHighlight()
	req.Highlight.AddField("text")

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{
			ID:        h.ID,
			DocID:     fieldString(h.Fields, "doc_id"),
			Section:   fieldString(h.Fields, "section"),
			APIName:   fieldString(h.Fields, "api_name"),
			FlowStage: fieldString(h.Fields, "flow_stage"),
			Score:     h.Score,
		}
		if frags, ok := h.Fragments["text"]; ok && len(frags) > 0 {
			hit.Fragment = frags[0]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed chunks.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.idx.DocCount()
}

// Rebuild replaces the whole index with the given chunks. The index is
// recreated from scratch so chunks deleted from SQLite disappear here too;
// searches block for the duration.
func (i *Index) Rebuild(chunks []retrieval.Chunk) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.idx.Close(); err != nil {
		return fmt.Errorf("closing index for rebuild: %w", err)
	}
	if i.path != "" {
		if err := os.RemoveAll(i.path); err != nil {
			return fmt.Errorf("clearing index path: %w", err)
		}
	}
	fresh, err := open(i.path)
	if err != nil {
		return err
	}
	i.idx = fresh

	batch := fresh.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, toDoc(c)); err != nil {
			return fmt.Errorf("batching chunk %s: %w", c.ID, err)
		}
	}
	if err := fresh.Batch(batch); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	return nil
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Close()
}

func toDoc(c retrieval.Chunk) chunkDoc {
	return chunkDoc{
		DocID:     c.DocID,
		Section:   c.Section,
		APIName:   c.APIName,
		FlowStage: c.FlowStage,
		Tags:      c.Tags,
		Text:      c.Text,
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
