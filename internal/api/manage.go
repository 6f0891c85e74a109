package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ostrenko/parley/internal/ingest"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/session"
	"github.com/ostrenko/parley/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest is the body of POST /ingest. Exactly one of Content or
// URL carries the document; PDF content is base64-encoded.
type IngestRequest struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// ManageDeps holds dependencies for the bearer-authenticated
// management API.
type ManageDeps struct {
	Store      *storage.Store
	Submitter  *ingest.Submitter
	Vectors    *retrieval.SQLiteStore
	Keywords   KeywordIndex
	Sessions   *session.Manager
	Token      string
	HTTPClient *http.Client
}

// KeywordIndex is the slice of the keyword search index the management
// layer needs for cleanup and reindexing.
type KeywordIndex interface {
	Delete(ids []string) error
	Rebuild(chunks []retrieval.Chunk) error
}

// NewManageHandler returns the management router. Mount it under a
// prefix (e.g. /manage); every route requires the bearer token.
func NewManageHandler(deps ManageDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/ingest", handleManageIngest(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Get("/documents/{id}", handleGetDocument(deps))
	r.Delete("/documents/{id}", handleDeleteDocument(deps))
	r.Get("/sessions", handleListSessions(deps))
	r.Post("/reindex", handleReindex(deps))

	return r
}

func handleManageIngest(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Kind == "" {
			req.Kind = ingest.KindMarkdown
		}

		content := req.Content
		source := req.Source

		if req.URL != "" {
			fetched, kind, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			content = fetched
			req.Kind = kind
			if source == "" {
				source = req.URL
			}
			if req.Title == "" {
				req.Title = req.URL
			}
		}

		docID, err := deps.Submitter.Submit(req.Title, source, req.Kind, content)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     docID,
			"status": storage.DocStatusQueued,
		})
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) (content, kind string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", errors.New("url returned status " + strconv.Itoa(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", "", err
	}

	kind = ingest.KindHTML
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/plain") {
		kind = ingest.KindText
	} else if strings.Contains(resp.Header.Get("Content-Type"), "markdown") {
		kind = ingest.KindMarkdown
	}
	return string(body), kind, nil
}

// documentView is the wire shape of a stored document; Content is
// included only by the detail endpoint.
type documentView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source,omitempty"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toDocumentView(d storage.Document, withContent bool) documentView {
	v := documentView{
		ID:        d.ID,
		Title:     d.Title,
		Source:    d.Source,
		Kind:      d.Kind,
		Status:    d.Status,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if withContent {
		v.Content = d.Content
	}
	return v
}

func handleListDocuments(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = toDocumentView(d, false)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetDocument(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toDocumentView(doc, true))
	}
}

func handleDeleteDocument(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		// Drop derived vectors and keyword entries before the document row.
		if deps.Vectors != nil {
			stale, err := deps.Vectors.DeleteByDoc(id)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete chunks: %v", err)
				return
			}
			if deps.Keywords != nil && len(stale) > 0 {
				if err := deps.Keywords.Delete(stale); err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "failed to deindex chunks: %v", err)
					return
				}
			}
		}

		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListSessions(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		infos, err := deps.Sessions.Recent(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if infos == nil {
			infos = []session.Info{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(infos)
	}
}

func handleReindex(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Vectors.AllChunks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load chunks: %v", err)
			return
		}

		chunks := make([]retrieval.Chunk, len(records))
		for i, rec := range records {
			chunks[i] = retrieval.ToChunk(rec)
		}

		if err := deps.Keywords.Rebuild(chunks); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to rebuild index: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "rebuilt",
			"chunks": len(chunks),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
