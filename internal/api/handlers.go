package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ostrenko/parley/internal/pipeline"
	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/search"
	"github.com/ostrenko/parley/internal/session"
	"github.com/ostrenko/parley/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Answerer is the slice of the answering pipeline the HTTP and MCP
// layers need.
type Answerer interface {
	Respond(ctx context.Context, sessionID, query string) (pipeline.Answer, error)
	Preview(sessionID, query string) (queryproc.Result, error)
}

// HealthFunc reports per-component health, keyed by component name.
// Values are "ok", possibly annotated ("ok (12 chunks)"), "configured"
// for passive components, or a short problem description.
type HealthFunc func(ctx context.Context) map[string]string

// healthyState reports whether a component value counts as healthy.
func healthyState(s string) bool {
	return s == "ok" || s == "configured" || strings.HasPrefix(s, "ok ")
}

// PublicDeps holds dependencies for the public (unauthenticated) API.
type PublicDeps struct {
	Responder Answerer
	Sessions  *session.Manager
	Search    *search.Index
	Health    HealthFunc // optional
}

// NewPublicHandler returns the public REST surface: chat, keyword
// search, session inspection, and health.
func NewPublicHandler(deps PublicDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/v1/chat", handleChat(deps))
	r.Post("/v1/chat/preview", handlePreview(deps))
	r.Get("/v1/search", handleSearch(deps))
	r.Get("/v1/sessions/{id}", handleSessionInfo(deps))
	r.Get("/v1/sessions/{id}/history", handleSessionHistory(deps))
	r.Delete("/v1/sessions/{id}", handleSessionClear(deps))

	return r
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func handleHealth(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Health != nil {
			components := deps.Health(r.Context())
			for _, state := range components {
				if !healthyState(state) {
					resp["status"] = "degraded"
					break
				}
			}
			resp["components"] = components
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleChat(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		answer, err := deps.Responder.Respond(r.Context(), req.SessionID, req.Query)
		if err != nil {
			writeRespondError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	}
}

// previewResponse mirrors queryproc.Result for the wire.
type previewResponse struct {
	Original         string   `json:"original"`
	Rewritten        string   `json:"rewritten"`
	Intent           string   `json:"intent"`
	IsMeta           bool     `json:"is_meta"`
	Topic            string   `json:"topic,omitempty"`
	Entities         []string `json:"entities,omitempty"`
	Conversational   bool     `json:"conversational,omitempty"`
	ConversationKind string   `json:"conversation_kind,omitempty"`
}

func handlePreview(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Responder.Preview(req.SessionID, req.Query)
		if err != nil {
			writeRespondError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(previewResponse{
			Original:         res.Original,
			Rewritten:        res.Rewritten,
			Intent:           string(res.Category),
			IsMeta:           res.IsMeta,
			Topic:            res.Topic,
			Entities:         res.Entities,
			Conversational:   res.Conversational,
			ConversationKind: res.ConversationKind,
		})
	}
}

func handleSearch(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter q is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)

		hits, err := deps.Search.Search(query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if hits == nil {
			hits = []search.Hit{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"query":   query,
			"results": hits,
		})
	}
}

func handleSessionInfo(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		info, err := deps.Sessions.Info(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

func handleSessionHistory(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 50, 200)

		if _, err := deps.Sessions.Info(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}

		turns, err := deps.Sessions.History(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}
		if turns == nil {
			turns = []session.Turn{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(turns)
	}
}

func handleSessionClear(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		found, err := deps.Sessions.Clear(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear session: %v", err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

// writeRespondError maps pipeline errors to HTTP statuses.
func writeRespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, ranking.ErrSearchUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	case errors.Is(err, pipeline.ErrGenerationUnavailable):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
