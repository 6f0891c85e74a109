package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ostrenko/parley/internal/pipeline"
	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/search"
	"github.com/ostrenko/parley/internal/session"
	"github.com/ostrenko/parley/internal/storage"
)

type mockAnswerer struct {
	respondFunc func(ctx context.Context, sessionID, query string) (pipeline.Answer, error)
	previewFunc func(sessionID, query string) (queryproc.Result, error)
}

func (m *mockAnswerer) Respond(ctx context.Context, sessionID, query string) (pipeline.Answer, error) {
	return m.respondFunc(ctx, sessionID, query)
}

func (m *mockAnswerer) Preview(sessionID, query string) (queryproc.Result, error) {
	return m.previewFunc(sessionID, query)
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSessions(t *testing.T) *session.Manager {
	t.Helper()
	return session.NewManager(testStore(t), session.ManagerConfig{})
}

func testSearch(t *testing.T) *search.Index {
	t.Helper()
	idx, err := search.Open("")
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestChatEndpoint(t *testing.T) {
	responder := &mockAnswerer{
		respondFunc: func(ctx context.Context, sessionID, query string) (pipeline.Answer, error) {
			if sessionID != "s1" || query != "how do I search flights?" {
				t.Errorf("unexpected call: session=%q query=%q", sessionID, query)
			}
			return pipeline.Answer{
				SessionID:  sessionID,
				Query:      query,
				Answer:     "Use the flight search endpoint. [1]",
				Intent:     "api_usage",
				Confidence: ranking.ConfidenceHigh,
				Sources:    []string{"Flight Search Guide § Searching"},
			}, nil
		},
	}

	h := NewPublicHandler(PublicDeps{Responder: responder})

	body := `{"session_id": "s1", "query": "how do I search flights?"}`
	req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var answer pipeline.Answer
	if err := json.Unmarshal(w.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if answer.Answer != "Use the flight search endpoint. [1]" {
		t.Errorf("Answer = %q", answer.Answer)
	}
	if answer.Confidence != ranking.ConfidenceHigh {
		t.Errorf("Confidence = %q", answer.Confidence)
	}
	if len(answer.Sources) != 1 {
		t.Errorf("Sources = %v", answer.Sources)
	}
}

func TestChatEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid query", pipeline.ErrInvalidQuery, http.StatusBadRequest},
		{"search down", ranking.ErrSearchUnavailable, http.StatusServiceUnavailable},
		{"generation down", pipeline.ErrGenerationUnavailable, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := &mockAnswerer{
				respondFunc: func(ctx context.Context, sessionID, query string) (pipeline.Answer, error) {
					return pipeline.Answer{}, tt.err
				},
			}
			h := NewPublicHandler(PublicDeps{Responder: responder})

			req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(`{"query": "hi"}`))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestChatEndpoint_BadJSON(t *testing.T) {
	h := NewPublicHandler(PublicDeps{Responder: &mockAnswerer{}})

	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	responder := &mockAnswerer{
		previewFunc: func(sessionID, query string) (queryproc.Result, error) {
			return queryproc.Result{
				Original:  query,
				Rewritten: "what baggage rules apply to the booking flow",
				Category:  queryproc.CategoryBookingFlow,
				Topic:     "baggage",
				Entities:  []string{"booking"},
			}, nil
		},
	}
	h := NewPublicHandler(PublicDeps{Responder: responder})

	req := httptest.NewRequest("POST", "/v1/chat/preview", strings.NewReader(`{"query": "what about baggage?"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var got previewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Intent != "booking_flow" {
		t.Errorf("Intent = %q", got.Intent)
	}
	if got.Rewritten == "" {
		t.Error("expected a rewritten query")
	}
}

func TestSearchEndpoint(t *testing.T) {
	idx := testSearch(t)
	err := idx.IndexChunks([]retrieval.Chunk{
		{ID: "c1", DocID: "d1", Section: "Searching", Text: "send a flight search request with origin and destination"},
		{ID: "c2", DocID: "d1", Section: "Booking", Text: "confirm the booking with a passenger manifest"},
	})
	if err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}

	h := NewPublicHandler(PublicDeps{Search: idx})

	req := httptest.NewRequest("GET", "/v1/search?q=flight+search", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Query   string       `json:"query"`
		Results []search.Hit `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one hit")
	}
	if resp.Results[0].ID != "c1" {
		t.Errorf("top hit = %q, want c1", resp.Results[0].ID)
	}
}

func TestSearchEndpoint_MissingQuery(t *testing.T) {
	h := NewPublicHandler(PublicDeps{Search: testSearch(t)})

	req := httptest.NewRequest("GET", "/v1/search", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	sessions := testSessions(t)
	if _, err := sessions.GetOrCreate("s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := sessions.RecordTurn(context.Background(), "s1", session.Turn{
		Query:  "how do I book?",
		Answer: "Call the booking endpoint.",
	}); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	h := NewPublicHandler(PublicDeps{Sessions: sessions})

	// Info
	req := httptest.NewRequest("GET", "/v1/sessions/s1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d, body = %s", w.Code, w.Body.String())
	}
	var info session.Info
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	if info.ID != "s1" || info.Turns != 1 {
		t.Errorf("info = %+v", info)
	}

	// History
	req = httptest.NewRequest("GET", "/v1/sessions/s1/history", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var turns []session.Turn
	if err := json.Unmarshal(w.Body.Bytes(), &turns); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(turns) != 1 || turns[0].Query != "how do I book?" {
		t.Errorf("turns = %+v", turns)
	}

	// Clear
	req = httptest.NewRequest("DELETE", "/v1/sessions/s1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}

	// Gone now.
	req = httptest.NewRequest("GET", "/v1/sessions/s1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status after clear = %d, want 404", w.Code)
	}

	// A second clear has nothing to delete.
	req = httptest.NewRequest("DELETE", "/v1/sessions/s1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("second clear status = %d, want 404", w.Code)
	}
}

func TestSessionEndpoints_NotFound(t *testing.T) {
	h := NewPublicHandler(PublicDeps{Sessions: testSessions(t)})

	for _, path := range []string{"/v1/sessions/nope", "/v1/sessions/nope/history"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}

	req := httptest.NewRequest("DELETE", "/v1/sessions/never-existed", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("DELETE unknown session = %d, want 404", w.Code)
	}
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Error.Type != "not_found" {
		t.Errorf("error type = %q, want not_found", resp.Error.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := NewPublicHandler(PublicDeps{
		Health: func(ctx context.Context) map[string]string {
			return map[string]string{
				"database":     "ok",
				"search_index": "ok (12 chunks)",
				"ollama":       "ok",
				"openrouter":   "configured",
			}
		},
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	components, ok := resp["components"].(map[string]any)
	if !ok {
		t.Fatalf("components missing from %v", resp)
	}
	for _, name := range []string{"database", "search_index", "ollama", "openrouter"} {
		if _, present := components[name]; !present {
			t.Errorf("component %q missing from %v", name, components)
		}
	}
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	h := NewPublicHandler(PublicDeps{
		Health: func(ctx context.Context) map[string]string {
			return map[string]string{"ollama": "unreachable", "database": "ok"}
		},
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}
