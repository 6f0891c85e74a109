package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ostrenko/parley/internal/ingest"
	"github.com/ostrenko/parley/internal/pipeline"
	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := testStore(t)

	responder := &mockAnswerer{
		respondFunc: func(ctx context.Context, sessionID, query string) (pipeline.Answer, error) {
			return pipeline.Answer{
				SessionID:  sessionID,
				Query:      query,
				Answer:     "Use the search endpoint. [1]",
				Intent:     "api_usage",
				Confidence: ranking.ConfidenceHigh,
			}, nil
		},
		previewFunc: func(sessionID, query string) (queryproc.Result, error) {
			return queryproc.Result{
				Original: query,
				Category: queryproc.CategoryAPIUsage,
			}, nil
		},
	}

	return MCPDeps{
		Store:     store,
		Sessions:  testSessions(t),
		Search:    testSearch(t),
		Responder: responder,
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Ask(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	req := makeCallToolRequest("ask", map[string]interface{}{
		"query": "how do I search flights?",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var answer pipeline.Answer
	if err := json.Unmarshal([]byte(toolText(t, result)), &answer); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if answer.SessionID != defaultMCPSession {
		t.Errorf("SessionID = %q, want %q", answer.SessionID, defaultMCPSession)
	}
	if answer.Answer == "" {
		t.Error("expected a non-empty answer")
	}
}

func TestMCPTool_Ask_MissingQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result")
	}
}

func TestMCPTool_SearchDocs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	err := deps.Search.IndexChunks([]retrieval.Chunk{
		{ID: "c1", DocID: "d1", Section: "Searching", Text: "send a flight search request"},
	})
	if err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}
	handler := mcpSearchDocs(deps)

	req := makeCallToolRequest("search_docs", map[string]interface{}{
		"query": "flight search",
		"limit": 5,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var hits []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}

func TestMCPTool_SearchDocs_EmptyResult(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSearchDocs(deps)

	req := makeCallToolRequest("search_docs", map[string]interface{}{
		"query": "nonexistent topic",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_PreviewQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpPreviewQuery(deps)

	req := makeCallToolRequest("preview_query", map[string]interface{}{
		"query": "how do I search?",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var preview previewResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &preview); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if preview.Intent != "api_usage" {
		t.Errorf("Intent = %q", preview.Intent)
	}
}

func TestMCPTool_SessionInfoAndClear(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := deps.Sessions.GetOrCreate("s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	result, err := mcpSessionInfo(deps)(context.Background(), makeCallToolRequest("session_info", map[string]interface{}{
		"session_id": "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &info); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if info["id"] != "s1" {
		t.Errorf("id = %v", info["id"])
	}

	result, err = mcpClearSession(deps)(context.Background(), makeCallToolRequest("clear_session", map[string]interface{}{
		"session_id": "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	result, err = mcpSessionInfo(deps)(context.Background(), makeCallToolRequest("session_info", map[string]interface{}{
		"session_id": "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error for the cleared session")
	}

	// Clearing again finds nothing to delete.
	result, err = mcpClearSession(deps)(context.Background(), makeCallToolRequest("clear_session", map[string]interface{}{
		"session_id": "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error clearing a missing session")
	}
}

func TestMCPResource_Catalog(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	submitter := ingest.NewSubmitter(store)
	if _, err := submitter.Submit("Fare Guide", "docs/fares.md", ingest.KindMarkdown, "Fare rules."); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	handler := mcpResourceCatalog(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("docs://catalog"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	text := contents[0].(mcp.TextResourceContents).Text
	var entries []map[string]any
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		t.Fatalf("failed to parse catalog: %v", err)
	}
	if len(entries) != 1 || entries[0]["title"] != "Fare Guide" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestMCPResource_RecentSessions(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if _, err := deps.Sessions.GetOrCreate("s1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	handler := mcpResourceSessions(deps)
	contents, err := handler(context.Background(), makeReadResourceRequest("sessions://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var infos []map[string]any
	if err := json.Unmarshal([]byte(text), &infos); err != nil {
		t.Fatalf("failed to parse sessions: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
}
