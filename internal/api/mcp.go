package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ostrenko/parley/internal/search"
	"github.com/ostrenko/parley/internal/session"
	"github.com/ostrenko/parley/internal/storage"
)

// defaultMCPSession is the session used by MCP clients that do not pass
// their own session identifier.
const defaultMCPSession = "mcp"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Sessions  *session.Manager
	Search    *search.Index
	Responder Answerer
}

// NewMCPServer creates an MCP server with all parley tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"parley",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("parley — vendor documentation Q&A with session memory over a local knowledge base."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about the vendor documentation. Answers carry numbered source citations and a confidence grade."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session for follow-up context (default \"mcp\")")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_docs",
			mcp.WithDescription("Keyword search over the ingested documentation chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDocs(deps),
	)

	s.AddTool(
		mcp.NewTool("preview_query",
			mcp.WithDescription("Show how a question would be interpreted (intent, rewrite, entities) without answering it."),
			mcp.WithString("query", mcp.Description("The question to analyze"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session whose history informs the rewrite (default \"mcp\")")),
		),
		mcpPreviewQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("session_info",
			mcp.WithDescription("Inspect a conversation session: turn count, running summary, cached query."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
		),
		mcpSessionInfo(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_session",
			mcp.WithDescription("Delete a conversation session and its history."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
		),
		mcpClearSession(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"docs://catalog",
			"Document Catalog",
			mcp.WithResourceDescription("Ingested documentation sources and their indexing status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalog(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sessions://recent",
			"Recent Sessions",
			mcp.WithResourceDescription("Recently active conversation sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		sessionID := req.GetString("session_id", defaultMCPSession)

		answer, err := deps.Responder.Respond(ctx, sessionID, query)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Search.Search(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPreviewQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		sessionID := req.GetString("session_id", defaultMCPSession)

		res, err := deps.Responder.Preview(sessionID, query)
		if err != nil {
			return mcpError(fmt.Sprintf("preview failed: %v", err)), nil
		}

		b, err := json.Marshal(previewResponse{
			Original:         res.Original,
			Rewritten:        res.Rewritten,
			Intent:           string(res.Category),
			IsMeta:           res.IsMeta,
			Topic:            res.Topic,
			Entities:         res.Entities,
			Conversational:   res.Conversational,
			ConversationKind: res.ConversationKind,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal preview: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionInfo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		info, err := deps.Sessions.Info(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("session lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(info)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal session: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		found, err := deps.Sessions.Clear(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to clear session: %v", err)), nil
		}
		if !found {
			return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		return mcpText(fmt.Sprintf("Cleared session %s", sessionID)), nil
	}
}

func mcpResourceCatalog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(100, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docEntry struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Source    string `json:"source,omitempty"`
			Kind      string `json:"kind"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}

		entries := make([]docEntry, len(docs))
		for i, d := range docs {
			title := d.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			entries[i] = docEntry{
				ID:        d.ID,
				Title:     title,
				Source:    d.Source,
				Kind:      d.Kind,
				Status:    d.Status,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		infos, err := deps.Sessions.Recent(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
