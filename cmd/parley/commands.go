package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ostrenko/parley/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the documentation",
	Long: `Ask a question about the vendor documentation.

Examples:
  parley ask "how do I search for flights?"
  parley ask --session planning "what about one-way fares?"
  parley ask --preview "does the booking API support refunds?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		preview, _ := cmd.Flags().GetBool("preview")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"session_id": sessionID, "query": query}

		if preview {
			resp, err := client.post(cmd.Context(), "/v1/chat/preview", body)
			if err != nil {
				return err
			}
			var result any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		resp, err := client.post(cmd.Context(), "/v1/chat", body)
		if err != nil {
			return err
		}

		var answer struct {
			Answer     string   `json:"answer"`
			Intent     string   `json:"intent"`
			Confidence string   `json:"confidence"`
			Sources    []string `json:"sources"`
			DurationMs int64    `json:"duration_ms"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		fmt.Println(answer.Answer)
		if len(answer.Sources) > 0 {
			fmt.Println()
			for i, src := range answer.Sources {
				fmt.Printf("  [%d] %s\n", i+1, src)
			}
		}
		printStatus("Confidence", "%s (%dms)", answer.Confidence, answer.DurationMs)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "cli", "session to carry follow-up context")
	askCmd.Flags().Bool("preview", false, "show how the question would be interpreted without answering")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Keyword search over the documentation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				ID       string  `json:"id"`
				DocID    string  `json:"doc_id"`
				Section  string  `json:"section"`
				Score    float64 `json:"score"`
				Fragment string  `json:"fragment"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d — %s", i+1, r.Section)), r.Score)
			fragment := r.Fragment
			if len(fragment) > 500 {
				fragment = fragment[:500] + "..."
			}
			fmt.Printf("  %s\n", fragment)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documentation into the knowledge base",
	Long: `Ingest documentation into the knowledge base.

Examples:
  parley ingest --file ./docs/booking-api.md --title "Booking API"
  parley ingest --url https://vendor.example.com/docs/fares
  parley ingest --text "Refunds are processed within 7 days." --title "Refund note"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		fetchURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")

		if text == "" && fetchURL == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{}
		if title != "" {
			req["title"] = title
		}
		if kind != "" {
			req["kind"] = kind
		}

		switch {
		case text != "":
			req["content"] = text
		case fetchURL != "":
			req["url"] = fetchURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["content"] = string(data)
			req["source"] = file
			if title == "" {
				req["title"] = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/manage/ingest", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("kind", "", "content kind: markdown, text, html, or pdf")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage ingested documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/manage/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Kind   string `json:"kind"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			title := d.Title
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			fmt.Printf("%s  %-10s %-8s %s\n", colorize(colorCyan, d.ID[:8]), d.Status, d.Kind, title)
		}
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/manage/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/manage/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/manage/sessions?limit=%d", limit))
		if err != nil {
			return err
		}

		var infos []struct {
			ID           string `json:"id"`
			Turns        int    `json:"turns"`
			LastAccessed string `json:"last_accessed"`
		}
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}

		if len(infos) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		for _, s := range infos {
			fmt.Printf("%s  %3d turns  %s\n", colorize(colorCyan, s.ID), s.Turns, s.LastAccessed)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+args[0]+"/history")
		if err != nil {
			return err
		}

		var turns []struct {
			Position int    `json:"position"`
			Query    string `json:"query"`
			Answer   string `json:"answer"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		for _, t := range turns {
			fmt.Printf("%s %s\n", colorize(colorBold, fmt.Sprintf("[%d] Q:", t.Position)), t.Query)
			fmt.Printf("    A: %s\n\n", t.Answer)
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared session %s", args[0])
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the keyword index from stored chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/manage/reindex", nil)
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
			Chunks int    `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Rebuilt keyword index (%d chunks)", result.Chunks)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export or purge stored data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all documents and sessions as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer *os.File
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}

		enc := json.NewEncoder(writer)

		// Export documents with content.
		offset := 0
		for {
			resp, err := client.get(cmd.Context(), fmt.Sprintf("/manage/documents?limit=100&offset=%d", offset))
			if err != nil {
				return err
			}
			var docs []struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &docs); err != nil {
				return err
			}
			if len(docs) == 0 {
				break
			}
			for _, d := range docs {
				detailResp, err := client.get(cmd.Context(), "/manage/documents/"+d.ID)
				if err != nil {
					return err
				}
				var detail any
				if err := decodeJSON(detailResp, &detail); err != nil {
					return err
				}
				enc.Encode(map[string]any{"type": "document", "data": detail})
			}
			offset += len(docs)
		}

		// Export sessions with history.
		resp, err := client.get(cmd.Context(), "/manage/sessions?limit=100")
		if err != nil {
			return err
		}
		var infos []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}
		for _, s := range infos {
			histResp, err := client.get(cmd.Context(), "/v1/sessions/"+s.ID+"/history")
			if err != nil {
				return err
			}
			var turns any
			if err := decodeJSON(histResp, &turns); err != nil {
				return err
			}
			enc.Encode(map[string]any{"type": "session", "id": s.ID, "data": turns})
		}

		if output != "" {
			printSuccess("Data exported to %s", output)
		}
		return nil
	},
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all documents and sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Deleting documents...")
		docFailures, err := purgeEndpoint(cmd.Context(), client, "/manage/documents", "/manage/documents")
		if err != nil {
			return err
		}

		printStep("Deleting sessions...")
		sessionFailures, err := purgeEndpoint(cmd.Context(), client, "/manage/sessions", "/v1/sessions")
		if err != nil {
			return err
		}

		if failures := docFailures + sessionFailures; failures > 0 {
			printWarning("Purge finished with %d failures", failures)
			return nil
		}
		printSuccess("All data purged")
		return nil
	},
}

// purgeEndpoint lists records in pages and deletes them one by one,
// returning the number of deletes that failed.
func purgeEndpoint(ctx context.Context, client *apiClient, listPath, deletePrefix string) (int, error) {
	failures := 0
	for {
		resp, err := client.get(ctx, listPath+"?limit=100")
		if err != nil {
			return failures, err
		}
		var items []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return failures, err
		}
		if len(items) == 0 {
			return failures, nil
		}

		deleted := 0
		for _, item := range items {
			resp, err := client.delete(ctx, deletePrefix+"/"+item.ID)
			if err != nil {
				return failures, err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				printError("Failed to delete %s: %v", item.ID, err)
				failures++
				continue
			}
			deleted++
		}
		// Every remaining delete failed; stop instead of spinning on the
		// same page forever.
		if deleted == 0 {
			return failures, nil
		}
	}
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataPurgeCmd)
}
