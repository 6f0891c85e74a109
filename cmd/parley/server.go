package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ostrenko/parley/internal/api"
	"github.com/ostrenko/parley/internal/composer"
	"github.com/ostrenko/parley/internal/config"
	"github.com/ostrenko/parley/internal/engine"
	"github.com/ostrenko/parley/internal/ingest"
	"github.com/ostrenko/parley/internal/pipeline"
	"github.com/ostrenko/parley/internal/proxy"
	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/search"
	"github.com/ostrenko/parley/internal/session"
	"github.com/ostrenko/parley/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the parley server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running parley server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show parley system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "parley.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "parley version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("parley is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("parley is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detect and check local inference engine readiness.
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.Ollama.DeepModel, cfg.Ollama.FastModel, cfg.Ollama.EmbedModel); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Retrieval: embeddings plus vector search over doc_chunks.
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)

	// Keyword index, rebuilt from the chunk store so it never drifts.
	searchIdx, err := search.Open(filepath.Join(cfg.Storage.DataDir, "keyword.bleve"))
	if err != nil {
		return fmt.Errorf("opening keyword index: %w", err)
	}
	defer searchIdx.Close()
	records, err := vectorStore.AllChunks()
	if err != nil {
		return fmt.Errorf("loading chunks for keyword index: %w", err)
	}
	chunks := make([]retrieval.Chunk, len(records))
	for i, rec := range records {
		chunks[i] = retrieval.ToChunk(rec)
	}
	if err := searchIdx.Rebuild(chunks); err != nil {
		return fmt.Errorf("rebuilding keyword index: %w", err)
	}
	slog.Info("keyword index ready", "chunks", len(chunks))

	// Answer generation: local deep model, or OpenRouter when a key is
	// configured. Summarization always stays on the local fast model.
	var generator pipeline.Generator
	if cfg.Proxy.OpenRouterAPIKey != "" {
		proxyClient := proxy.NewClient(cfg.Proxy.OpenRouterAPIKey)
		model := cfg.Proxy.DefaultModel
		generator = pipeline.GeneratorFunc(func(genCtx context.Context, system, user string) (string, error) {
			return proxyClient.Complete(genCtx, model, []proxy.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			})
		})
		slog.Info("answer generation via OpenRouter", "model", model)
	} else {
		generator = pipeline.GeneratorFunc(engine.ChatGenerator(eng, cfg.Ollama.DeepModel))
		slog.Info("answer generation via local engine", "model", cfg.Ollama.DeepModel)
	}

	// Build the answer pipeline.
	processor := queryproc.New()
	rankEngine := ranking.New(retriever, ranking.Config{
		Weights: ranking.Weights{
			Semantic: cfg.Ranking.SemanticWeight,
			Keyword:  cfg.Ranking.KeywordWeight,
			Metadata: cfg.Ranking.MetadataWeight,
		},
		Floor: cfg.Ranking.ScoreFloor,
		TopK:  cfg.Ranking.TopK,
	})
	comp := composer.New(0)
	summarizer := pipeline.NewSummarizer(comp, pipeline.GeneratorFunc(engine.ChatGenerator(eng, cfg.Ollama.FastModel)))
	sessions := session.NewManager(store, session.ManagerConfig{
		Summarizer: summarizer,
		MaxTurns:   cfg.Session.MaxTurns,
		KeepRecent: cfg.Session.KeepRecent,
	})
	responder := pipeline.NewResponder(processor, rankEngine, sessions, retriever, comp, generator, slog.Default())

	// Build HTTP handlers: public surface plus bearer-authed management.
	publicHandler := api.NewPublicHandler(api.PublicDeps{
		Responder: responder,
		Sessions:  sessions,
		Search:    searchIdx,
		Health: func(healthCtx context.Context) map[string]string {
			components := map[string]string{
				"database":     "ok",
				"search_index": "ok",
				"ollama":       "ok",
			}
			if err := store.DB().PingContext(healthCtx); err != nil {
				components["database"] = "error"
			}
			if n, err := searchIdx.Count(); err != nil {
				components["search_index"] = "error"
			} else {
				components["search_index"] = fmt.Sprintf("ok (%d chunks)", n)
			}
			if !eng.IsRunning(healthCtx) {
				components["ollama"] = "unreachable"
			}
			if cfg.Proxy.OpenRouterAPIKey != "" {
				components["openrouter"] = "configured"
			}
			return components
		},
	})
	manageHandler := api.NewManageHandler(api.ManageDeps{
		Store:      store,
		Submitter:  ingest.NewSubmitter(store),
		Vectors:    vectorStore,
		Keywords:   searchIdx,
		Sessions:   sessions,
		Token:      apiToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	topRouter := chi.NewRouter()
	topRouter.Mount("/", publicHandler)
	topRouter.Mount("/manage", manageHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Start ingest worker and, when configured, the directory watcher.
	chunker := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	worker := ingest.NewWorker(store, embedder, vectorStore, searchIdx, chunker, 500*time.Millisecond)
	go worker.Run(ctx)

	if cfg.Ingest.WatchDir != "" {
		watcher := ingest.NewWatcher(cfg.Ingest.WatchDir, ingest.NewSubmitter(store), slog.Default())
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watcher stopped", "error", err)
			}
		}()
		slog.Info("watching directory for documents", "dir", cfg.Ingest.WatchDir)
	}

	// Schedule idle session cleanup.
	maxIdle, err := cfg.Session.MaxIdleDuration()
	if err != nil {
		return fmt.Errorf("parsing session max idle: %w", err)
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Session.CleanupSchedule, func() {
		n, err := sessions.CleanupIdle(maxIdle)
		if err != nil {
			slog.Error("session cleanup failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("cleaned up idle sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling session cleanup: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Sessions:  sessions,
		Search:    searchIdx,
		Responder: responder,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "parley listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("parley is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop parley (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to parley (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the local inference engine.
	engineResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Engine", "not running")
	} else {
		engineResp.Body.Close()
		printStatus("Engine", "running at %s", cfg.Ollama.BaseURL)
	}

	// Show models.
	printStatus("Fast model", "%s", cfg.Ollama.FastModel)
	printStatus("Deep model", "%s", cfg.Ollama.DeepModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Proxy.OpenRouterAPIKey != "" {
		printStatus("Cloud model", "%s (OpenRouter)", cfg.Proxy.DefaultModel)
	}

	// Show document/session counts if server is running.
	apiToken, tokenErr := config.GetAPIToken(config.NewKeychain())
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		docsResp, err := apiGet(client, serverURL+"/manage/documents?limit=100", apiToken)
		if err == nil {
			var docs []struct {
				ID string `json:"id"`
			}
			if decodeErr := decodeJSON(docsResp, &docs); decodeErr == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
		}
		sessResp, err := apiGet(client, serverURL+"/manage/sessions?limit=100", apiToken)
		if err == nil {
			var infos []struct {
				ID string `json:"id"`
			}
			if decodeErr := decodeJSON(sessResp, &infos); decodeErr == nil {
				printStatus("Sessions", "%s", countLabel(len(infos), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
