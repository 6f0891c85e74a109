// Package pipeline orchestrates a full question/answer exchange: query
// processing, hybrid retrieval (or cache reuse), prompt composition,
// generation, and session bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ostrenko/parley/internal/composer"
	"github.com/ostrenko/parley/internal/queryproc"
	"github.com/ostrenko/parley/internal/ranking"
	"github.com/ostrenko/parley/internal/retrieval"
	"github.com/ostrenko/parley/internal/session"
)

var (
	// ErrInvalidQuery marks requests rejected before any work happens.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrGenerationUnavailable marks answer generation failures. The turn
	// is not recorded and the session cache is left untouched.
	ErrGenerationUnavailable = errors.New("generation unavailable")
)

const (
	maxSessionIDLen = 100
	maxQueryLen     = 2000
	historyWindow   = 10
)

// Generator produces model text from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, system, user string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Answer is the outcome of one exchange.
type Answer struct {
	SessionID   string             `json:"session_id"`
	Query       string             `json:"query"`
	Rewritten   string             `json:"rewritten,omitempty"`
	Intent      string             `json:"intent"`
	IsMeta      bool               `json:"is_meta,omitempty"`
	CacheReused bool               `json:"cache_reused,omitempty"`
	Answer      string             `json:"answer"`
	Confidence  ranking.Confidence `json:"confidence"`
	Sources     []string           `json:"sources,omitempty"`
	Results     []ranking.Result   `json:"-"`
	DurationMs  int64              `json:"duration_ms"`
}

// Responder wires the whole pipeline together.
type Responder struct {
	processor *queryproc.Processor
	engine    *ranking.Engine
	sessions  *session.Manager
	retriever *retrieval.Retriever
	composer  *composer.Composer
	generator Generator
	logger    *slog.Logger
}

func NewResponder(
	processor *queryproc.Processor,
	engine *ranking.Engine,
	sessions *session.Manager,
	retriever *retrieval.Retriever,
	comp *composer.Composer,
	generator Generator,
	logger *slog.Logger,
) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		processor: processor,
		engine:    engine,
		sessions:  sessions,
		retriever: retriever,
		composer:  comp,
		generator: generator,
		logger:    logger,
	}
}

// Respond answers one query within a session.
//
// Smalltalk gets a canned reply without touching retrieval. Meta-queries
// ("summarize that") reuse the session's cached retrieval when present.
// Everything else runs fresh retrieval; a successful retrieval always
// overwrites the cache slot, even when it comes back empty, while failures
// leave both cache and history untouched.
func (r *Responder) Respond(ctx context.Context, sessionID, query string) (Answer, error) {
	start := time.Now()

	sessionID, query, err := validate(sessionID, query)
	if err != nil {
		return Answer{}, err
	}

	if _, err := r.sessions.GetOrCreate(sessionID); err != nil {
		return Answer{}, fmt.Errorf("loading session: %w", err)
	}

	history, err := r.sessions.History(sessionID, historyWindow)
	if err != nil {
		return Answer{}, fmt.Errorf("loading history: %w", err)
	}

	processed := r.processor.Process(query, priorTurns(history))

	ans := Answer{
		SessionID: sessionID,
		Query:     query,
		Rewritten: processed.Rewritten,
		Intent:    string(processed.Category),
		IsMeta:    processed.IsMeta,
	}

	if processed.Conversational {
		reply, _ := composer.ConversationalReply(processed.ConversationKind)
		ans.Answer = reply
		ans.Confidence = ranking.ConfidenceNone
		ans.DurationMs = time.Since(start).Milliseconds()
		if _, err := r.sessions.RecordTurn(ctx, sessionID, turnFromAnswer(ans)); err != nil {
			return Answer{}, fmt.Errorf("recording turn: %w", err)
		}
		return ans, nil
	}

	var results []ranking.Result
	var confidence ranking.Confidence
	fresh := true

	if processed.IsMeta {
		if cached, ok := r.reuseCache(ctx, sessionID); ok {
			results = cached
			confidence = ranking.Grade(cached)
			fresh = false
			ans.CacheReused = true
		}
	}

	if fresh {
		results, confidence, err = r.engine.Retrieve(ctx, processed.Rewritten, processed.Entities, processed.Category)
		if err != nil {
			return Answer{}, err
		}
	}

	ans.Confidence = confidence

	if len(results) == 0 {
		ans.Answer = composer.NoContextMessage
		return r.finish(ctx, start, ans, results, fresh)
	}

	summary, recent, err := r.sessions.PromptContext(sessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("loading conversation context: %w", err)
	}

	system, user := r.composer.BuildAnswerPrompt(processed.Rewritten, results, summary, recent)
	text, err := r.generator.Generate(ctx, system, user)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	ans.Answer = strings.TrimSpace(text)
	ans.Sources = composer.SourceLabels(results)
	return r.finish(ctx, start, ans, results, fresh)
}

// finish records the turn, updates the cache for fresh retrievals, and
// logs the exchange.
func (r *Responder) finish(ctx context.Context, start time.Time, ans Answer, results []ranking.Result, fresh bool) (Answer, error) {
	ans.Results = results
	ans.DurationMs = time.Since(start).Milliseconds()

	if fresh {
		if _, err := r.sessions.RecordExchange(ctx, ans.SessionID, turnFromAnswer(ans), ans.Rewritten, cacheEntries(results)); err != nil {
			return Answer{}, fmt.Errorf("recording turn: %w", err)
		}
	} else if _, err := r.sessions.RecordTurn(ctx, ans.SessionID, turnFromAnswer(ans)); err != nil {
		return Answer{}, fmt.Errorf("recording turn: %w", err)
	}

	r.logger.Info("query answered",
		"session", ans.SessionID,
		"intent", ans.Intent,
		"confidence", ans.Confidence,
		"chunks", len(results),
		"cache_reused", ans.CacheReused,
		"duration_ms", ans.DurationMs,
	)
	return ans, nil
}

// Preview runs query processing only, without retrieval or generation.
func (r *Responder) Preview(sessionID, query string) (queryproc.Result, error) {
	sessionID, query, err := validate(sessionID, query)
	if err != nil {
		return queryproc.Result{}, err
	}
	history, err := r.sessions.History(sessionID, historyWindow)
	if err != nil {
		return queryproc.Result{}, fmt.Errorf("loading history: %w", err)
	}
	return r.processor.Process(query, priorTurns(history)), nil
}

// reuseCache re-hydrates the session's cached retrieval. Chunks deleted
// since the cache was written are skipped; a cache that re-hydrates to
// nothing counts as a miss.
func (r *Responder) reuseCache(ctx context.Context, sessionID string) ([]ranking.Result, bool) {
	_, entries, ok := r.sessions.Cache(sessionID)
	if !ok || len(entries) == 0 {
		return nil, false
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ChunkID)
	}
	chunks, err := r.retriever.GetByIDs(ctx, ids)
	if err != nil {
		r.logger.Warn("re-hydrating cache", "session", sessionID, "error", err)
		return nil, false
	}

	byID := make(map[string]retrieval.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	var results []ranking.Result
	for _, e := range entries {
		c, found := byID[e.ChunkID]
		if !found {
			continue
		}
		results = append(results, ranking.Result{
			Chunk:    c,
			Semantic: e.Semantic,
			Keyword:  e.Keyword,
			Metadata: e.Metadata,
			Fused:    e.Fused,
			Rank:     e.Rank,
		})
	}
	if len(results) == 0 {
		return nil, false
	}
	return results, true
}

func validate(sessionID, query string) (string, string, error) {
	sessionID = strings.TrimSpace(sessionID)
	query = strings.TrimSpace(query)
	if sessionID == "" || len(sessionID) > maxSessionIDLen {
		return "", "", fmt.Errorf("%w: session id must be 1-%d characters", ErrInvalidQuery, maxSessionIDLen)
	}
	if query == "" || len(query) > maxQueryLen {
		return "", "", fmt.Errorf("%w: query must be 1-%d characters", ErrInvalidQuery, maxQueryLen)
	}
	return sessionID, query, nil
}

func priorTurns(history []session.Turn) []queryproc.PriorTurn {
	prior := make([]queryproc.PriorTurn, 0, len(history))
	for _, t := range history {
		q := t.Rewritten
		if q == "" {
			q = t.Query
		}
		prior = append(prior, queryproc.PriorTurn{Query: q})
	}
	return prior
}

func turnFromAnswer(a Answer) session.Turn {
	return session.Turn{
		Query:      a.Query,
		Rewritten:  a.Rewritten,
		Intent:     a.Intent,
		Confidence: string(a.Confidence),
		Answer:     a.Answer,
		Sources:    a.Sources,
	}
}

func cacheEntries(results []ranking.Result) []session.CacheEntry {
	entries := make([]session.CacheEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, session.CacheEntry{
			ChunkID:  r.ID,
			Semantic: r.Semantic,
			Keyword:  r.Keyword,
			Metadata: r.Metadata,
			Fused:    r.Fused,
			Rank:     r.Rank,
		})
	}
	return entries
}
