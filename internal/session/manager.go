// Package session manages conversation state: turn history, the rolling
// summary of older turns, and the single-slot retrieval cache each session
// carries. All state lives in SQLite; the manager adds per-session locking
// on top so concurrent requests against one session serialize.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ostrenko/parley/internal/storage"
)

const (
	// DefaultMaxTurns is how many unsummarized turns a session may
	// accumulate before the older ones are folded into the summary.
	DefaultMaxTurns = 5
	// DefaultKeepRecent is how many recent turns stay verbatim after
	// summarization.
	DefaultKeepRecent = 3
)

// Turn is one query/answer exchange.
type Turn struct {
	Position   int       `json:"position"`
	Query      string    `json:"query"`
	Rewritten  string    `json:"rewritten,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Answer     string    `json:"answer"`
	Sources    []string  `json:"sources,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CacheEntry is one ranked chunk reference in the session's retrieval
// cache. Only identifiers and scores are stored; chunk bodies are
// re-hydrated from the vector store on reuse.
type CacheEntry struct {
	ChunkID  string  `json:"chunk_id"`
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
	Metadata float64 `json:"metadata"`
	Fused    float64 `json:"fused"`
	Rank     int     `json:"rank"`
}

// Info is the session metadata surfaced by the API and MCP tools.
type Info struct {
	ID           string    `json:"id"`
	Turns        int       `json:"turns"`
	Summary      string    `json:"summary,omitempty"`
	CachedQuery  string    `json:"cached_query,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Store is the persistence the manager needs; *storage.Store satisfies it.
type Store interface {
	CreateSession(id string) (storage.SessionRecord, error)
	GetSession(id string) (storage.SessionRecord, error)
	TouchSession(id string) error
	SetSessionCache(id, query, cacheJSON string) error
	SetSessionSummary(id, summary string, through int) error
	DeleteSession(id string) error
	DeleteIdleSessions(cutoff time.Time) (int, error)
	ListSessions(limit, offset int) ([]storage.SessionRecord, error)
	AppendTurn(t storage.TurnRecord) (int, error)
	ListTurns(sessionID string) ([]storage.TurnRecord, error)
	CountTurns(sessionID string) (int, error)
}

// Summarizer folds older turns into a compact running summary. The manager
// holds the session lock while it runs, so summarization for one session
// blocks that session only.
type Summarizer interface {
	Summarize(ctx context.Context, existing string, turns []Turn) (string, error)
}

type ManagerConfig struct {
	Summarizer Summarizer // nil disables summarization
	MaxTurns   int
	KeepRecent int
	Logger     *slog.Logger
}

type Manager struct {
	store      Store
	summarizer Summarizer
	maxTurns   int
	keepRecent int
	logger     *slog.Logger

	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:      store,
		summarizer: cfg.Summarizer,
		maxTurns:   cfg.MaxTurns,
		keepRecent: cfg.KeepRecent,
		logger:     cfg.Logger,
		locks:      map[string]*sync.Mutex{},
	}
}

// lockFor returns the mutex for a session, creating it on first use.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.RLock()
	l, ok := m.locks[id]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.locks[id]; ok {
		return l
	}
	l = &sync.Mutex{}
	m.locks[id] = l
	return l
}

// GetOrCreate loads a session, creating it when seen for the first time.
func (m *Manager) GetOrCreate(id string) (storage.SessionRecord, error) {
	rec, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return m.store.CreateSession(id)
	}
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if err := m.store.TouchSession(id); err != nil {
		return storage.SessionRecord{}, err
	}
	return rec, nil
}

// History returns the last n turns in order; n <= 0 returns all of them.
func (m *Manager) History(id string, n int) ([]Turn, error) {
	records, err := m.store.ListTurns(id)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(records))
	for _, r := range records {
		turns = append(turns, turnFromRecord(r))
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// PromptContext returns what answer generation should know about the
// conversation: the rolling summary plus the turns it does not yet cover,
// capped at the recency window.
func (m *Manager) PromptContext(id string) (string, []Turn, error) {
	rec, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	records, err := m.store.ListTurns(id)
	if err != nil {
		return "", nil, err
	}
	if rec.SummarizedThrough < len(records) {
		records = records[rec.SummarizedThrough:]
	} else {
		records = nil
	}
	if len(records) > m.maxTurns {
		records = records[len(records)-m.maxTurns:]
	}

	turns := make([]Turn, 0, len(records))
	for _, r := range records {
		turns = append(turns, turnFromRecord(r))
	}
	return rec.Summary, turns, nil
}

// RecordTurn appends a completed exchange and, once enough unsummarized
// turns pile up, folds the older ones into the summary. The session lock is
// held for the whole operation, including the summarization call.
func (m *Manager) RecordTurn(ctx context.Context, id string, t Turn) (int, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.recordTurn(ctx, id, t)
}

// RecordExchange appends a turn and refreshes the cache slot under a single
// lock acquisition, so a concurrent query cannot slip its own cache write
// between the two. A failed cache write is logged, not returned; the turn
// itself is what must not be lost.
func (m *Manager) RecordExchange(ctx context.Context, id string, t Turn, cacheQuery string, entries []CacheEntry) (int, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	pos, err := m.recordTurn(ctx, id, t)
	if err != nil {
		return 0, err
	}
	if err := m.setCache(id, cacheQuery, entries); err != nil {
		m.logger.Warn("updating session cache", "session", id, "error", err)
	}
	return pos, nil
}

func (m *Manager) recordTurn(ctx context.Context, id string, t Turn) (int, error) {
	sourcesJSON, err := json.Marshal(t.Sources)
	if err != nil {
		return 0, fmt.Errorf("encoding sources: %w", err)
	}
	pos, err := m.store.AppendTurn(storage.TurnRecord{
		SessionID:   id,
		Query:       t.Query,
		Rewritten:   t.Rewritten,
		Intent:      t.Intent,
		Confidence:  t.Confidence,
		Answer:      t.Answer,
		SourcesJSON: string(sourcesJSON),
		CreatedAt:   t.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("appending turn: %w", err)
	}

	m.maybeSummarize(ctx, id)
	return pos, nil
}

// maybeSummarize runs under the session lock held by the caller. A failed
// summarization is logged and the boundary stays put; the next turn will
// retry.
func (m *Manager) maybeSummarize(ctx context.Context, id string) {
	if m.summarizer == nil {
		return
	}
	rec, err := m.store.GetSession(id)
	if err != nil {
		m.logger.Warn("loading session for summarization", "session", id, "error", err)
		return
	}
	count, err := m.store.CountTurns(id)
	if err != nil {
		m.logger.Warn("counting turns for summarization", "session", id, "error", err)
		return
	}

	unsummarized := count - rec.SummarizedThrough
	if unsummarized <= m.maxTurns {
		return
	}

	through := count - m.keepRecent
	if through <= rec.SummarizedThrough {
		return
	}

	records, err := m.store.ListTurns(id)
	if err != nil {
		m.logger.Warn("listing turns for summarization", "session", id, "error", err)
		return
	}
	older := make([]Turn, 0, through-rec.SummarizedThrough)
	for _, r := range records[rec.SummarizedThrough:through] {
		older = append(older, turnFromRecord(r))
	}

	summary, err := m.summarizer.Summarize(ctx, rec.Summary, older)
	if err != nil {
		m.logger.Warn("summarization failed, keeping full history", "session", id, "error", err)
		return
	}
	if err := m.store.SetSessionSummary(id, summary, through); err != nil {
		m.logger.Warn("storing summary", "session", id, "error", err)
		return
	}
	m.logger.Debug("session summarized", "session", id, "through", through, "kept", count-through)
}

// Cache returns the session's cached retrieval slot. ok is false when the
// session has no cache yet or the stored payload cannot be decoded.
func (m *Manager) Cache(id string) (query string, entries []CacheEntry, ok bool) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := m.store.GetSession(id)
	if err != nil || rec.CacheJSON == "" {
		return "", nil, false
	}
	if err := json.Unmarshal([]byte(rec.CacheJSON), &entries); err != nil {
		return "", nil, false
	}
	return rec.CachedQuery, entries, true
}

// SetCache overwrites the single cache slot with a fresh retrieval result.
// Last write wins; an empty result set is still a valid cache value.
func (m *Manager) SetCache(id, query string, entries []CacheEntry) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.setCache(id, query, entries)
}

// setCache writes the cache slot; callers hold the session lock.
func (m *Manager) setCache(id, query string, entries []CacheEntry) error {
	if entries == nil {
		entries = []CacheEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	return m.store.SetSessionCache(id, query, string(payload))
}

// Clear removes a session and everything it holds. found is false when no
// such session existed; clearing twice is safe.
func (m *Manager) Clear(id string) (found bool, err error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	err = m.store.DeleteSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
	return true, nil
}

// Info reports session metadata; storage.ErrNotFound when it doesn't exist.
func (m *Manager) Info(id string) (Info, error) {
	rec, err := m.store.GetSession(id)
	if err != nil {
		return Info{}, err
	}
	count, err := m.store.CountTurns(id)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:           rec.ID,
		Turns:        count,
		Summary:      rec.Summary,
		CachedQuery:  rec.CachedQuery,
		CreatedAt:    rec.CreatedAt,
		LastAccessed: rec.LastAccessed,
	}, nil
}

// Recent lists sessions by last access, newest first.
func (m *Manager) Recent(limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 20
	}
	records, err := m.store.ListSessions(limit, 0)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		count, err := m.store.CountTurns(rec.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{
			ID:           rec.ID,
			Turns:        count,
			Summary:      rec.Summary,
			CachedQuery:  rec.CachedQuery,
			CreatedAt:    rec.CreatedAt,
			LastAccessed: rec.LastAccessed,
		})
	}
	return infos, nil
}

// CleanupIdle removes sessions idle longer than maxIdle and their lock
// entries, returning how many were deleted.
func (m *Manager) CleanupIdle(maxIdle time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxIdle)
	n, err := m.store.DeleteIdleSessions(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// Drop locks for sessions that no longer exist.
		m.mu.Lock()
		for id := range m.locks {
			if _, err := m.store.GetSession(id); errors.Is(err, storage.ErrNotFound) {
				delete(m.locks, id)
			}
		}
		m.mu.Unlock()
	}
	return n, nil
}

func turnFromRecord(r storage.TurnRecord) Turn {
	t := Turn{
		Position:   r.Position,
		Query:      r.Query,
		Rewritten:  r.Rewritten,
		Intent:     r.Intent,
		Confidence: r.Confidence,
		Answer:     r.Answer,
		CreatedAt:  r.CreatedAt,
	}
	if r.SourcesJSON != "" {
		// malformed sources degrade to none rather than failing the read
		_ = json.Unmarshal([]byte(r.SourcesJSON), &t.Sources)
	}
	return t
}
