package config

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]string
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, err
	}
	return i, true, nil
}

func (b *mapBackend) SetString(key, val string) error {
	b.data[key] = val
	return nil
}

func (b *mapBackend) SetInt(key string, val int) error {
	b.data[key] = strconv.Itoa(val)
	return nil
}

func (b *mapBackend) Delete(key string) error {
	delete(b.data, key)
	return nil
}

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	getErr error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

func emptyBackend() *mapBackend {
	return &mapBackend{data: map[string]string{}}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if s.env != "" {
			t.Setenv(s.env, "")
		}
	}
	t.Setenv("PARLEY_API_TOKEN", "")
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(emptyBackend(), &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("Server.MCPPort = %d, want 4001", cfg.Server.MCPPort)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Ranking.SemanticWeight != 0.6 || cfg.Ranking.KeywordWeight != 0.25 || cfg.Ranking.MetadataWeight != 0.15 {
		t.Errorf("ranking weights = %v/%v/%v, want 0.6/0.25/0.15",
			cfg.Ranking.SemanticWeight, cfg.Ranking.KeywordWeight, cfg.Ranking.MetadataWeight)
	}
	if cfg.Ranking.ScoreFloor != 0.65 {
		t.Errorf("Ranking.ScoreFloor = %v, want 0.65", cfg.Ranking.ScoreFloor)
	}
	if cfg.Ranking.TopK != 5 {
		t.Errorf("Ranking.TopK = %d, want 5", cfg.Ranking.TopK)
	}
	if cfg.Session.MaxTurns != 5 || cfg.Session.KeepRecent != 3 {
		t.Errorf("session = %d/%d, want 5/3", cfg.Session.MaxTurns, cfg.Session.KeepRecent)
	}
	if cfg.Session.CleanupSchedule != "@hourly" {
		t.Errorf("Session.CleanupSchedule = %q, want @hourly", cfg.Session.CleanupSchedule)
	}
	if cfg.Ingest.ChunkSize != 500 || cfg.Ingest.ChunkOverlap != 100 {
		t.Errorf("ingest = %d/%d, want 500/100", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Proxy.OpenRouterAPIKey != "" {
		t.Errorf("OpenRouterAPIKey = %q, want empty", cfg.Proxy.OpenRouterAPIKey)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := &mapBackend{data: map[string]string{
		"server.port":             "5000",
		"ollama.deep_model":       "llama3.1",
		"ranking.score_floor":     "0.7",
		"ranking.top_k":           "8",
		"session.max_turns":       "10",
		"session.max_idle":        "48h",
		"ingest.watch_dir":        "/srv/docs",
		"log.level":               "debug",
	}}

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.DeepModel != "llama3.1" {
		t.Errorf("Ollama.DeepModel = %q", cfg.Ollama.DeepModel)
	}
	if cfg.Ranking.ScoreFloor != 0.7 {
		t.Errorf("Ranking.ScoreFloor = %v, want 0.7", cfg.Ranking.ScoreFloor)
	}
	if cfg.Ranking.TopK != 8 {
		t.Errorf("Ranking.TopK = %d, want 8", cfg.Ranking.TopK)
	}
	if cfg.Session.MaxTurns != 10 {
		t.Errorf("Session.MaxTurns = %d, want 10", cfg.Session.MaxTurns)
	}
	if cfg.Session.MaxIdle != "48h" {
		t.Errorf("Session.MaxIdle = %q, want 48h", cfg.Session.MaxIdle)
	}
	if cfg.Ingest.WatchDir != "/srv/docs" {
		t.Errorf("Ingest.WatchDir = %q", cfg.Ingest.WatchDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARLEY_SERVER_PORT", "6000")
	t.Setenv("PARLEY_RANKING_SEMANTIC_WEIGHT", "0.8")
	t.Setenv("PARLEY_OPENROUTER_API_KEY", "env-key")

	b := &mapBackend{data: map[string]string{
		"server.port": "5000",
	}}

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
	if cfg.Ranking.SemanticWeight != 0.8 {
		t.Errorf("Ranking.SemanticWeight = %v, want 0.8", cfg.Ranking.SemanticWeight)
	}
	if cfg.Proxy.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Proxy.OpenRouterAPIKey)
	}
}

func TestKeychainFallbackForAPIKey(t *testing.T) {
	clearEnv(t)

	kc := &mockKeychain{values: map[string]string{
		"parley/openrouter_api_key": "keychain-secret",
	}}
	cfg, err := loadWith(emptyBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Proxy.OpenRouterAPIKey != "keychain-secret" {
		t.Errorf("OpenRouterAPIKey = %q, want keychain-secret", cfg.Proxy.OpenRouterAPIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]string
		wantErr string
	}{
		{
			name:    "semantic weight must dominate",
			data:    map[string]string{"ranking.keyword_weight": "0.9"},
			wantErr: "semantic_weight",
		},
		{
			name:    "negative weight",
			data:    map[string]string{"ranking.metadata_weight": "-0.1"},
			wantErr: "positive",
		},
		{
			name:    "floor out of range",
			data:    map[string]string{"ranking.score_floor": "1.5"},
			wantErr: "score_floor",
		},
		{
			name:    "top_k too small",
			data:    map[string]string{"ranking.top_k": "0"},
			wantErr: "top_k",
		},
		{
			name:    "keep_recent exceeds max_turns",
			data:    map[string]string{"session.keep_recent": "5"},
			wantErr: "keep_recent",
		},
		{
			name:    "bad idle window",
			data:    map[string]string{"session.max_idle": "soon"},
			wantErr: "max_idle",
		},
		{
			name:    "overlap exceeds chunk size",
			data:    map[string]string{"ingest.chunk_overlap": "500"},
			wantErr: "chunk_overlap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := loadWith(&mapBackend{data: tt.data}, &mockKeychain{})
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetAPITokenGeneratesOnce(t *testing.T) {
	t.Setenv("PARLEY_API_TOKEN", "")

	kc := &mockKeychain{}
	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok))
	}

	again, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != tok {
		t.Errorf("second call returned a different token")
	}
}

func TestGetAPITokenEnvOverride(t *testing.T) {
	t.Setenv("PARLEY_API_TOKEN", "fixed-token")

	tok, err := GetAPIToken(&mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "fixed-token" {
		t.Errorf("token = %q, want fixed-token", tok)
	}
}

func TestSetKey(t *testing.T) {
	if err := SetKey("nope.nothing", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey("proxy.openrouter_api_key", "x"); err == nil {
		t.Error("expected error for secret key")
	}
}
