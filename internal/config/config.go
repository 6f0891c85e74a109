package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	Ranking RankingConfig
	Session SessionConfig
	Ingest  IngestConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OllamaConfig struct {
	BaseURL    string
	FastModel  string
	DeepModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

// RankingConfig controls how retrieved chunks are scored and cut off.
// The three weights fuse into a single score per chunk; semantic must
// carry the largest weight.
type RankingConfig struct {
	SemanticWeight float64
	KeywordWeight  float64
	MetadataWeight float64
	ScoreFloor     float64
	TopK           int
}

type SessionConfig struct {
	MaxTurns        int
	KeepRecent      int
	MaxIdle         string
	CleanupSchedule string
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	WatchDir     string
}

type LogConfig struct {
	Level string
}

// MaxIdleDuration parses the session idle window. Load validates the
// value, so callers of a loaded Config can ignore the error.
func (s SessionConfig) MaxIdleDuration() (time.Duration, error) {
	return time.ParseDuration(s.MaxIdle)
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			FastModel:  "phi3.5",
			DeepModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-opus-4",
		},
		Ranking: RankingConfig{
			SemanticWeight: 0.6,
			KeywordWeight:  0.25,
			MetadataWeight: 0.15,
			ScoreFloor:     0.65,
			TopK:           5,
		},
		Session: SessionConfig{
			MaxTurns:        5,
			KeepRecent:      3,
			MaxIdle:         "24h",
			CleanupSchedule: "@hourly",
		},
		Ingest: IngestConfig{
			ChunkSize:    500,
			ChunkOverlap: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.parley.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/parley/config.json
// and secrets live in a file next to the data dir.
//
// Environment variables (PARLEY_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The OpenRouter key is optional: without it answers come from the
	// local engine only and remote generation is disabled.
	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(secretService, openRouterAccount); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	r := cfg.Ranking
	if r.SemanticWeight <= 0 || r.KeywordWeight <= 0 || r.MetadataWeight <= 0 {
		return fmt.Errorf("ranking weights must all be positive")
	}
	if r.SemanticWeight <= r.KeywordWeight || r.SemanticWeight <= r.MetadataWeight {
		return fmt.Errorf("ranking.semantic_weight (%v) must exceed the keyword and metadata weights", r.SemanticWeight)
	}
	if r.ScoreFloor <= 0 || r.ScoreFloor >= 1 {
		return fmt.Errorf("ranking.score_floor must be strictly between 0 and 1, got %v", r.ScoreFloor)
	}
	if r.TopK < 1 {
		return fmt.Errorf("ranking.top_k must be at least 1, got %d", r.TopK)
	}

	s := cfg.Session
	if s.MaxTurns < 1 {
		return fmt.Errorf("session.max_turns must be at least 1, got %d", s.MaxTurns)
	}
	if s.KeepRecent < 1 || s.KeepRecent >= s.MaxTurns {
		return fmt.Errorf("session.keep_recent must be between 1 and max_turns-1, got %d", s.KeepRecent)
	}
	if _, err := s.MaxIdleDuration(); err != nil {
		return fmt.Errorf("session.max_idle: %w", err)
	}

	i := cfg.Ingest
	if i.ChunkSize < 1 {
		return fmt.Errorf("ingest.chunk_size must be at least 1, got %d", i.ChunkSize)
	}
	if i.ChunkOverlap < 0 || i.ChunkOverlap >= i.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be between 0 and chunk_size-1, got %d", i.ChunkOverlap)
	}

	return nil
}
