package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PARLEY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "PARLEY_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "ollama.base_url", typ: kString, env: "PARLEY_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "PARLEY_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.deep_model", typ: kString, env: "PARLEY_OLLAMA_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DeepModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "PARLEY_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PARLEY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "PARLEY_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "PARLEY_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "ranking.semantic_weight", typ: kFloat, env: "PARLEY_RANKING_SEMANTIC_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.SemanticWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.SemanticWeight },
	},
	{
		key: "ranking.keyword_weight", typ: kFloat, env: "PARLEY_RANKING_KEYWORD_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.KeywordWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.KeywordWeight },
	},
	{
		key: "ranking.metadata_weight", typ: kFloat, env: "PARLEY_RANKING_METADATA_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.MetadataWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.MetadataWeight },
	},
	{
		key: "ranking.score_floor", typ: kFloat, env: "PARLEY_RANKING_SCORE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Ranking.ScoreFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.ScoreFloor },
	},
	{
		key: "ranking.top_k", typ: kInt, env: "PARLEY_RANKING_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Ranking.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Ranking.TopK },
	},
	{
		key: "session.max_turns", typ: kInt, env: "PARLEY_SESSION_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.MaxTurns },
	},
	{
		key: "session.keep_recent", typ: kInt, env: "PARLEY_SESSION_KEEP_RECENT",
		apply:   func(cfg *Config, v any) { cfg.Session.KeepRecent = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.KeepRecent },
	},
	{
		key: "session.max_idle", typ: kString, env: "PARLEY_SESSION_MAX_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxIdle = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.MaxIdle },
	},
	{
		key: "session.cleanup_schedule", typ: kString, env: "PARLEY_SESSION_CLEANUP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Session.CleanupSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.CleanupSchedule },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "PARLEY_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "PARLEY_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.watch_dir", typ: kString, env: "PARLEY_INGEST_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchDir },
	},
	{
		key: "log.level", typ: kString, env: "PARLEY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
