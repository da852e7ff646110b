// Package config loads engram configuration: defaults, then the TOML
// file, then ENGRAM_* environment overrides (env wins). Configuration is
// always explicit; nothing is sniffed from the environment beyond the
// named overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Dedup     DedupConfig     `toml:"dedup"`
	Search    SearchConfig    `toml:"search"`
	Digest    DigestConfig    `toml:"digest"`
	Guards    GuardsConfig    `toml:"guards"`
	Lock      LockConfig      `toml:"lock"`
	Observer  ObserverConfig  `toml:"observer"`
	Report    ReportConfig    `toml:"report"`

	// Categories replaces the default key category set when non-empty.
	Categories []string `toml:"categories"`
	// TypeMappings resolves a search type tag to a set of key prefixes.
	TypeMappings map[string][]string `toml:"type_mappings"`
}

type DatabaseConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
	// LedgerPath is the processed-source ledger file.
	LedgerPath string `toml:"ledger_path"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	Dimension int    `toml:"dimension"`
	APIKey    string `toml:"api_key"`
	BatchSize int    `toml:"batch_size"`
}

type DedupConfig struct {
	Enabled             bool    `toml:"enabled"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	MaxCandidates       int     `toml:"max_candidates"`
}

type SearchConfig struct {
	VectorThreshold float64 `toml:"vector_threshold"`
	VectorWeight    float64 `toml:"vector_weight"`
	BM25Weight      float64 `toml:"bm25_weight"`
	BM25Bonus       float64 `toml:"bm25_bonus"`
}

type DigestConfig struct {
	MinCountForL0     int      `toml:"min_count_for_l0"`
	MaxCategoriesInL0 int      `toml:"max_categories_in_l0"`
	ShownCategories   []string `toml:"shown_categories"`
	PinnedKeys        []string `toml:"pinned_keys"`
}

type GuardsConfig struct {
	MinFreeMB         int `toml:"min_free_mb"`
	MaxSessionsPerRun int `toml:"max_sessions_per_run"`
}

type LockConfig struct {
	// Dir holds the lock files; empty means the shared temp dir.
	Dir string `toml:"dir"`
	// Stale TTLs bound how long a lock may sit before it is considered
	// abandoned, per caller kind.
	HookStaleTTLSeconds   int `toml:"hook_stale_ttl_seconds"`
	WorkerStaleTTLSeconds int `toml:"worker_stale_ttl_seconds"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	// Pricing overrides per-model cost entries as
	// [input_per_million, output_per_million] USD pairs.
	Pricing map[string][]float64 `toml:"pricing"`
}

type ReportConfig struct {
	// Dir is the root for digest.json, daily/, weekly/, and topics/.
	Dir string `toml:"dir"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	root := filepath.Join(home, ".engram")
	return Config{
		Database: DatabaseConfig{
			Backend:    "sqlite",
			Path:       filepath.Join(root, "engram.db"),
			LedgerPath: filepath.Join(root, "processed_sources.ledger"),
		},
		LLM:       LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimension: 768, BatchSize: 100},
		Dedup:     DedupConfig{Enabled: true, SimilarityThreshold: 0.85, MaxCandidates: 5},
		Search:    SearchConfig{VectorThreshold: 0.3, VectorWeight: 0.7, BM25Weight: 0.3, BM25Bonus: 0.15},
		Digest:    DigestConfig{MinCountForL0: 5, MaxCategoriesInL0: 15},
		Guards:    GuardsConfig{MinFreeMB: 512, MaxSessionsPerRun: 50},
		Lock:      LockConfig{HookStaleTTLSeconds: 300, WorkerStaleTTLSeconds: 600},
		Report:    ReportConfig{Dir: filepath.Join(root, "reports")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ENGRAM_CONFIG")
	}
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".engram", "engram.toml")
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENGRAM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ENGRAM_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("ENGRAM_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("ENGRAM_LEDGER_PATH"); v != "" {
		cfg.Database.LedgerPath = v
	}
	if v := os.Getenv("ENGRAM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENGRAM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("ENGRAM_MIN_FREE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Guards.MinFreeMB = n
		}
	}
	if v := os.Getenv("ENGRAM_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 100
	}

	return cfg
}
