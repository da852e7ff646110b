package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Database.Backend)
	}
	if cfg.Dedup.SimilarityThreshold != 0.85 || cfg.Dedup.MaxCandidates != 5 || !cfg.Dedup.Enabled {
		t.Errorf("dedup defaults = %+v", cfg.Dedup)
	}
	if cfg.Search.VectorWeight != 0.7 || cfg.Search.BM25Weight != 0.3 || cfg.Search.BM25Bonus != 0.15 {
		t.Errorf("search defaults = %+v", cfg.Search)
	}
	if cfg.Guards.MaxSessionsPerRun != 50 {
		t.Errorf("max sessions = %d, want 50", cfg.Guards.MaxSessionsPerRun)
	}
	if cfg.Digest.MinCountForL0 != 5 || cfg.Digest.MaxCategoriesInL0 != 15 {
		t.Errorf("digest defaults = %+v", cfg.Digest)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.toml")
	content := `
[database]
path = "/data/engram.db"

[dedup]
enabled = false

[embedding]
dimension = 3072

[type_mappings]
identity = ["user.", "preference."]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGRAM_EMBEDDING_DIMENSION", "768")
	t.Setenv("ENGRAM_LLM_API_KEY", "k-123")

	cfg := Load(path)
	if cfg.Database.Path != "/data/engram.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Dedup.Enabled {
		t.Error("dedup.enabled not read from file")
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("dimension = %d, want env override 768", cfg.Embedding.Dimension)
	}
	if cfg.LLM.APIKey != "k-123" {
		t.Errorf("llm api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Embedding.APIKey != "k-123" {
		t.Error("embedding api key should fall back to the llm key")
	}
	got := cfg.TypeMappings["identity"]
	if len(got) != 2 || got[0] != "user." {
		t.Errorf("type_mappings = %v", got)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Search.VectorThreshold != 0.3 {
		t.Errorf("vector threshold = %v, want default", cfg.Search.VectorThreshold)
	}
}
