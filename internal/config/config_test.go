package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{FileEnv, "OLLAMA_GEN_MODEL", "CHUNK_SIZE", "CHUNK_OVERLAP", "RAG_TOP_K", "RAG_FETCH_K", "RAG_MMR_LAMBDA", "RAG_SEARCH_TYPE", "VECTOR_BACKEND", "CHAT_NUM_CTX"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChunkSize != 1200 || cfg.ChunkOverlap != 150 {
		t.Fatalf("unexpected chunking defaults %d/%d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.RAGTopK != 3 || cfg.RAGFetchK != 20 || cfg.RAGMMRLambda != 0.5 || cfg.RAGSearchType != "mmr" {
		t.Fatalf("unexpected retrieval defaults %+v", cfg)
	}
	if cfg.OllamaGenModel != "deepseek-r1:1.5b" || cfg.ChatNumCtx != 1024 {
		t.Fatalf("unexpected model defaults %q/%d", cfg.OllamaGenModel, cfg.ChatNumCtx)
	}
	if cfg.VectorBackend != "sqlite" || cfg.VectorDBPath == "" {
		t.Fatalf("unexpected vector defaults %q/%q", cfg.VectorBackend, cfg.VectorDBPath)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("RAG_MMR_LAMBDA", "0.8")
	t.Setenv("RAG_SEARCH_TYPE", "Similarity")
	t.Setenv("EMBED_BATCH_SIZE", "not-a-number")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGMMRLambda != 0.8 || cfg.RAGSearchType != "similarity" {
		t.Fatalf("unexpected overrides %v/%q", cfg.RAGMMRLambda, cfg.RAGSearchType)
	}
	if cfg.EmbedBatchSize != 32 {
		t.Fatalf("invalid numbers fall back to default, got %d", cfg.EmbedBatchSize)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("expected metrics disabled")
	}
}

func TestLoadYAMLOverlayYieldsToEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scholarchat.yaml")
	content := "ollama_url: http://gpu-box:11434\nchunk_size: 800\nrag_top_k: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("OLLAMA_URL", "")
	t.Setenv("CHUNK_SIZE", "")
	t.Setenv("RAG_TOP_K", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OllamaURL != "http://gpu-box:11434" || cfg.ChunkSize != 800 {
		t.Fatalf("overlay not applied: %q/%d", cfg.OllamaURL, cfg.ChunkSize)
	}
	if cfg.RAGTopK != 4 {
		t.Fatalf("environment must win over the file, got %d", cfg.RAGTopK)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("chunk_size: [1, 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(FileEnv, path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}
