package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileEnv names an optional YAML file whose keys fill in unset environment
// variables. Keys match the variable names, case-insensitively.
const FileEnv = "SCHOLARCHAT_CONFIG"

type Config struct {
	APIPort  string
	LogLevel string

	PostgresDSN string

	NATSURL     string
	NATSSubject string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OllamaURL        string
	OllamaGenModel   string
	OllamaChatModels string
	OllamaEmbedModel string

	QATemperature   float64
	ChatTemperature float64
	ChatNumCtx      int

	VectorBackend    string
	VectorDBPath     string
	QdrantURL        string
	QdrantCollection string

	StoragePath string

	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	RAGTopK        int
	RAGFetchK      int
	RAGMMRLambda   float64
	RAGSearchType  string

	APIRateLimitRPS   float64
	APIRateLimitBurst int
	APIMaxInFlight    int
	APIQueueWaitMS    int
	MaxUploadMB       int
	MetricsEnabled    bool

	SessionTTLMinutes int

	RetryMaxAttempts      int
	BreakerMinRequests    int
	BreakerTimeoutSeconds int
}

// Load reads the configuration from the environment, falling back to the
// YAML file named by SCHOLARCHAT_CONFIG and then to built-in defaults.
func Load() (Config, error) {
	overlay, err := loadOverlay(os.Getenv(FileEnv))
	if err != nil {
		return Config{}, err
	}
	env := source{overlay: overlay}

	return Config{
		APIPort:  env.mustEnv("API_PORT", "8080"),
		LogLevel: env.mustEnv("LOG_LEVEL", "info"),

		PostgresDSN: env.mustEnv("POSTGRES_DSN", ""),

		NATSURL:     env.mustEnv("NATS_URL", ""),
		NATSSubject: env.mustEnv("NATS_SUBJECT", "scholarchat.kb.updated"),

		RedisAddr:     env.mustEnv("REDIS_ADDR", ""),
		RedisPassword: env.mustEnv("REDIS_PASSWORD", ""),
		RedisDB:       env.mustEnvInt("REDIS_DB", 0),

		OllamaURL:        env.mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaGenModel:   env.mustEnv("OLLAMA_GEN_MODEL", "deepseek-r1:1.5b"),
		OllamaChatModels: env.mustEnv("OLLAMA_CHAT_MODELS", "1.5B Parameters=deepseek-r1:1.5b,7B Parameters=deepseek-r1:latest"),
		OllamaEmbedModel: env.mustEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text:latest"),

		QATemperature:   env.mustEnvFloat("QA_TEMPERATURE", 0.3),
		ChatTemperature: env.mustEnvFloat("CHAT_TEMPERATURE", 0.5),
		ChatNumCtx:      env.mustEnvInt("CHAT_NUM_CTX", 1024),

		VectorBackend:    strings.ToLower(env.mustEnv("VECTOR_BACKEND", "sqlite")),
		VectorDBPath:     env.mustEnv("VECTOR_DB_PATH", "./chroma_db"),
		QdrantURL:        env.mustEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantCollection: env.mustEnv("QDRANT_COLLECTION", "scholarchat"),

		StoragePath: env.mustEnv("STORAGE_PATH", "./data/uploads"),

		ChunkSize:      env.mustEnvInt("CHUNK_SIZE", 1200),
		ChunkOverlap:   env.mustEnvInt("CHUNK_OVERLAP", 150),
		EmbedBatchSize: env.mustEnvInt("EMBED_BATCH_SIZE", 32),
		RAGTopK:        env.mustEnvInt("RAG_TOP_K", 3),
		RAGFetchK:      env.mustEnvInt("RAG_FETCH_K", 20),
		RAGMMRLambda:   env.mustEnvFloat("RAG_MMR_LAMBDA", 0.5),
		RAGSearchType:  strings.ToLower(env.mustEnv("RAG_SEARCH_TYPE", "mmr")),

		APIRateLimitRPS:   env.mustEnvFloat("API_RATE_LIMIT_RPS", 20),
		APIRateLimitBurst: env.mustEnvInt("API_RATE_LIMIT_BURST", 40),
		APIMaxInFlight:    env.mustEnvInt("API_MAX_IN_FLIGHT", 32),
		APIQueueWaitMS:    env.mustEnvInt("API_QUEUE_WAIT_MS", 500),
		MaxUploadMB:       env.mustEnvInt("MAX_UPLOAD_MB", 64),
		MetricsEnabled:    env.mustEnvBool("METRICS_ENABLED", true),

		SessionTTLMinutes: env.mustEnvInt("SESSION_TTL_MINUTES", 120),

		RetryMaxAttempts:      env.mustEnvInt("RETRY_MAX_ATTEMPTS", 3),
		BreakerMinRequests:    env.mustEnvInt("BREAKER_MIN_REQUESTS", 10),
		BreakerTimeoutSeconds: env.mustEnvInt("BREAKER_TIMEOUT_SECONDS", 30),
	}, nil
}

func loadOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	overlay := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		overlay[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return overlay, nil
}

type source struct {
	overlay map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.overlay[key]
}

func (s source) mustEnv(key, fallback string) string {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) mustEnvInt(key string, fallback int) int {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (s source) mustEnvFloat(key string, fallback float64) float64 {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func (s source) mustEnvBool(key string, fallback bool) bool {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
