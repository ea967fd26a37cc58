package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every runtime option of the service. All values are
// environment-driven and resolved once at boot.
type Config struct {
	// Server
	ListenAddr     string
	LogLevel       string
	LogFormat      string
	UploadDir      string
	UploadTimeout  int // seconds
	QueryTimeout   int // seconds
	MaxQueryLength int

	// Ingestion
	MaxFileSize         int64
	ChunkingStrategy    string // "hierarchical" or "recursive"
	HierarchicalSizes   []int  // large, medium, small character budgets
	HierarchicalOverlap int

	// Embedding
	EmbeddingBaseURL   string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingBatchSize int
	EmbeddingTimeout   int // seconds, per batch

	// LLM
	LLMBaseURL           string
	LLMAPIKey            string
	LLMModel             string
	LLMTemperature       float64
	LLMParallelism       int
	LLMIdleTimeout       int // seconds, per-token
	ExpansionTemperature float64

	// Prompt
	ContextBudgetChars int
	HistoryLimit       int
	DefaultTopK        int

	// SSE
	SSEHeartbeatSeconds int
	SSEBufferSize       int

	// Backing stores
	VectorBackend string // "milvus", "qdrant" or "memory"
	MilvusHost    string
	MilvusPort    int
	QdrantHost    string
	QdrantPort    int
	QdrantAPIKey  string
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	SQLitePath    string

	// Cache TTLs (seconds)
	CacheTTLEmbedding int
	CacheTTLExpansion int
	CacheTTLSearch    int
}

// LoadEnvFiles loads .env.local then .env if present. Missing files are not
// an error.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// Load resolves the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "simple"),
		UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
		UploadTimeout:  getEnvInt("UPLOAD_TIMEOUT_SECONDS", 300),
		QueryTimeout:   getEnvInt("QUERY_TIMEOUT_SECONDS", 300),
		MaxQueryLength: getEnvInt("MAX_QUERY_LENGTH", 2000),

		MaxFileSize:         getEnvInt64("MAX_FILE_SIZE", 52_428_800),
		ChunkingStrategy:    getEnv("CHUNKING_STRATEGY", "hierarchical"),
		HierarchicalOverlap: getEnvInt("HIERARCHICAL_OVERLAP", 200),

		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY")),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension: getEnvInt("EMBEDDING_DIMENSION", 1536),
		EmbeddingBatchSize: getEnvInt("EMBEDDING_BATCH_SIZE", 64),
		EmbeddingTimeout:   getEnvInt("EMBEDDING_TIMEOUT_SECONDS", 30),

		LLMBaseURL:           getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:            getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMModel:             getEnv("DEFAULT_LLM_MODEL", "gpt-4o-mini"),
		LLMTemperature:       getEnvFloat("LLM_TEMPERATURE_DEFAULT", 0.7),
		LLMParallelism:       getEnvInt("LLM_PARALLELISM", 4),
		LLMIdleTimeout:       getEnvInt("LLM_IDLE_TIMEOUT_SECONDS", 60),
		ExpansionTemperature: getEnvFloat("EXPANSION_TEMPERATURE", 0.3),

		ContextBudgetChars: getEnvInt("CONTEXT_BUDGET_CHARS", 6000),
		HistoryLimit:       getEnvInt("HISTORY_LIMIT", 10),
		DefaultTopK:        getEnvInt("DEFAULT_TOP_K", 5),

		SSEHeartbeatSeconds: getEnvInt("SSE_HEARTBEAT_SECONDS", 15),
		SSEBufferSize:       getEnvInt("SSE_BUFFER_SIZE", 64),

		VectorBackend: getEnv("VECTOR_BACKEND", "milvus"),
		MilvusHost:    getEnv("MILVUS_HOST", "localhost"),
		MilvusPort:    getEnvInt("MILVUS_PORT", 19530),
		QdrantHost:    getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:    getEnvInt("QDRANT_PORT", 6334),
		QdrantAPIKey:  getEnv("QDRANT_API_KEY", ""),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "docai"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:    getEnv("SQLITE_PATH", "./docai.db"),

		CacheTTLEmbedding: getEnvInt("CACHE_TTL_EMBEDDING", 86400),
		CacheTTLExpansion: getEnvInt("CACHE_TTL_EXPANSION", 3600),
		CacheTTLSearch:    getEnvInt("CACHE_TTL_SEARCH", 1800),
	}

	sizes, err := parseIntList(getEnv("HIERARCHICAL_CHUNK_SIZES", "2000,1000,500"))
	if err != nil {
		return nil, fmt.Errorf("invalid HIERARCHICAL_CHUNK_SIZES: %w", err)
	}
	cfg.HierarchicalSizes = sizes

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that getEnv defaults cannot express.
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}
	switch c.ChunkingStrategy {
	case "hierarchical", "recursive":
	default:
		return fmt.Errorf("invalid CHUNKING_STRATEGY: %q", c.ChunkingStrategy)
	}
	if len(c.HierarchicalSizes) != 3 {
		return fmt.Errorf("HIERARCHICAL_CHUNK_SIZES must contain exactly 3 values, got %d", len(c.HierarchicalSizes))
	}
	for _, s := range c.HierarchicalSizes {
		if s <= c.HierarchicalOverlap {
			return fmt.Errorf("chunk size %d must exceed overlap %d", s, c.HierarchicalOverlap)
		}
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE_DEFAULT must be in [0,2], got %f", c.LLMTemperature)
	}
	if c.LLMParallelism <= 0 {
		return fmt.Errorf("LLM_PARALLELISM must be positive, got %d", c.LLMParallelism)
	}
	switch c.VectorBackend {
	case "milvus", "qdrant", "memory":
	default:
		return fmt.Errorf("invalid VECTOR_BACKEND: %q", c.VectorBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
