package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Provider names accepted by EMBEDDING_PROVIDER and GENERATOR.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ErrMissingAPIKey is returned by Validate when the selected provider has no credentials.
var ErrMissingAPIKey = errors.New("missing API key")

type Config struct {
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`

	// Vector index
	VectorURL      string `toml:"vector_url"`
	QdrantAPIKey   string `toml:"qdrant_api_key"`
	CollectionName string `toml:"collection_name"`

	// Model providers
	EmbeddingProvider string `toml:"embedding_provider"`
	Generator         string `toml:"generator"`
	GoogleAPIKey      string `toml:"google_api_key"`
	OpenAIAPIKey      string `toml:"openai_api_key"`
	AnthropicAPIKey   string `toml:"anthropic_api_key"`
	EmbeddingModel    string `toml:"embedding_model"`
	ChatModel         string `toml:"chat_model"`
	EmbedBatchSize    int    `toml:"embed_batch_size"`

	// RAG
	ChunkSize    int     `toml:"chunk_size"`
	ChunkOverlap int     `toml:"chunk_overlap"`
	TopK         int     `toml:"top_k"`
	MinScore     float64 `toml:"min_score"`

	RetryAttempts  int           `toml:"retry_attempts"`
	RetryBaseDelay time.Duration `toml:"-"`

	// Transcript source
	TranscriptLanguages []string `toml:"transcript_languages"`
	TranscriptRPS       float64  `toml:"transcript_rps"`

	// Optional infrastructure
	NatsURL     string   `toml:"nats_url"`
	NatsToken   string   `toml:"nats_token"`
	RedisURL    string   `toml:"redis_url"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Load reads configuration from a .env file (when present) and the environment.
func Load() Config {
	_ = godotenv.Load()
	return fromEnv(defaults())
}

// LoadFile reads a TOML file and applies environment overrides on top of it.
func LoadFile(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fromEnv(cfg), nil
}

func defaults() Config {
	return Config{
		Port:                8000,
		LogLevel:            "info",
		VectorURL:           "http://localhost:6333",
		CollectionName:      "yt_chat_v2",
		EmbeddingProvider:   ProviderGemini,
		Generator:           ProviderGemini,
		EmbedBatchSize:      100,
		ChunkSize:           1000,
		ChunkOverlap:        200,
		TopK:                4,
		RetryAttempts:       3,
		RetryBaseDelay:      250 * time.Millisecond,
		TranscriptLanguages: []string{"en"},
		TranscriptRPS:       2,
		CORSOrigins:         []string{"*"},
	}
}

func fromEnv(cfg Config) Config {
	cfg.Port = envInt("PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)

	cfg.VectorURL = envStr("VECTOR_URL", envStr("QDRANT_URL", cfg.VectorURL))
	cfg.QdrantAPIKey = envStr("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.CollectionName = envStr("COLLECTION_NAME", cfg.CollectionName)

	cfg.EmbeddingProvider = envStr("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.Generator = envStr("GENERATOR", cfg.Generator)
	cfg.GoogleAPIKey = envStr("GOOGLE_API_KEY", cfg.GoogleAPIKey)
	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.EmbeddingModel = envStr("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.ChatModel = envStr("CHAT_MODEL", cfg.ChatModel)
	cfg.EmbedBatchSize = envInt("EMBED_BATCH_SIZE", cfg.EmbedBatchSize)

	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.TopK = envInt("TOP_K", cfg.TopK)
	cfg.MinScore = envFloat("MIN_SCORE", cfg.MinScore)
	cfg.RetryAttempts = envInt("RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RetryBaseDelay = envDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)

	cfg.TranscriptLanguages = envList("TRANSCRIPT_LANGUAGES", cfg.TranscriptLanguages)
	cfg.TranscriptRPS = envFloat("TRANSCRIPT_RPS", cfg.TranscriptRPS)

	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.RedisURL = envStr("REDIS_URL", cfg.RedisURL)
	cfg.CORSOrigins = envList("CORS_ORIGINS", cfg.CORSOrigins)
	return cfg
}

// Validate checks that the selected providers have credentials. It is meant to run
// once at startup so a missing key never surfaces as a request-time failure.
func (c Config) Validate() error {
	var errs []error

	switch c.EmbeddingProvider {
	case ProviderGemini, ProviderOpenAI:
		if c.APIKey(c.EmbeddingProvider) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required for embedding provider %q",
				ErrMissingAPIKey, keyVar(c.EmbeddingProvider), c.EmbeddingProvider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider))
	}

	switch c.Generator {
	case ProviderGemini, ProviderOpenAI, ProviderAnthropic:
		if c.APIKey(c.Generator) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required for generator %q",
				ErrMissingAPIKey, keyVar(c.Generator), c.Generator))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown generator %q", c.Generator))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top k must be positive, got %d", c.TopK))
	}
	return errors.Join(errs...)
}

// APIKey returns the credential configured for a provider.
func (c Config) APIKey(provider string) string {
	switch provider {
	case ProviderGemini:
		return c.GoogleAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	}
	return ""
}

func keyVar(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	}
	return "GOOGLE_API_KEY"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
