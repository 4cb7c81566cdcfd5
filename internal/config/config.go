package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

type Config struct {
	Port           int    `yaml:"port"`
	DataDir        string `yaml:"dataDir"`
	DefaultProject string `yaml:"defaultProject"`
	APIKey         string `yaml:"apiKey"`
	LogLevel       string `yaml:"logLevel"`
	// ExportDir confines /export and /import paths. Defaults to <DataDir>/exports.
	ExportDir string `yaml:"exportDir"`
	// Embedding
	EmbeddingProvider string `yaml:"embeddingProvider"` // lexical | ollama
	OllamaBaseURL     string `yaml:"ollamaBaseURL"`
	EmbeddingModel    string `yaml:"embeddingModel"`
	EmbeddingDim      int    `yaml:"embeddingDim"`
	EmbedCacheSize    int64  `yaml:"embedCacheSize"`
	// Search tuning
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	DefaultMaxResults   int     `yaml:"defaultMaxResults"`
	AutoLinkThreshold   float64 `yaml:"autoLinkThreshold"`
	AutoLinkMax         int     `yaml:"autoLinkMax"`
	// Hot cache
	CacheCapacity int64         `yaml:"cacheCapacity"`
	CacheWindow   time.Duration `yaml:"cacheWindow"`
	// Retention
	Retention        models.RetentionPolicy `yaml:"retention"`
	OptimizeInterval time.Duration          `yaml:"optimizeInterval"`
	HealthInterval   time.Duration          `yaml:"healthInterval"`
	// HTTP
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
	// Telemetry
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	// MCP adapter
	MemoryServerURL string `yaml:"memoryServerURL"`
	MCPProject      string `yaml:"mcpProject"`
}

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() *Config {
	return &Config{
		Port:                8741,
		DataDir:             defaultDataDir(),
		DefaultProject:      "default",
		LogLevel:            "info",
		EmbeddingProvider:   "lexical",
		OllamaBaseURL:       "http://localhost:11434",
		EmbeddingModel:      "nomic-embed-text",
		EmbeddingDim:        256,
		EmbedCacheSize:      10_000,
		SimilarityThreshold: 0.3,
		DefaultMaxResults:   10,
		AutoLinkThreshold:   0.9,
		AutoLinkMax:         5,
		CacheCapacity:       1000,
		CacheWindow:         time.Hour,
		Retention:           models.DefaultRetentionPolicy(),
		OptimizeInterval:    time.Hour,
		HealthInterval:      5 * time.Minute,
		RateLimitRPS:        50,
		RateLimitBurst:      100,
		MemoryServerURL:     "http://localhost:8741",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// MEMORY_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("MEMORY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.ExportDir == "" && cfg.DataDir != "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "exports")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.DataDir = envStr("MEMORY_DATA_DIR", c.DataDir)
	c.DefaultProject = envStr("MEMORY_DEFAULT_PROJECT", c.DefaultProject)
	c.APIKey = envStr("MEMORY_API_KEY", c.APIKey)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.ExportDir = envStr("MEMORY_EXPORT_DIR", c.ExportDir)

	c.EmbeddingProvider = envStr("EMBEDDING_PROVIDER", c.EmbeddingProvider)
	c.OllamaBaseURL = envStr("OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.EmbeddingModel = envStr("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDim = envInt("EMBEDDING_DIM", c.EmbeddingDim)
	c.EmbedCacheSize = int64(envInt("EMBED_CACHE_SIZE", int(c.EmbedCacheSize)))

	c.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", c.SimilarityThreshold)
	c.DefaultMaxResults = envInt("DEFAULT_MAX_RESULTS", c.DefaultMaxResults)
	c.AutoLinkThreshold = envFloat("AUTOLINK_THRESHOLD", c.AutoLinkThreshold)
	c.AutoLinkMax = envInt("AUTOLINK_MAX", c.AutoLinkMax)

	c.CacheCapacity = int64(envInt("CACHE_CAPACITY", int(c.CacheCapacity)))
	c.CacheWindow = envDuration("CACHE_WINDOW", c.CacheWindow)

	r := &c.Retention
	r.ArchiveAfterDays = envInt("ARCHIVE_AFTER_DAYS", r.ArchiveAfterDays)
	r.CompressAfterDays = envInt("COMPRESS_AFTER_DAYS", r.CompressAfterDays)
	r.CompressMinBytes = envInt("COMPRESS_MIN_BYTES", r.CompressMinBytes)
	r.CompressHeadRunes = envInt("COMPRESS_HEAD_RUNES", r.CompressHeadRunes)
	r.NeverDeleteImportant = envBool("NEVER_DELETE_IMPORTANT", r.NeverDeleteImportant)
	r.ImportanceFloor = envFloat("IMPORTANCE_FLOOR", r.ImportanceFloor)
	r.MaxStorageBytes = int64(envInt("MAX_STORAGE_BYTES", int(r.MaxStorageBytes)))
	c.OptimizeInterval = envDuration("OPTIMIZE_INTERVAL", c.OptimizeInterval)
	c.HealthInterval = envDuration("HEALTH_INTERVAL", c.HealthInterval)

	c.RateLimitRPS = envFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = envInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.MemoryServerURL = envStr("MEMORY_SERVER_URL", c.MemoryServerURL)
	c.MCPProject = envStr("MEMORY_PROJECT", c.MCPProject)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("MEMORY_DATA_DIR must not be empty")
	}
	if c.DefaultProject == "" {
		return fmt.Errorf("MEMORY_DEFAULT_PROJECT must not be empty")
	}
	switch c.EmbeddingProvider {
	case "lexical":
	case "ollama":
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be lexical or ollama, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be within [0,1], got %f", c.SimilarityThreshold)
	}
	if c.AutoLinkThreshold < 0 || c.AutoLinkThreshold > 1 {
		return fmt.Errorf("AUTOLINK_THRESHOLD must be within [0,1], got %f", c.AutoLinkThreshold)
	}
	if c.AutoLinkMax < 0 {
		return fmt.Errorf("AUTOLINK_MAX must not be negative, got %d", c.AutoLinkMax)
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be positive, got %d", c.CacheCapacity)
	}
	if c.EmbedCacheSize < 1 {
		return fmt.Errorf("EMBED_CACHE_SIZE must be positive, got %d", c.EmbedCacheSize)
	}
	r := c.Retention
	if r.ImportanceFloor < 0 || r.ImportanceFloor > 1 {
		return fmt.Errorf("IMPORTANCE_FLOOR must be within [0,1], got %f", r.ImportanceFloor)
	}
	if r.ArchiveAfterDays < 0 || r.CompressAfterDays < 0 {
		return fmt.Errorf("ARCHIVE_AFTER_DAYS and COMPRESS_AFTER_DAYS must not be negative")
	}
	if r.CompressHeadRunes < 1 {
		return fmt.Errorf("COMPRESS_HEAD_RUNES must be positive, got %d", r.CompressHeadRunes)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".memengine")
}

// ParseLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
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
