// Package config loads the service configuration from ./config.json and the
// secret environment from ./.env.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for memento.
type Config struct {
	WSS         WSSConfig         `mapstructure:"wss" json:"wss"`
	OpenLLM     OpenLLMConfig     `mapstructure:"openllm" json:"openllm"`
	ShortVDB    ShortVDBConfig    `mapstructure:"short_vdb" json:"short_vdb"`
	LongVDB     LongVDBConfig     `mapstructure:"long_vdb" json:"long_vdb"`
	UserDB      UserDBConfig      `mapstructure:"user_db" json:"user_db"`
	Compression CompressionConfig `mapstructure:"compression" json:"compression"`
	Vectors     VectorsConfig     `mapstructure:"vectors" json:"vectors"`
	Embedder    EmbedderConfig    `mapstructure:"embedder" json:"embedder"`
	Logging     LoggingConfig     `mapstructure:"logging" json:"logging"`
}

// WSSConfig holds the control-channel bind address.
type WSSConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// OpenLLMConfig holds the language-model endpoint settings.
type OpenLLMConfig struct {
	// Provider selects the client implementation: "openai" (any
	// OpenAI-compatible endpoint) or "anthropic".
	Provider            string  `mapstructure:"provider" json:"provider"`
	BaseURL             string  `mapstructure:"base_url" json:"base_url"`
	Model               string  `mapstructure:"model" json:"model"`
	Temp                float64 `mapstructure:"temp" json:"temp"`
	MaxCompletionTokens int     `mapstructure:"max_completion_tokens" json:"max_completion_tokens"`
}

// ShortVDBConfig holds short-term store settings.
type ShortVDBConfig struct {
	ProgressiveEviction bool `mapstructure:"progressive_eviction" json:"progressive_eviction"`
	MaxSizeBeforeEvict  int  `mapstructure:"max_size_before_evict" json:"max_size_before_evict"`
}

// LongVDBConfig holds long-term store settings.
type LongVDBConfig struct {
	MaxSize           int `mapstructure:"max_size" json:"max_size"`
	MaxMemoryLifetime int `mapstructure:"max_memory_lifetime" json:"max_memory_lifetime"`
}

// UserDBConfig holds per-user log settings.
type UserDBConfig struct {
	MaxSizePerUser int `mapstructure:"max_size_per_user" json:"max_size_per_user"`
}

// CompressionConfig tunes the eviction-to-LTM distillation pipeline.
type CompressionConfig struct {
	Enabled               bool    `mapstructure:"enabled" json:"enabled"`
	ScoreFloorForLTM      float64 `mapstructure:"score_floor_for_ltm" json:"score_floor_for_ltm"`
	BatchSize             int     `mapstructure:"batch_size" json:"batch_size"`
	SimilarTopK           int     `mapstructure:"similar_top_k" json:"similar_top_k"`
	PreferNew             bool    `mapstructure:"prefer_new" json:"prefer_new"`
	BatchFractionOnBreach float64 `mapstructure:"batch_fraction_on_breach" json:"batch_fraction_on_breach"`
	MinBatchOnBreach      int     `mapstructure:"min_batch_on_breach" json:"min_batch_on_breach"`
	// FallbackScore is used when a distilled candidate has no scored
	// contributors at all.
	FallbackScore float64 `mapstructure:"fallback_score" json:"fallback_score"`
}

// VectorsConfig selects and configures the index backend.
type VectorsConfig struct {
	// Backend is "qdrant" or "memory" (in-process, JSON snapshots).
	Backend string `mapstructure:"backend" json:"backend"`
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	UseTLS  bool   `mapstructure:"use_tls" json:"use_tls"`
	// Path is where the memory backend keeps its snapshots.
	Path string `mapstructure:"path" json:"path"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	// Provider is "openai" or "ollama".
	Provider  string `mapstructure:"provider" json:"provider"`
	BaseURL   string `mapstructure:"base_url" json:"base_url"`
	Model     string `mapstructure:"model" json:"model"`
	Dimension int    `mapstructure:"dimension" json:"dimension"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wss.host", "127.0.0.1")
	v.SetDefault("wss.port", 4286)

	v.SetDefault("openllm.provider", "openai")
	v.SetDefault("openllm.base_url", "https://api.openai.com/v1")
	v.SetDefault("openllm.model", "gpt-4o-mini")
	v.SetDefault("openllm.temp", 1.0)
	v.SetDefault("openllm.max_completion_tokens", 1000)

	v.SetDefault("short_vdb.progressive_eviction", true)
	v.SetDefault("short_vdb.max_size_before_evict", 500)

	v.SetDefault("long_vdb.max_size", 5000)
	v.SetDefault("long_vdb.max_memory_lifetime", 180)

	v.SetDefault("user_db.max_size_per_user", 25)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.score_floor_for_ltm", 0.3)
	v.SetDefault("compression.batch_size", 16)
	v.SetDefault("compression.similar_top_k", 4)
	v.SetDefault("compression.prefer_new", true)
	v.SetDefault("compression.batch_fraction_on_breach", 0.1)
	v.SetDefault("compression.min_batch_on_breach", 8)
	v.SetDefault("compression.fallback_score", 0.6)

	v.SetDefault("vectors.backend", "qdrant")
	v.SetDefault("vectors.host", "localhost")
	v.SetDefault("vectors.port", 6334)
	v.SetDefault("vectors.use_tls", false)
	v.SetDefault("vectors.path", "./vectors")

	v.SetDefault("embedder.provider", "openai")
	v.SetDefault("embedder.base_url", "")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.dimension", 768)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads path (normally ./config.json), falling back to pure defaults
// when the file is missing or invalid, and writes the effective configuration
// back so the file on disk always reflects the full schema.
func Load(path string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			logger.Info("config file missing, writing defaults", "path", path)
		} else {
			// Invalid content: reset to defaults rather than refuse to start.
			logger.Error("config file unreadable, resetting to defaults", "path", path, "error", err)
			v = viper.New()
			v.SetConfigFile(path)
			v.SetConfigType("json")
			setDefaults(v)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		// Not fatal: a read-only working directory still gets a running server.
		logger.Warn("could not write config back", "path", path, "error", err)
	}

	return &cfg, nil
}

// Validate checks ranges on the tuning knobs.
func (c *Config) Validate() error {
	if c.WSS.Port <= 0 || c.WSS.Port > 65535 {
		return fmt.Errorf("wss.port must be in (0, 65535]")
	}
	if c.OpenLLM.MaxCompletionTokens <= 0 {
		return fmt.Errorf("openllm.max_completion_tokens must be greater than 0")
	}
	if c.Compression.ScoreFloorForLTM < 0 || c.Compression.ScoreFloorForLTM > 1 {
		return fmt.Errorf("compression.score_floor_for_ltm must be between 0 and 1")
	}
	if c.Compression.BatchFractionOnBreach < 0 || c.Compression.BatchFractionOnBreach > 1 {
		return fmt.Errorf("compression.batch_fraction_on_breach must be between 0 and 1")
	}
	if c.Compression.MinBatchOnBreach < 0 {
		return fmt.Errorf("compression.min_batch_on_breach must be >= 0")
	}
	if c.Compression.FallbackScore < 0 || c.Compression.FallbackScore > 1 {
		return fmt.Errorf("compression.fallback_score must be between 0 and 1")
	}
	if c.Compression.BatchSize <= 0 {
		return fmt.Errorf("compression.batch_size must be greater than 0")
	}
	if c.Compression.SimilarTopK < 0 {
		return fmt.Errorf("compression.similar_top_k must be >= 0")
	}
	if c.LongVDB.MaxMemoryLifetime < 0 {
		return fmt.Errorf("long_vdb.max_memory_lifetime must be >= 0")
	}
	if c.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder.dimension must be greater than 0")
	}
	switch c.Vectors.Backend {
	case "qdrant", "memory":
	default:
		return fmt.Errorf("vectors.backend must be qdrant or memory")
	}
	switch c.OpenLLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("openllm.provider must be openai or anthropic")
	}
	return nil
}

// LoadEnv reads KEY=VALUE lines from path (normally ./.env) merged over the
// process environment. The API key matching the configured LLM provider must
// be present.
func LoadEnv(path string, provider string) (map[string]string, error) {
	env := map[string]string{}
	fileEnv, err := godotenv.Read(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	for k, v := range fileEnv {
		env[k] = v
	}
	// Process environment wins over the file.
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}

	required := "OPENAI_API_KEY"
	if provider == "anthropic" {
		required = "ANTHROPIC_API_KEY"
	}
	if env[required] == "" {
		return nil, fmt.Errorf("missing %s in %s or environment", required, path)
	}
	return env, nil
}
