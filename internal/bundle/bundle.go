// Package bundle assembles the storage tiers, language-model client, and
// compression pipeline from the loaded configuration.
package bundle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memento-project/memento/internal/compress"
	"github.com/memento-project/memento/internal/config"
	"github.com/memento-project/memento/internal/embedder"
	"github.com/memento-project/memento/internal/llm"
	"github.com/memento-project/memento/internal/store"
	"github.com/memento-project/memento/internal/userlog"
)

// On-disk layout relative to the working directory, matching what the dump
// and decay commands expect.
const (
	usersDir     = "./users"
	decayMetaDir = "./decay_meta"
	promptsDir   = "./prompts"
)

// Bundle holds the wired service components. Construct with New, tear down
// with Close.
type Bundle struct {
	ShortTerm *store.EvictingStore
	LongTerm  *store.DecayingStore
	Users     *userlog.Log
	LLM       llm.Client

	Compressor *compress.Compressor
	Config     *config.Config

	backend store.Backend
	logger  *slog.Logger
}

// New builds every component from cfg and env and starts the compression
// worker. ctx bounds the worker's model calls.
func New(ctx context.Context, cfg *config.Config, env map[string]string, logger *slog.Logger) (*Bundle, error) {
	backend, err := newBackend(cfg, env, logger)
	if err != nil {
		return nil, err
	}

	// With progressive eviction the wrapper keeps the collection at its
	// target size; the hard cap sits slightly above as a safety net.
	shortCap := -1
	if cfg.ShortVDB.ProgressiveEviction && cfg.ShortVDB.MaxSizeBeforeEvict > 0 {
		shortCap = cfg.ShortVDB.MaxSizeBeforeEvict + 10
	}

	shortStore := store.NewSemanticStore(backend, "short", shortCap, logger)
	longStore := store.NewSemanticStore(backend, "long", cfg.LongVDB.MaxSize, logger)

	shortTerm := store.NewEvictingStore(shortStore, longStore, store.EvictingConfig{
		ProgressiveEviction: cfg.ShortVDB.ProgressiveEviction,
		MaxSizeBeforeEvict:  cfg.ShortVDB.MaxSizeBeforeEvict,
		EvictFraction:       cfg.Compression.BatchFractionOnBreach,
		EvictMinBatch:       cfg.Compression.MinBatchOnBreach,
	}, logger)

	longTerm, err := store.NewDecayingStore(longStore, decayMetaDir, logger)
	if err != nil {
		return nil, err
	}

	users, err := userlog.New(usersDir, cfg.UserDB.MaxSizePerUser, logger)
	if err != nil {
		return nil, err
	}

	client, err := newLLMClient(cfg, env, logger)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		ShortTerm: shortTerm,
		LongTerm:  longTerm,
		Users:     users,
		LLM:       client,
		Config:    cfg,
		backend:   backend,
		logger:    logger,
	}

	if cfg.Compression.Enabled {
		b.Compressor = compress.New(client, longTerm, compress.Config{
			ScoreFloorForLTM:  cfg.Compression.ScoreFloorForLTM,
			BatchSize:         cfg.Compression.BatchSize,
			SimilarTopK:       cfg.Compression.SimilarTopK,
			PreferNew:         cfg.Compression.PreferNew,
			FallbackScore:     cfg.Compression.FallbackScore,
			MaxMemoryLifetime: cfg.LongVDB.MaxMemoryLifetime,
		}, logger)
		shortTerm.SetSink(b.Compressor)
		b.Compressor.Start(ctx)
	}

	return b, nil
}

// NewPromptStore returns the prompt store rooted at the standard override
// directory.
func NewPromptStore() *llm.PromptStore {
	return llm.NewPromptStore(promptsDir)
}

func newBackend(cfg *config.Config, env map[string]string, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Vectors.Backend {
	case "memory":
		return store.NewPersistentMemoryBackend(cfg.Vectors.Path)
	case "qdrant":
		emb, err := newEmbedder(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return store.NewQdrantBackend(cfg.Vectors.Host, cfg.Vectors.Port, cfg.Vectors.UseTLS, emb, logger)
	default:
		return nil, fmt.Errorf("unknown vectors backend %q", cfg.Vectors.Backend)
	}
}

func newEmbedder(cfg *config.Config, env map[string]string, logger *slog.Logger) (embedder.Embedder, error) {
	switch cfg.Embedder.Provider {
	case "openai":
		return embedder.NewOpenAIEmbedder(cfg.Embedder.BaseURL, env["OPENAI_API_KEY"],
			cfg.Embedder.Model, cfg.Embedder.Dimension, logger), nil
	case "ollama":
		return embedder.NewOllamaEmbedder(cfg.Embedder.BaseURL, cfg.Embedder.Model,
			cfg.Embedder.Dimension, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Embedder.Provider)
	}
}

func newLLMClient(cfg *config.Config, env map[string]string, logger *slog.Logger) (llm.Client, error) {
	prompts := NewPromptStore()
	switch cfg.OpenLLM.Provider {
	case "openai":
		return llm.NewOpenAIClient(cfg.OpenLLM.BaseURL, env["OPENAI_API_KEY"], cfg.OpenLLM.Model,
			cfg.OpenLLM.Temp, cfg.OpenLLM.MaxCompletionTokens, prompts, logger), nil
	case "anthropic":
		return llm.NewAnthropicClient(env["ANTHROPIC_API_KEY"], cfg.OpenLLM.Model,
			cfg.OpenLLM.Temp, cfg.OpenLLM.MaxCompletionTokens, prompts, logger), nil
	default:
		return nil, fmt.Errorf("unknown openllm provider %q", cfg.OpenLLM.Provider)
	}
}

// Close drains the compression queue and releases the backend.
func (b *Bundle) Close() error {
	if b.Compressor != nil {
		b.Compressor.Close()
	}
	return b.backend.Close()
}
