package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.WSS.Host)
	assert.Equal(t, 4286, cfg.WSS.Port)
	assert.Equal(t, 500, cfg.ShortVDB.MaxSizeBeforeEvict)
	assert.Equal(t, 5000, cfg.LongVDB.MaxSize)
	assert.Equal(t, 180, cfg.LongVDB.MaxMemoryLifetime)
	assert.Equal(t, 25, cfg.UserDB.MaxSizePerUser)
	assert.True(t, cfg.Compression.Enabled)
	assert.Equal(t, 0.6, cfg.Compression.FallbackScore)

	// The effective configuration is written back.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestLoadMergesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"wss": {"port": 9999}}`), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.WSS.Port)
	// Everything not in the file falls back to defaults.
	assert.Equal(t, "127.0.0.1", cfg.WSS.Host)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenLLM.Model)
}

func TestLoadInvalidFileResetsToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 4286, cfg.WSS.Port)

	// The broken file is replaced by the full default schema.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "4286")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.WSS.Port = 0 }},
		{"bad score floor", func(c *Config) { c.Compression.ScoreFloorForLTM = 1.5 }},
		{"bad fallback score", func(c *Config) { c.Compression.FallbackScore = -0.1 }},
		{"bad batch size", func(c *Config) { c.Compression.BatchSize = 0 }},
		{"bad backend", func(c *Config) { c.Vectors.Backend = "leveldb" }},
		{"bad provider", func(c *Config) { c.OpenLLM.Provider = "mistral" }},
		{"bad dimension", func(c *Config) { c.Embedder.Dimension = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "config.json"), discardLogger())
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvRequiresProviderKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	_, err := LoadEnv(envPath, "openai")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	require.NoError(t, os.WriteFile(envPath, []byte("OPENAI_API_KEY=sk-test\n"), 0o644))
	env, err := LoadEnv(envPath, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", env["OPENAI_API_KEY"])

	_, err = LoadEnv(envPath, "anthropic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestLoadEnvProcessEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("OPENAI_API_KEY=from-file\n"), 0o644))

	t.Setenv("OPENAI_API_KEY", "from-env")
	env, err := LoadEnv(envPath, "openai")
	require.NoError(t, err)
	assert.Equal(t, "from-env", env["OPENAI_API_KEY"])
}
