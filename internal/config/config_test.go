package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 2, cfg.LLM.GenerationAttempts)
	assert.NotEmpty(t, cfg.Sanitize.LeakMarkers)
	assert.NotEmpty(t, cfg.LLM.FallbackReply)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM.Model, cfg.LLM.Model)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: llama3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3", cfg.LLM.Model)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 5, cfg.History.MaxTurns)
	assert.Equal(t, 1000, cfg.Sanitize.MaxLength)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "custom:13b"
	cfg.Retrieval.TopK = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom:13b", loaded.LLM.Model)
	assert.Equal(t, 5, loaded.Retrieval.TopK)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TWINCHAT_OLLAMA_URL", "http://remote:11434")
	t.Setenv("TWINCHAT_LLM_TIMEOUT", "45s")
	t.Setenv("TWINCHAT_TOP_K", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://remote:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "http://remote:11434", cfg.Embedding.OllamaEndpoint)
	assert.Equal(t, 45*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 7, cfg.Retrieval.TopK)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.LLM.BaseURL = "" }},
		{"missing model", func(c *Config) { c.LLM.Model = "" }},
		{"bad embedding provider", func(c *Config) { c.Embedding.Provider = "chroma" }},
		{"genai without key", func(c *Config) { c.Embedding.Provider = "genai" }},
		{"bad persona strategy", func(c *Config) { c.Persona.Strategy = "hybrid" }},
		{"zero history", func(c *Config) { c.History.MaxTurns = 0 }},
		{"inverted lengths", func(c *Config) { c.Sanitize.MaxLength = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetRetryDelay_BadValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.RetryDelay = "not-a-duration"
	assert.Equal(t, 2*time.Second, cfg.GetRetryDelay())
}
