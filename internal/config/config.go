// Package config loads and validates twinchat configuration from YAML,
// with environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all twinchat configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM backend used for reply generation
	LLM LLMConfig `yaml:"llm"`

	// Embedding backend used by the retrieval index
	Embedding EmbeddingConfig `yaml:"embedding"`

	// On-disk state locations
	Storage StorageConfig `yaml:"storage"`

	// Persona extraction
	Persona PersonaConfig `yaml:"persona"`

	// Retrieval index
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Prompt assembly
	Prompt PromptConfig `yaml:"prompt"`

	// Dialogue history
	History HistoryConfig `yaml:"history"`

	// Reply sanitization
	Sanitize SanitizeConfig `yaml:"sanitize"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the chat-completion backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // ollama
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	// Retry policy for timeouts and server errors
	MaxAttempts int    `yaml:"max_attempts"`
	RetryDelay  string `yaml:"retry_delay"`

	// Prompts longer than this are pre-truncated before sending
	MaxPromptChars int `yaml:"max_prompt_chars"`

	// Fallback string shown when all generation attempts fail
	FallbackReply string `yaml:"fallback_reply"`

	// Total generation attempts per question (inference + sanitize loop)
	GenerationAttempts int `yaml:"generation_attempts"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama or genai

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Documents embedded per batch during index builds
	BatchSize int `yaml:"batch_size"`
}

// StorageConfig configures where per-user state lives.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	RegistryPath string `yaml:"registry_path"`
}

// PersonaConfig configures profile extraction.
type PersonaConfig struct {
	// rules (deterministic) or model (LLM-assisted, falls back per section)
	Strategy string `yaml:"strategy"`

	MaxInterests   int `yaml:"max_interests"`
	MaxSampleSize  int `yaml:"max_sample_size"`
	MinNameLength  int `yaml:"min_name_length"`
	MaxValueLength int `yaml:"max_value_length"`
}

// RetrievalConfig configures nearest-neighbor retrieval.
type RetrievalConfig struct {
	TopK             int `yaml:"top_k"`
	SnippetMaxChars  int `yaml:"snippet_max_chars"`
	MinMessageLength int `yaml:"min_message_length"`
	MaxMessageLength int `yaml:"max_message_length"`
}

// PromptConfig configures prompt assembly.
type PromptConfig struct {
	CharBudget   int `yaml:"char_budget"`
	HistoryTurns int `yaml:"history_turns"`
	MaxFacts     int `yaml:"max_facts"`
}

// HistoryConfig configures the dialogue history ring.
type HistoryConfig struct {
	// Turn pairs kept per conversation (2*MaxTurns entries)
	MaxTurns int `yaml:"max_turns"`
}

// SanitizeConfig configures reply validation. Marker lists and thresholds
// vary between deployments, so they are data rather than code.
type SanitizeConfig struct {
	LeakMarkers       []string `yaml:"leak_markers"`
	ExampleMarkers    []string `yaml:"example_markers"`
	StructuralMarkers []string `yaml:"structural_markers"`

	MinLength     int     `yaml:"min_length"`
	MaxLength     int     `yaml:"max_length"`
	MinAlphaRatio float64 `yaml:"min_alpha_ratio"`
	MaxCharRepeat int     `yaml:"max_char_repeat"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "twinchat",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:           "ollama",
			BaseURL:            "http://localhost:11434",
			Model:              "mistral:7b",
			Timeout:            "120s",
			Temperature:        0.7,
			TopP:               0.85,
			MaxAttempts:        3,
			RetryDelay:         "2s",
			MaxPromptChars:     8000,
			FallbackReply:      "Хм, не могу сейчас придумать ответ. Спроси что-нибудь ещё!",
			GenerationAttempts: 2,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "paraphrase-multilingual",
			GenAIModel:     "gemini-embedding-001",
			BatchSize:      500,
		},

		Storage: StorageConfig{
			DataDir:      "data",
			DatabasePath: "data/twinchat.db",
			RegistryPath: "data/clone_links.json",
		},

		Persona: PersonaConfig{
			Strategy:       "rules",
			MaxInterests:   8,
			MaxSampleSize:  200,
			MinNameLength:  3,
			MaxValueLength: 50,
		},

		Retrieval: RetrievalConfig{
			TopK:             3,
			SnippetMaxChars:  200,
			MinMessageLength: 3,
			MaxMessageLength: 5000,
		},

		Prompt: PromptConfig{
			CharBudget:   4000,
			HistoryTurns: 2,
			MaxFacts:     3,
		},

		History: HistoryConfig{
			MaxTurns: 5,
		},

		Sanitize: SanitizeConfig{
			LeakMarkers: []string{
				"я не человек",
				"я помощник claude",
				"я помощник от anthropic",
				"я ассистент от openai",
				"я язык модель",
				"следуй этим инструкциям",
				"[инструкция",
				"[система",
				"[промт",
			},
			ExampleMarkers: []string{
				"например:", "например -", "примеры:",
				"отвечаю коротко", "критических правил",
			},
			StructuralMarkers: []string{
				"ИСТОРИЯ:", "[Вопрос:]", "[Ответ]:", "Инструкции:",
			},
			MinLength:     3,
			MaxLength:     1000,
			MinAlphaRatio: 0.5,
			MaxCharRepeat: 3,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// missing sections and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TWINCHAT_OLLAMA_URL"); v != "" {
		c.LLM.BaseURL = v
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("TWINCHAT_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TWINCHAT_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
		c.Storage.DatabasePath = filepath.Join(v, "twinchat.db")
		c.Storage.RegistryPath = filepath.Join(v, "clone_links.json")
	}
	if v := os.Getenv("TWINCHAT_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("TWINCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TWINCHAT_LLM_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.LLM.Timeout = v
		}
	}
	if v := os.Getenv("TWINCHAT_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.TopK = k
		}
	}
}

// GetLLMTimeout parses the LLM timeout, falling back to 120s.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetRetryDelay parses the base retry delay, falling back to 2s.
func (c *Config) GetRetryDelay() time.Duration {
	d, err := time.ParseDuration(c.LLM.RetryDelay)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("embedding.provider must be ollama or genai, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return fmt.Errorf("embedding.genai_api_key is required for the genai provider")
	}
	switch c.Persona.Strategy {
	case "rules", "model":
	default:
		return fmt.Errorf("persona.strategy must be rules or model, got %q", c.Persona.Strategy)
	}
	if c.History.MaxTurns <= 0 {
		return fmt.Errorf("history.max_turns must be positive")
	}
	if c.Sanitize.MaxLength <= c.Sanitize.MinLength {
		return fmt.Errorf("sanitize.max_length must exceed sanitize.min_length")
	}
	if c.Prompt.CharBudget <= 0 {
		return fmt.Errorf("prompt.char_budget must be positive")
	}
	return nil
}
