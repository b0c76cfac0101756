package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"twinchat/internal/retry"
)

// Message is one chat turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion request.
type Options struct {
	Temperature float64
	TopP        float64
}

// Client is the minimal surface the pipeline needs from a language-model
// backend.
type Client interface {
	// Chat sends a full message list and returns the raw completion.
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)

	// Complete sends a single user prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures the Ollama chat client.
type Config struct {
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxPromptChars int
	Retry          retry.Policy
}

// DefaultConfig returns sensible defaults for a local Ollama server.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:11434",
		Model:          "mistral:7b",
		Timeout:        2 * time.Minute,
		MaxPromptChars: 8000,
		Retry:          retry.DefaultPolicy(),
	}
}

// OllamaClient talks to an Ollama-compatible chat-completion endpoint.
// The request/response shape matches the local inference server:
// POST {base}/api/chat with {model, messages, stream:false, temperature,
// top_p}, answering {message:{content}}.
type OllamaClient struct {
	baseURL        string
	model          string
	httpClient     *http.Client
	maxPromptChars int
	policy         retry.Policy
	temperature    float64
	topP           float64
	logger         *zap.Logger
}

// NewOllamaClient creates an Ollama chat client.
func NewOllamaClient(cfg Config, logger *zap.Logger) *OllamaClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = 8000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &OllamaClient{
		baseURL:        cfg.BaseURL,
		model:          cfg.Model,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxPromptChars: cfg.MaxPromptChars,
		policy:         cfg.Retry,
		temperature:    0.7,
		topP:           0.85,
		logger:         logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Chat sends the message list and returns the raw completion text.
// Timeouts and 5xx responses are retried with linear backoff; an
// unreachable backend fails immediately.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	messages = c.truncateMessages(messages)

	if opts.Temperature == 0 {
		opts.Temperature = c.temperature
	}
	if opts.TopP == 0 {
		opts.TopP = c.topP
	}

	var answer string
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		answer, attemptErr = c.send(ctx, messages, opts)
		return attemptErr
	}, Retryable)
	if err != nil {
		return "", err
	}
	return answer, nil
}

// Complete sends a single user prompt.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, Options{})
}

// send performs one independent request attempt.
func (c *OllamaClient) send(ctx context.Context, messages []Message, opts Options) (string, error) {
	// Auto-apply the client timeout if the context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyTransport(err)
		c.logger.Warn("Inference request failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(classified))
		return "", classified
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ServerError{Code: resp.StatusCode, Body: truncateForLog(string(body), 200)}
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Inference completed",
		zap.String("model", c.model),
		zap.Int("answer_chars", len(result.Message.Content)),
		zap.Duration("elapsed", time.Since(start)))
	return result.Message.Content, nil
}

// truncateMessages pre-truncates an oversized prompt instead of rejecting
// it, so oversized persona data degrades answer quality rather than
// breaking the pipeline. The system message carries the persona context
// and is cut first; if that is not enough the remaining excess comes out
// of the other messages in order, the final user message last.
func (c *OllamaClient) truncateMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content))
	}
	excess := total - c.maxPromptChars
	if excess <= 0 {
		return messages
	}

	out := make([]Message, len(messages))
	copy(out, messages)

	trim := func(i int) {
		if excess <= 0 {
			return
		}
		runes := []rune(out[i].Content)
		keep := len(runes) - excess
		if keep < 0 {
			keep = 0
		}
		excess -= len(runes) - keep
		out[i].Content = string(runes[:keep])
	}

	for i := range out {
		if out[i].Role == "system" {
			trim(i)
		}
	}
	for i := range out[:len(out)-1] {
		if out[i].Role != "system" {
			trim(i)
		}
	}
	trim(len(out) - 1)

	c.logger.Warn("Pre-truncated oversized prompt",
		zap.Int("max_chars", c.maxPromptChars))
	return out
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
