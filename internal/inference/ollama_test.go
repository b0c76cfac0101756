package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"twinchat/internal/retry"
)

func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Model:          "test-model",
		Timeout:        2 * time.Second,
		MaxPromptChars: 8000,
		Retry:          retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

func TestChat_WireShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.Stream {
			t.Error("Expected stream:false")
		}
		if req.Model != "test-model" {
			t.Errorf("Unexpected model: %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("Unexpected messages: %+v", req.Messages)
		}
		if req.Temperature != 0.7 || req.TopP != 0.85 {
			t.Errorf("Unexpected sampling params: %f %f", req.Temperature, req.TopP)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"content": "Привет!"},
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(fastConfig(srv.URL), nil)
	answer, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "Ты — Андрей"},
		{Role: "user", Content: "как дела?"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if answer != "Привет!" {
		t.Errorf("Unexpected answer: %q", answer)
	}
}

func TestChat_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"content": "ответ"},
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(fastConfig(srv.URL), nil)
	answer, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "вопрос"}}, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if answer != "ответ" {
		t.Errorf("Unexpected answer: %q", answer)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestChat_AlwaysFailingServerExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(fastConfig(srv.URL), nil)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "вопрос"}}, Options{})

	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("Expected ServerError, got %v", err)
	}
	if srvErr.Code != 500 {
		t.Errorf("Expected code 500, got %d", srvErr.Code)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestChat_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(fastConfig(srv.URL), nil)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "вопрос"}}, Options{})

	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("Expected ServerError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt for 4xx, got %d", calls)
	}
}

func TestChat_ConnectionRefusedNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening now

	start := time.Now()
	cfg := fastConfig(srv.URL)
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}
	c := NewOllamaClient(cfg, nil)

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "вопрос"}}, Options{})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Expected ErrConnection, got %v", err)
	}
	// No backoff should have happened.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Connection error took %v, suggests it was retried", elapsed)
	}
}

func TestChat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can detect the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	c := NewOllamaClient(cfg, nil)

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "вопрос"}}, Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestChat_PreTruncatesOversizedPrompt(t *testing.T) {
	var gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotSystem = req.Messages[0].Content
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"content": "ок"},
		})
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MaxPromptChars = 100
	c := NewOllamaClient(cfg, nil)

	huge := strings.Repeat("я", 500)
	_, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: huge},
		{Role: "user", Content: "вопрос?"},
	}, Options{})
	if err != nil {
		t.Fatalf("Oversized prompt must be truncated, not rejected: %v", err)
	}
	if len([]rune(gotSystem))+len([]rune("вопрос?")) > 100 {
		t.Errorf("Prompt not truncated: system is %d runes", len([]rune(gotSystem)))
	}
}

func TestChat_CeilingEnforcedWithoutSystemMessage(t *testing.T) {
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		received = 0
		for _, m := range req.Messages {
			received += len([]rune(m.Content))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"content": "ок"},
		})
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MaxPromptChars = 100
	c := NewOllamaClient(cfg, nil)

	_, err := c.Chat(context.Background(), []Message{
		{Role: "user", Content: strings.Repeat("я", 500)},
	}, Options{})
	if err != nil {
		t.Fatalf("Oversized prompt must be truncated, not rejected: %v", err)
	}
	if received > 100 {
		t.Errorf("Backend received %d runes with a 100-rune ceiling", received)
	}
}

func TestChat_CeilingSpillsPastSystemMessage(t *testing.T) {
	var msgs []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		msgs = req.Messages
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": map[string]string{"content": "ок"},
		})
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MaxPromptChars = 50
	c := NewOllamaClient(cfg, nil)

	// System is only 30 runes, so the remaining excess must come out of
	// the user message.
	_, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: strings.Repeat("с", 30)},
		{Role: "user", Content: strings.Repeat("в", 200)},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	total := 0
	for _, m := range msgs {
		total += len([]rune(m.Content))
	}
	if total > 50 {
		t.Errorf("Backend received %d runes with a 50-rune ceiling", total)
	}
	// The user message keeps whatever room the system layer freed up.
	if got := len([]rune(msgs[len(msgs)-1].Content)); got == 0 {
		t.Error("User message fully discarded instead of trimmed")
	}
}

func TestRetryable_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", ErrTimeout, true},
		{"500", &ServerError{Code: 500}, true},
		{"503", &ServerError{Code: 503}, true},
		{"404", &ServerError{Code: 404}, false},
		{"connection", ErrConnection, false},
		{"other", errors.New("misc"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
