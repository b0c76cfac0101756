// Package orchestrator drives one question through the answer pipeline:
// gather persona context, build the prompt, call the model, sanitize the
// reply. The pipeline never surfaces errors to the transport layer; every
// failure path ends in the configured fallback reply.
package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"twinchat/internal/history"
	"twinchat/internal/inference"
	"twinchat/internal/persona"
	"twinchat/internal/prompt"
	"twinchat/internal/retrieval"
	"twinchat/internal/sanitize"
)

// Retriever is the similarity-search surface the pipeline needs.
// *retrieval.Index satisfies it.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]retrieval.Result, error)
}

// Config bounds the answer loop.
type Config struct {
	// TopK retrieval hits injected into the prompt.
	TopK int
	// GenerationAttempts is the total number of model calls per question
	// before giving up.
	GenerationAttempts int
	// FallbackReply is returned when every attempt fails.
	FallbackReply string
}

// DefaultConfig returns pipeline bounds matching the rest of the stack.
func DefaultConfig() Config {
	return Config{
		TopK:               3,
		GenerationAttempts: 2,
		FallbackReply:      "Хм, не могу сейчас придумать ответ. Спроси что-нибудь ещё!",
	}
}

// Orchestrator answers questions as one persona. Safe for concurrent use
// across different conversation ids; the underlying stores serialize
// same-key writers themselves.
type Orchestrator struct {
	userID    string
	profile   *persona.Profile
	retriever Retriever
	history   *history.Store
	builder   *prompt.Builder
	client    inference.Client
	formatter *sanitize.Formatter
	cfg       Config
	logger    *zap.Logger

	closer func() error
}

// Deps are the collaborators an Orchestrator composes. Retriever and
// Profile may be nil: the pipeline degrades to prompt layers that exist.
type Deps struct {
	UserID    string
	Profile   *persona.Profile
	Retriever Retriever
	History   *history.Store
	Builder   *prompt.Builder
	Client    inference.Client
	Formatter *sanitize.Formatter

	// Closer releases resources the orchestrator owns, typically the
	// retrieval index handle. Optional.
	Closer func() error
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.GenerationAttempts <= 0 {
		cfg.GenerationAttempts = def.GenerationAttempts
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = def.FallbackReply
	}
	return &Orchestrator{
		userID:    deps.UserID,
		profile:   deps.Profile,
		retriever: deps.Retriever,
		history:   deps.History,
		builder:   deps.Builder,
		client:    deps.Client,
		formatter: deps.Formatter,
		cfg:       cfg,
		logger:    logger.With(zap.String("user", deps.UserID)),
		closer:    deps.Closer,
	}
}

// GetAnswer runs the full pipeline for one question. It always returns a
// usable reply string and never an error: a clean model answer, a direct
// answer from the persona profile, or the fallback.
func (o *Orchestrator) GetAnswer(ctx context.Context, question, conversationID string) string {
	if question == "" {
		return o.cfg.FallbackReply
	}

	// Identity questions are answered straight from the profile when
	// possible, skipping the model entirely.
	if answer := o.realtimeAnswer(question); answer != "" {
		o.logger.Debug("Answered from profile fast path",
			zap.String("conversation", conversationID))
		o.remember(conversationID, question, answer)
		return answer
	}

	p := o.buildPrompt(ctx, question, conversationID)

	for attempt := 1; attempt <= o.cfg.GenerationAttempts; attempt++ {
		raw, err := o.client.Chat(ctx, o.messages(p), inference.Options{})
		if err != nil {
			if errors.Is(err, inference.ErrConnection) {
				// The backend is unreachable; further attempts
				// cannot help.
				o.logger.Warn("Inference backend unreachable", zap.Error(err))
				break
			}
			o.logger.Warn("Inference attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		answer, err := o.formatter.Sanitize(raw)
		if err != nil {
			o.logger.Debug("Reply rejected",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		o.remember(conversationID, question, answer)
		return answer
	}

	o.logger.Info("All generation attempts exhausted, using fallback",
		zap.String("conversation", conversationID))
	return o.cfg.FallbackReply
}

// ClearHistory forgets a conversation.
func (o *Orchestrator) ClearHistory(conversationID string) error {
	if o.history == nil {
		return nil
	}
	return o.history.Clear(conversationID)
}

// Close releases owned resources.
func (o *Orchestrator) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer()
}

func (o *Orchestrator) buildPrompt(ctx context.Context, question, conversationID string) prompt.Prompt {
	var docs []retrieval.Result
	if o.retriever != nil {
		var err error
		docs, err = o.retriever.Query(ctx, question, o.cfg.TopK)
		if err != nil {
			// Retrieval is an enrichment, not a requirement.
			o.logger.Warn("Retrieval failed, continuing without context", zap.Error(err))
			docs = nil
		}
	}

	var turns []history.Turn
	if o.history != nil {
		var err error
		turns, err = o.history.Recent(conversationID)
		if err != nil {
			o.logger.Warn("History read failed", zap.Error(err))
		}
	}

	return o.builder.Build(question, o.profile, docs, turns)
}

func (o *Orchestrator) messages(p prompt.Prompt) []inference.Message {
	var msgs []inference.Message
	if p.System != "" {
		msgs = append(msgs, inference.Message{Role: "system", Content: p.System})
	}
	return append(msgs, inference.Message{Role: "user", Content: p.Question})
}

// remember records an accepted exchange. History failures are logged, not
// surfaced: the user already has their answer.
func (o *Orchestrator) remember(conversationID, question, answer string) {
	if o.history == nil {
		return
	}
	if err := o.history.Append(conversationID, history.RoleUser, question); err != nil {
		o.logger.Warn("Failed to record question", zap.Error(err))
		return
	}
	if err := o.history.Append(conversationID, history.RoleAssistant, answer); err != nil {
		o.logger.Warn("Failed to record answer", zap.Error(err))
	}
}
