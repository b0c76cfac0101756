// Package prompt assembles the persona prompt from its sources in fixed
// precedence order: persona summary, query-relevant facts, retrieved
// snippets, recent history, then the question itself. When the assembled
// prompt exceeds the character budget, layers are dropped from the lowest
// precedence inward so the persona identity survives truncation.
package prompt

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"twinchat/internal/history"
	"twinchat/internal/persona"
	"twinchat/internal/retrieval"
)

// Config bounds the assembled prompt.
type Config struct {
	// CharBudget is the total budget for system text plus question.
	CharBudget int
	// HistoryTurns is how many recent turns to render.
	HistoryTurns int
	// MaxFacts caps query-relevant fact injection.
	MaxFacts int
	// SnippetMaxChars truncates each retrieved snippet.
	SnippetMaxChars int
}

// DefaultConfig returns prompt bounds suitable for a local 7B model.
func DefaultConfig() Config {
	return Config{
		CharBudget:      4000,
		HistoryTurns:    2,
		MaxFacts:        3,
		SnippetMaxChars: 200,
	}
}

// Prompt is an assembled prompt split into the persona context and the
// user's question, so chat-style backends can send them as separate roles.
type Prompt struct {
	System   string
	Question string
}

// Text renders the prompt as a single completion-style string.
func (p Prompt) Text() string {
	if p.System == "" {
		return fmt.Sprintf("Вопрос: %s\nОтвет:", p.Question)
	}
	return fmt.Sprintf("%s\n\nВопрос: %s\nОтвет:", p.System, p.Question)
}

// Builder assembles prompts.
type Builder struct {
	cfg    Config
	logger *zap.Logger
}

// NewBuilder creates a prompt builder. Zero config fields fall back to
// defaults.
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = def.CharBudget
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.MaxFacts <= 0 {
		cfg.MaxFacts = def.MaxFacts
	}
	if cfg.SnippetMaxChars <= 0 {
		cfg.SnippetMaxChars = def.SnippetMaxChars
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build assembles the prompt. Every layer is optional: an empty profile,
// no retrieval hits, or no history simply omit that layer.
func (b *Builder) Build(question string, profile *persona.Profile, docs []retrieval.Result, turns []history.Turn) Prompt {
	summary := b.summaryLayer(profile)
	facts := b.factsLayer(question, profile)
	snippets := b.snippetLayer(docs)
	recent := b.historyLayer(turns)

	// Drop order under budget pressure mirrors precedence: history goes
	// first, the persona summary last. The question is never dropped.
	layers := []*string{&summary, &facts, &snippets, &recent}
	for i := len(layers) - 1; i >= 0; i-- {
		if b.withinBudget(question, layers) {
			break
		}
		if *layers[i] != "" {
			b.logger.Debug("Dropping prompt layer over budget", zap.Int("layer", i))
			*layers[i] = ""
		}
	}

	// A question longer than the whole budget gets cut too, once every
	// droppable layer is gone.
	if !b.withinBudget(question, layers) {
		keep := b.cfg.CharBudget - framingOverhead - 2*len(layers)
		if keep < 0 {
			keep = 0
		}
		if runes := []rune(question); len(runes) > keep {
			b.logger.Warn("Truncating oversized question", zap.Int("kept_chars", keep))
			question = string(runes[:keep])
		}
	}

	var parts []string
	for _, l := range layers {
		if *l != "" {
			parts = append(parts, *l)
		}
	}
	return Prompt{System: strings.Join(parts, "\n\n"), Question: question}
}

// framingOverhead covers the question/answer markers Text() adds around
// the assembled layers.
const framingOverhead = 20

func (b *Builder) withinBudget(question string, layers []*string) bool {
	total := len([]rune(question)) + framingOverhead
	for _, l := range layers {
		total += len([]rune(*l)) + 2
	}
	return total <= b.cfg.CharBudget
}

func (b *Builder) summaryLayer(profile *persona.Profile) string {
	if profile == nil {
		return ""
	}
	clauses := profile.SummaryClauses()
	if len(clauses) == 0 {
		return ""
	}
	return "Ты отвечаешь как реальный человек, от первого лица. " +
		strings.Join(clauses, ". ") + "."
}

// factsLayer injects a fact bucket only when the question touches its
// domain, so tangential facts do not steer unrelated answers.
func (b *Builder) factsLayer(question string, profile *persona.Profile) string {
	if profile == nil {
		return ""
	}
	q := strings.ToLower(question)
	var facts []string
	for _, bucket := range profile.Buckets() {
		if len(facts) >= b.cfg.MaxFacts {
			break
		}
		for _, trigger := range bucket.Triggers {
			if strings.Contains(q, trigger) {
				facts = append(facts, bucket.Fact)
				break
			}
		}
	}
	if len(facts) == 0 {
		return ""
	}
	return "Факты о тебе: " + strings.Join(facts, "; ") + "."
}

func (b *Builder) snippetLayer(docs []retrieval.Result) string {
	if len(docs) == 0 {
		return ""
	}
	var lines []string
	for _, d := range docs {
		text := d.Document.Text
		if runes := []rune(text); len(runes) > b.cfg.SnippetMaxChars {
			text = string(runes[:b.cfg.SnippetMaxChars])
		}
		lines = append(lines, "«"+strings.TrimSpace(text)+"»")
	}
	return "Твои похожие сообщения из переписки:\n" + strings.Join(lines, "\n")
}

func (b *Builder) historyLayer(turns []history.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > b.cfg.HistoryTurns*2 {
		turns = turns[len(turns)-b.cfg.HistoryTurns*2:]
	}
	var lines []string
	for _, t := range turns {
		role := "Пользователь"
		if t.Role == history.RoleAssistant {
			role = "Ты"
		}
		lines = append(lines, role+": "+t.Text)
	}
	return "Недавний разговор:\n" + strings.Join(lines, "\n")
}
