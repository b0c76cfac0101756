package persona

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"twinchat/internal/corpus"
)

// Completer is the minimal LLM surface the model-assisted extractor needs.
// Mirrors inference.Client to avoid the heavier dependency here.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelExtractor is the LLM-assisted extraction strategy. It issues one
// free-form JSON request per profile section; a section whose request or
// parse fails keeps that section's default and the other sections still
// run. Output schema is identical to the rule-based strategy.
type ModelExtractor struct {
	llm    Completer
	opts   RuleOptions
	logger *zap.Logger

	// Sections the rules cannot fill are delegated to the model; the
	// deterministic extractor still supplies the pattern-based fields so
	// a completely unavailable model degrades to the rules output.
	rules *RuleExtractor
}

// NewModelExtractor creates the LLM-assisted extractor.
func NewModelExtractor(llm Completer, opts RuleOptions, logger *zap.Logger) *ModelExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelExtractor{
		llm:    llm,
		opts:   opts,
		logger: logger,
		rules:  NewRuleExtractor(opts, logger),
	}
}

type personalSection struct {
	FullName   string `json:"full_name"`
	Age        string `json:"age"`
	City       string `json:"city"`
	Occupation string `json:"occupation"`
}

type beliefsSection struct {
	Beliefs []string `json:"beliefs"`
}

type styleSection struct {
	Tone     string   `json:"tone"`
	Traits   []string `json:"traits"`
	Keywords []string `json:"keywords"`
}

// Extract runs the rule stages first, then asks the model for the
// sections rules cannot produce. It never fails outright.
func (e *ModelExtractor) Extract(ctx context.Context, msgs []corpus.Message) (*Profile, error) {
	profile, _ := e.rules.Extract(ctx, msgs)
	profile.Method = "model"
	profile.ExtractedAt = time.Now()

	excerpt := corpusExcerpt(msgs, 50)
	if excerpt == "" {
		return profile, nil
	}

	// Personal facts: the model may fill fields the templates missed,
	// but never overwrites a rule-extracted value.
	var personal personalSection
	if e.askSection(ctx, excerpt,
		`Извлеки из сообщений факты о человеке. Ответь только JSON вида {"full_name":"","age":"","city":"","occupation":""}. Оставляй поле пустым, если факта нет.`,
		&personal) {
		if profile.Personal.FullName == "" {
			profile.Personal.FullName = personal.FullName
		}
		if profile.Personal.Age == "" {
			profile.Personal.Age = personal.Age
		}
		if profile.Personal.City == "" {
			profile.Personal.City = personal.City
		}
		if profile.Personal.Occupation == "" {
			profile.Personal.Occupation = personal.Occupation
		}
	}

	var beliefs beliefsSection
	if e.askSection(ctx, excerpt,
		`Определи убеждения и ценности автора сообщений. Ответь только JSON вида {"beliefs":["..."]}. Пустой список, если не видно.`,
		&beliefs) {
		profile.Beliefs = beliefs.Beliefs
	}

	var style styleSection
	if e.askSection(ctx, excerpt,
		`Опиши стиль общения автора. Ответь только JSON вида {"tone":"","traits":["..."],"keywords":["..."]}.`,
		&style) {
		profile.Style = Style(style)
	}

	return profile, nil
}

// askSection runs one section request and decodes its JSON answer.
// Returns false on any failure, leaving the section default in place.
func (e *ModelExtractor) askSection(ctx context.Context, excerpt, instruction string, out interface{}) bool {
	raw, err := e.llm.Complete(ctx, instruction+"\n\nСообщения:\n"+excerpt)
	if err != nil {
		e.logger.Warn("Section extraction failed, keeping default", zap.Error(err))
		return false
	}

	jsonText := extractJSON(raw)
	if jsonText == "" {
		e.logger.Warn("Section answer contained no JSON")
		return false
	}
	if err := json.Unmarshal([]byte(jsonText), out); err != nil {
		e.logger.Warn("Section answer did not parse, keeping default", zap.Error(err))
		return false
	}
	return true
}

// corpusExcerpt joins up to n message texts for a section prompt.
func corpusExcerpt(msgs []corpus.Message, n int) string {
	if n > len(msgs) {
		n = len(msgs)
	}
	var b strings.Builder
	for _, m := range msgs[:n] {
		b.WriteString("- ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// extractJSON pulls the first balanced JSON object out of a model answer
// that may wrap it in prose or code fences.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
