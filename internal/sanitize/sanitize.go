// Package sanitize validates and cleans raw model output before it is shown
// to a user. Local models routinely echo their instructions, enumerate
// examples, or degenerate into repeated characters; every reply passes
// through the same ordered pipeline so none of that leaks out.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// ErrRejected signals that the raw output is unusable and the caller should
// regenerate. It is distinct from an empty string: rejection means "try
// again", not "the model said nothing".
var ErrRejected = errors.New("reply rejected")

// Config holds the marker lists and thresholds for reply validation.
// Markers vary between deployments and model families, so they are data
// rather than code.
type Config struct {
	// LeakMarkers reject the whole reply (lowercase substrings).
	LeakMarkers []string
	// ExampleMarkers truncate the reply at their first occurrence
	// (matched case-insensitively).
	ExampleMarkers []string
	// StructuralMarkers truncate the reply at their first occurrence
	// (matched exactly).
	StructuralMarkers []string

	MinLength     int
	MaxLength     int
	MinAlphaRatio float64
	MaxCharRepeat int
}

// DefaultConfig returns markers and thresholds tuned for Russian-language
// persona chat on local models.
func DefaultConfig() Config {
	return Config{
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
	}
}

var (
	rolePrefixRe = regexp.MustCompile(`^(?:Ассистент|Ассистентка|Бот|Ответ|Assistant)\s*:\s*`)
	bulletRe     = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	cyrillicRe   = regexp.MustCompile(`[а-яёА-ЯЁ]`)
	sentenceEnd  = ".!?…"
)

// Formatter sanitizes raw model replies.
type Formatter struct {
	cfg    Config
	logger *zap.Logger
}

// NewFormatter creates a formatter with the given configuration. Zero
// thresholds fall back to defaults so a partially filled config stays safe.
func NewFormatter(cfg Config, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if cfg.MinAlphaRatio <= 0 {
		cfg.MinAlphaRatio = def.MinAlphaRatio
	}
	if cfg.MaxCharRepeat <= 0 {
		cfg.MaxCharRepeat = def.MaxCharRepeat
	}
	return &Formatter{cfg: cfg, logger: logger}
}

// Sanitize runs the validation pipeline over raw model output. It returns
// the cleaned reply, or ErrRejected when the output is unusable. Sanitize
// is idempotent: feeding a clean reply back in returns it unchanged.
func (f *Formatter) Sanitize(raw string) (string, error) {
	lower := strings.ToLower(raw)
	for _, marker := range f.cfg.LeakMarkers {
		if strings.Contains(lower, marker) {
			f.logger.Debug("Reply rejected by leak marker", zap.String("marker", marker))
			return "", fmt.Errorf("%w: leak marker %q", ErrRejected, marker)
		}
	}

	text := raw
	if cut := earliestMarker(strings.ToLower(text), f.cfg.ExampleMarkers, true); cut >= 0 {
		text = text[:cut]
	}
	if cut := earliestMarker(text, f.cfg.StructuralMarkers, false); cut >= 0 {
		text = text[:cut]
	}

	text = strings.TrimSpace(text)
	text = rolePrefixRe.ReplaceAllString(text, "")

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if bulletRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")

	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	text = f.cutToLength(text)

	if len([]rune(text)) < f.cfg.MinLength {
		return "", fmt.Errorf("%w: too short after cleaning", ErrRejected)
	}
	if reason := f.gibberishReason(text); reason != "" {
		f.logger.Debug("Reply rejected as gibberish", zap.String("reason", reason))
		return "", fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return text, nil
}

// earliestMarker returns the byte offset of the first marker occurrence, or
// -1 if none match. Lowercasing preserves byte offsets for Cyrillic and
// ASCII, so offsets found in the lowered text apply to the original.
func earliestMarker(text string, markers []string, lowered bool) int {
	best := -1
	for _, m := range markers {
		if lowered {
			m = strings.ToLower(m)
		}
		if idx := strings.Index(text, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// cutToLength enforces the hard maximum, preferring the last sentence
// boundary inside the bound over a mid-word cut.
func (f *Formatter) cutToLength(text string) string {
	runes := []rune(text)
	if len(runes) <= f.cfg.MaxLength {
		return text
	}
	runes = runes[:f.cfg.MaxLength]
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(sentenceEnd, runes[i]) {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return strings.TrimSpace(string(runes))
}

// gibberishReason applies the degenerate-generation heuristics: a character
// repeated past the limit, or too few Cyrillic letters among word
// characters. An empty return means the text looks plausible.
func (f *Formatter) gibberishReason(text string) string {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev && !unicode.IsSpace(r) {
			run++
			if run > f.cfg.MaxCharRepeat {
				return fmt.Sprintf("character %q repeated %d times", r, run)
			}
		} else {
			run = 1
		}
		prev = r
	}

	wordChars := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			wordChars++
		}
	}
	if wordChars == 0 {
		return "no word characters"
	}
	cyrillic := len(cyrillicRe.FindAllString(text, -1))
	if ratio := float64(cyrillic) / float64(wordChars); ratio < f.cfg.MinAlphaRatio {
		return fmt.Sprintf("cyrillic ratio %.2f below threshold", ratio)
	}
	return ""
}
