package persona

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"twinchat/internal/corpus"
)

// Extractor builds a Profile from a message corpus. Each extraction stage
// is independently fault-tolerant: a failed stage yields that stage's
// default value and the remaining stages still run.
type Extractor interface {
	Extract(ctx context.Context, msgs []corpus.Message) (*Profile, error)
}

// RuleOptions bounds the deterministic extractor.
type RuleOptions struct {
	MaxInterests   int
	MaxSampleSize  int
	MinNameLength  int
	MaxValueLength int
}

// DefaultRuleOptions mirrors the historical extraction thresholds.
func DefaultRuleOptions() RuleOptions {
	return RuleOptions{
		MaxInterests:   8,
		MaxSampleSize:  200,
		MinNameLength:  3,
		MaxValueLength: 50,
	}
}

// RuleExtractor is the deterministic, pattern-based extraction strategy.
// It scans for fixed linguistic templates and keyword buckets; the
// model-assisted strategy produces the same schema.
type RuleExtractor struct {
	opts   RuleOptions
	logger *zap.Logger
}

// NewRuleExtractor creates the deterministic extractor.
func NewRuleExtractor(opts RuleOptions, logger *zap.Logger) *RuleExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxInterests <= 0 {
		opts.MaxInterests = 8
	}
	if opts.MaxSampleSize <= 0 {
		opts.MaxSampleSize = 200
	}
	if opts.MaxValueLength <= 0 {
		opts.MaxValueLength = 50
	}
	return &RuleExtractor{opts: opts, logger: logger}
}

// Name templates. The bare "я Имя" form is noisy, so it additionally
// requires the candidate to be on the common-names allow list.
var (
	strongNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:меня зовут|Меня зовут)\s+([А-ЯЁ][а-яё]{2,})`),
		regexp.MustCompile(`(?:мо[её] имя|Мо[её] имя)\s+([А-ЯЁ][а-яё]{2,})`),
		regexp.MustCompile(`(?:зовите меня|Зовите меня)\s+([А-ЯЁ][а-яё]{2,})`),
	}
	weakNamePattern = regexp.MustCompile(`(?:^|\s)(?:я|Я)\s+([А-ЯЁ][а-яё]{2,})`)

	commonNames = []string{
		"андрей", "алексей", "сергей", "дмитрий", "иван",
		"максим", "артем", "артём", "владимир", "николай",
		"анна", "мария", "елена", "ольга", "наталья",
	}

	agePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)мне\s+(\d{1,2})\s+лет`),
		regexp.MustCompile(`(?i)возраст\s+(\d{1,2})`),
		regexp.MustCompile(`(?i)(\d{1,2})\s+год`),
	}

	cityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:живу в|Живу в)\s+([А-ЯЁ][а-яё]+)`),
		regexp.MustCompile(`(?:город|Город)\s+([А-ЯЁ][а-яё]+)`),
		regexp.MustCompile(`(?:в|В)\s+([А-ЯЁ][а-яё]+)\s+живу`),
		regexp.MustCompile(`(?:из|Из)\s+([А-ЯЁ][а-яё]+)`),
	}

	workPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)работаю\s+([^.,!?\n]+)`),
		regexp.MustCompile(`(?i)занимаюсь\s+([^.,!?\n]+)`),
		regexp.MustCompile(`(?i)профессия\s+([^.,!?\n]+)`),
	}

	educationPattern = regexp.MustCompile(`(?i)учусь\s+([^.,!?\n]+)`)

	friendPattern = regexp.MustCompile(`(?i:друг|подруг|знакомый)\s+([А-ЯЁ][а-яё]{2,})`)

	pronouns = map[string]bool{"меня": true, "тебя": true, "себя": true, "него": true}
)

// interestBuckets maps an interest category to its trigger keywords.
var interestBuckets = map[string][]string{
	"программирование": {"python", "программирование", "код", "разработка", "алгоритм"},
	"игры":             {"игр", "гейм", "steam", "консоль", "прохождение"},
	"музыка":           {"музык", "песн", "альбом", "концерт", "гитар"},
	"спорт":            {"спорт", "футбол", "хоккей", "тренировк", "бег"},
	"кино":             {"фильм", "кино", "сериал", "актер", "режиссер"},
	"книги":            {"книг", "чтение", "автор", "роман", "литератур"},
	"технологии":       {"технологи", "гаджет", "смартфон", "компьютер"},
	"путешествия":      {"путешеств", "отпуск", "отдых", "туризм"},
	"еда":              {"кулинар", "рецепт", "готовка", "ресторан"},
}

var habitBuckets = map[string][]string{
	"утро":     {"утром", "просыпаюсь", "завтрак"},
	"кофе":     {"кофе", "эспрессо", "капучино"},
	"спорт":    {"тренировка", "зал", "бегаю", "йог"},
	"чтение":   {"читаю", "статья"},
	"прогулки": {"гуляю", "прогулка", "парк"},
}

// interestOrder keeps bucket output deterministic.
var interestOrder = []string{
	"программирование", "игры", "музыка", "спорт", "кино",
	"книги", "технологии", "путешествия", "еда",
}

var habitOrder = []string{"утро", "кофе", "спорт", "чтение", "прогулки"}

// Extract runs all stages over the corpus. It never fails: an empty corpus
// produces an empty profile.
func (e *RuleExtractor) Extract(ctx context.Context, msgs []corpus.Message) (*Profile, error) {
	texts := corpus.Texts(msgs)
	joined := strings.Join(texts, " ")
	joinedLower := strings.ToLower(joined)

	profile := &Profile{
		Personal: Personal{
			FullName:   e.extractName(texts),
			Age:        e.extractAge(joined),
			City:       e.extractCity(joined),
			Occupation: e.extractValue(joined, workPatterns),
		},
		Education: e.extractValue(joined, []*regexp.Regexp{educationPattern}),
		Interests: matchBuckets(joinedLower, interestBuckets, interestOrder, e.opts.MaxInterests),
		Habits:    matchBuckets(joinedLower, habitBuckets, habitOrder, 0),
		Friends:   e.extractFriends(texts),

		ExtractedAt:    time.Now(),
		SourceMessages: len(msgs),
		Method:         "rules",
	}

	sample := e.opts.MaxSampleSize
	if sample > len(texts) {
		sample = len(texts)
	}
	profile.Messages = append([]string(nil), texts[:sample]...)

	e.logger.Info("Extracted persona profile",
		zap.Int("source_messages", len(msgs)),
		zap.Int("interests", len(profile.Interests)),
		zap.Bool("has_name", profile.Personal.FullName != ""))
	return profile, nil
}

// extractName scans messages for name templates, first match wins.
func (e *RuleExtractor) extractName(texts []string) string {
	for _, text := range texts {
		for _, re := range strongNamePatterns {
			if m := re.FindStringSubmatch(text); m != nil {
				if e.plausibleName(m[1]) {
					return m[1]
				}
			}
		}
	}
	// Weak pattern needs the allow list.
	for _, text := range texts {
		if m := weakNamePattern.FindStringSubmatch(text); m != nil {
			lower := strings.ToLower(m[1])
			for _, known := range commonNames {
				if lower == known {
					return m[1]
				}
			}
		}
	}
	return ""
}

func (e *RuleExtractor) plausibleName(name string) bool {
	n := len([]rune(name))
	return n >= e.opts.MinNameLength && n <= e.opts.MaxValueLength
}

func (e *RuleExtractor) extractAge(text string) string {
	for _, re := range agePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if age, err := strconv.Atoi(m[1]); err == nil && age >= 5 && age <= 99 {
				return m[1]
			}
		}
	}
	return ""
}

func (e *RuleExtractor) extractCity(text string) string {
	for _, re := range cityPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if n := len([]rune(m[1])); n >= 3 && n <= e.opts.MaxValueLength {
				return m[1]
			}
		}
	}
	return ""
}

// extractValue returns the first bounded match of any pattern.
func (e *RuleExtractor) extractValue(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			v := strings.TrimSpace(m[1])
			if runes := []rune(v); len(runes) > e.opts.MaxValueLength {
				v = string(runes[:e.opts.MaxValueLength])
			}
			if v != "" {
				return v
			}
		}
	}
	return ""
}

func (e *RuleExtractor) extractFriends(texts []string) []string {
	seen := make(map[string]bool)
	var friends []string
	for _, text := range texts {
		for _, m := range friendPattern.FindAllStringSubmatch(text, -1) {
			name := m[1]
			lower := strings.ToLower(name)
			if pronouns[lower] || seen[lower] {
				continue
			}
			seen[lower] = true
			friends = append(friends, name)
		}
	}
	return friends
}

// matchBuckets records a category when any trigger keyword appears in the
// concatenated corpus. max of 0 means unbounded.
func matchBuckets(textLower string, buckets map[string][]string, order []string, max int) []string {
	var matched []string
	for _, category := range order {
		for _, kw := range buckets[category] {
			if strings.Contains(textLower, kw) {
				matched = append(matched, category)
				break
			}
		}
		if max > 0 && len(matched) >= max {
			break
		}
	}
	return matched
}
