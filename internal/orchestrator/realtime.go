package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"twinchat/internal/persona"
)

// keywordGroup recognizes one category of identity question and answers it
// from the profile, preferring the structured field and falling back to
// pattern extraction over the raw message sample.
type keywordGroup struct {
	// Question triggers, matched as lowercase substrings.
	triggers []string
	// Structured profile field, if extraction already found it.
	fromProfile func(*persona.Profile) string
	// Substrings marking a sample message as a likely answer.
	responsePatterns []string
	// Extractors applied to matching sample messages, first capture wins.
	extract []*regexp.Regexp
	// Answer template receiving the extracted value.
	template string
}

var identityGroups = []keywordGroup{
	{
		triggers:         []string{"зовут", "твое имя", "твоё имя", "как тебя", "представься"},
		fromProfile:      func(p *persona.Profile) string { return p.Personal.FullName },
		responsePatterns: []string{"меня зовут", "мое имя", "зовите меня"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:меня зовут|Меня зовут)\s+([А-ЯЁ][а-яё]{2,})`),
			regexp.MustCompile(`(?:мое имя|Мое имя)\s+([А-ЯЁ][а-яё]{2,})`),
		},
		template: "Меня зовут %s",
	},
	{
		triggers:         []string{"город", "живешь", "живёшь", "откуда ты"},
		fromProfile:      func(p *persona.Profile) string { return p.Personal.City },
		responsePatterns: []string{"живу в", "из города", "в городе"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:живу в|Живу в)\s+([А-ЯЁ][а-яё]+)`),
			regexp.MustCompile(`(?:в городе|В городе)\s+([А-ЯЁ][а-яё]+)`),
		},
		template: "Живу в %s",
	},
	{
		triggers:         []string{"сколько лет", "сколько тебе", "возраст"},
		fromProfile:      func(p *persona.Profile) string { return p.Personal.Age },
		responsePatterns: []string{"мне", "лет"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:мне|Мне)\s+(\d{1,2})\s+лет`),
		},
		template: "Мне %s лет",
	},
	{
		triggers:         []string{"кем работаешь", "профессия", "чем занимаешься", "работа"},
		fromProfile:      func(p *persona.Profile) string { return p.Personal.Occupation },
		responsePatterns: []string{"работаю", "занимаюсь"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:работаю|Работаю)\s+([^.,!?\n]+)`),
			regexp.MustCompile(`(?:занимаюсь|Занимаюсь)\s+([^.,!?\n]+)`),
		},
		template: "Я занимаюсь: %s",
	},
	{
		triggers: []string{"интерес", "увлека", "хобби"},
		fromProfile: func(p *persona.Profile) string {
			return strings.Join(p.Interests, ", ")
		},
		responsePatterns: []string{"люблю", "нравится", "увлекаюсь"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:увлекаюсь|Увлекаюсь)\s+([^.,!?\n]+)`),
			regexp.MustCompile(`(?:люблю|Люблю)\s+([^.,!?\n]+)`),
		},
		template: "Мои интересы: %s",
	},
	{
		triggers: []string{"друзья", "подруг", "с кем общаешься"},
		fromProfile: func(p *persona.Profile) string {
			return strings.Join(p.Friends, ", ")
		},
		responsePatterns: []string{"друг", "общаюсь"},
		extract: []*regexp.Regexp{
			regexp.MustCompile(`(?:мой друг|Мой друг)\s+([А-ЯЁ][а-яё]{2,})`),
		},
		template: "Мои друзья: %s",
	},
}

// Answers indicating the profile has nothing useful; never worth showing.
var badAnswerMarkers = []string{
	"не знаю", "не указано", "не сказано", "не упоминается",
	"нет информации", "не могу", "не найдено",
}

// realtimeAnswer answers identity questions directly from the persona
// profile when the question matches a known category and the profile
// holds a plausible value. Empty means "no fast answer, use the model".
func (o *Orchestrator) realtimeAnswer(question string) string {
	if o.profile == nil || o.profile.IsEmpty() {
		return ""
	}

	q := strings.ToLower(question)
	for _, g := range identityGroups {
		if !matchesAny(q, g.triggers) {
			continue
		}
		info := g.fromProfile(o.profile)
		if info == "" {
			info = extractFromSample(o.profile.Messages, g)
		}
		if info == "" {
			return ""
		}
		answer := fmt.Sprintf(g.template, info)
		if !o.plausibleAnswer(answer) {
			return ""
		}
		return answer
	}
	return ""
}

// extractFromSample mines the bounded raw-message sample for an answer the
// structured extraction missed.
func extractFromSample(sample []string, g keywordGroup) string {
	var relevant []string
	for _, msg := range sample {
		if matchesAny(strings.ToLower(msg), g.responsePatterns) {
			relevant = append(relevant, msg)
			if len(relevant) == 3 {
				break
			}
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	combined := strings.Join(relevant, " ")
	for _, re := range g.extract {
		if m := re.FindStringSubmatch(combined); m != nil {
			info := strings.TrimSpace(m[1])
			if runes := []rune(info); len(runes) > 50 {
				info = string(runes[:50])
			}
			return info
		}
	}
	return ""
}

// plausibleAnswer gates fast-path output with the same quality bar as
// model output, plus "nothing found" phrasings.
func (o *Orchestrator) plausibleAnswer(answer string) bool {
	lower := strings.ToLower(answer)
	if matchesAny(lower, badAnswerMarkers) {
		return false
	}
	clean, err := o.formatter.Sanitize(answer)
	return err == nil && clean == answer
}

func matchesAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
