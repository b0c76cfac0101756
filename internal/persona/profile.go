// Package persona owns the structured persona profile extracted from a
// user's historical messages, and its on-disk store.
package persona

import (
	"strings"
	"time"
)

// Personal holds basic identity facts. Every field is optional: absent
// means "not found in the corpus", never a fabricated value.
type Personal struct {
	FullName   string `json:"full_name,omitempty"`
	Age        string `json:"age,omitempty"`
	City       string `json:"city,omitempty"`
	Occupation string `json:"occupation,omitempty"`
}

// Style describes how the persona communicates.
type Style struct {
	Tone     string   `json:"tone,omitempty"`
	Traits   []string `json:"traits,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Profile is the canonical extracted persona. It is derived, never
// hand-edited, and replaced wholesale by re-running extraction. Unknown
// fields in the persisted form are ignored so profiles written by older
// extraction methods keep loading.
type Profile struct {
	Personal  Personal `json:"personal"`
	Education string   `json:"education,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Habits    []string `json:"habits,omitempty"`
	Friends   []string `json:"friends,omitempty"`
	Beliefs   []string `json:"beliefs,omitempty"`
	Style     Style    `json:"style"`

	// Bounded sample of representative raw messages, kept for the
	// realtime keyword-search path.
	Messages []string `json:"all_messages,omitempty"`

	ExtractedAt    time.Time `json:"extraction_date"`
	SourceMessages int       `json:"source_messages"`
	Method         string    `json:"extraction_method,omitempty"`
}

// IsEmpty reports whether extraction found nothing usable.
func (p *Profile) IsEmpty() bool {
	return p.Personal == (Personal{}) &&
		p.Education == "" &&
		len(p.Interests) == 0 &&
		len(p.Habits) == 0 &&
		len(p.Friends) == 0 &&
		len(p.Beliefs) == 0
}

// Name returns the extracted name, or empty.
func (p *Profile) Name() string { return p.Personal.FullName }

// SummaryClauses renders the identity facts as short declarative clauses
// in first person, persona-summary layer of the prompt.
func (p *Profile) SummaryClauses() []string {
	var clauses []string
	if p.Personal.FullName != "" {
		clauses = append(clauses, "Меня зовут "+p.Personal.FullName)
	}
	if p.Personal.Age != "" {
		clauses = append(clauses, "Мне "+p.Personal.Age+" лет")
	}
	if p.Personal.City != "" {
		clauses = append(clauses, "Живу в "+p.Personal.City)
	}
	if p.Personal.Occupation != "" {
		clauses = append(clauses, "Занимаюсь: "+p.Personal.Occupation)
	}
	if p.Education != "" {
		clauses = append(clauses, "Образование: "+p.Education)
	}
	return clauses
}

// FactBucket is one topical group of persona facts, injected into the
// prompt only when the incoming question touches its domain.
type FactBucket struct {
	// Topic triggers: any of these appearing in the question activates
	// the bucket.
	Triggers []string

	// Rendered fact line.
	Fact string
}

// Buckets returns the question-gated fact buckets for this profile.
func (p *Profile) Buckets() []FactBucket {
	var buckets []FactBucket
	if len(p.Interests) > 0 {
		buckets = append(buckets, FactBucket{
			Triggers: []string{"интерес", "увлека", "хобби", "нравится", "любишь", "занимаешься"},
			Fact:     "Интересы: " + strings.Join(p.Interests, ", "),
		})
	}
	if len(p.Habits) > 0 {
		buckets = append(buckets, FactBucket{
			Triggers: []string{"привычк", "обычно", "каждый день", "утром", "вечером"},
			Fact:     "Привычки: " + strings.Join(p.Habits, ", "),
		})
	}
	if len(p.Friends) > 0 {
		buckets = append(buckets, FactBucket{
			Triggers: []string{"друг", "друзья", "подруг", "знаком", "общаешься"},
			Fact:     "Друзья: " + strings.Join(p.Friends, ", "),
		})
	}
	if len(p.Beliefs) > 0 {
		buckets = append(buckets, FactBucket{
			Triggers: []string{"дума", "счита", "мнение", "веришь", "ценности", "важно"},
			Fact:     "Убеждения: " + strings.Join(p.Beliefs, "; "),
		})
	}
	return buckets
}
