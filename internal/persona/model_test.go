package persona

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeCompleter answers section prompts by instruction keyword.
type fakeCompleter struct {
	answers map[string]string // substring of prompt -> raw answer
	err     error
	calls   int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	for key, answer := range f.answers {
		if strings.Contains(prompt, key) {
			return answer, nil
		}
	}
	return "", errors.New("no answer configured")
}

func TestModelExtractor_FillsSections(t *testing.T) {
	llm := &fakeCompleter{answers: map[string]string{
		"факты о человеке": `{"full_name":"Андрей","age":"25","city":"Москва","occupation":""}`,
		"убеждения":        `Вот JSON: {"beliefs":["честность важнее всего"]}`,
		"стиль общения":    "```json\n{\"tone\":\"дружелюбный\",\"traits\":[\"краткий\"],\"keywords\":[\"кек\"]}\n```",
	}}
	e := NewModelExtractor(llm, DefaultRuleOptions(), nil)

	profile, err := e.Extract(context.Background(), msgsOf("привет, как дела"))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if profile.Personal.FullName != "Андрей" {
		t.Errorf("Expected model-filled name, got %q", profile.Personal.FullName)
	}
	if len(profile.Beliefs) != 1 || profile.Beliefs[0] != "честность важнее всего" {
		t.Errorf("Unexpected beliefs: %v", profile.Beliefs)
	}
	if profile.Style.Tone != "дружелюбный" {
		t.Errorf("Unexpected style: %+v", profile.Style)
	}
	if profile.Method != "model" {
		t.Errorf("Expected method model, got %q", profile.Method)
	}
}

func TestModelExtractor_RulesWin(t *testing.T) {
	llm := &fakeCompleter{answers: map[string]string{
		"факты о человеке": `{"full_name":"Фантом","city":"Неверленд"}`,
		"убеждения":        `{"beliefs":[]}`,
		"стиль общения":    `{"tone":""}`,
	}}
	e := NewModelExtractor(llm, DefaultRuleOptions(), nil)

	profile, _ := e.Extract(context.Background(), msgsOf("Меня зовут Сергей"))
	if profile.Personal.FullName != "Сергей" {
		t.Errorf("Rule-extracted name must not be overwritten, got %q", profile.Personal.FullName)
	}
	// Sections the rules left empty may be model-filled.
	if profile.Personal.City != "Неверленд" {
		t.Errorf("Expected model to fill empty city, got %q", profile.Personal.City)
	}
}

func TestModelExtractor_SectionFailureKeepsDefault(t *testing.T) {
	llm := &fakeCompleter{answers: map[string]string{
		"факты о человеке": `this is not json at all`,
		"убеждения":        `{"beliefs":["добро побеждает"]}`,
		"стиль общения":    `{broken`,
	}}
	e := NewModelExtractor(llm, DefaultRuleOptions(), nil)

	profile, err := e.Extract(context.Background(), msgsOf("обычное сообщение без фактов"))
	if err != nil {
		t.Fatalf("Extract must not fail on section errors: %v", err)
	}
	if profile.Personal.FullName != "" {
		t.Errorf("Failed section must keep default, got %q", profile.Personal.FullName)
	}
	// One failing section must not abort the others.
	if len(profile.Beliefs) != 1 {
		t.Errorf("Expected beliefs section to survive, got %v", profile.Beliefs)
	}
	if profile.Style.Tone != "" {
		t.Errorf("Broken style JSON must keep default, got %+v", profile.Style)
	}
}

func TestModelExtractor_BackendDownDegradesToRules(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("connection refused")}
	e := NewModelExtractor(llm, DefaultRuleOptions(), nil)

	profile, err := e.Extract(context.Background(), msgsOf("Меня зовут Андрей"))
	if err != nil {
		t.Fatalf("Extract must not fail when the model is down: %v", err)
	}
	if profile.Personal.FullName != "Андрей" {
		t.Errorf("Expected rules output to survive, got %q", profile.Personal.FullName)
	}
}

func TestModelExtractor_EmptyCorpusSkipsModel(t *testing.T) {
	llm := &fakeCompleter{}
	e := NewModelExtractor(llm, DefaultRuleOptions(), nil)

	profile, err := e.Extract(context.Background(), nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("Expected no model calls for empty corpus, got %d", llm.calls)
	}
	if !profile.IsEmpty() {
		t.Errorf("Expected empty profile, got %+v", profile)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"prose before {\"a\":{\"b\":2}} prose after", `{"a":{"b":2}}`},
		{`{"s":"braces } in { string"}`, `{"s":"braces } in { string"}`},
		{"no json here", ""},
		{"{unclosed", ""},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
