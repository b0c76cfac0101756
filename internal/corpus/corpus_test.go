package corpus

import (
	"testing"
)

func TestParse_ObjectArray(t *testing.T) {
	data := []byte(`[{"text":"Привет, как дела?","conversation":"friends"},{"id":"m2","text":"Живу в Москве"}]`)

	msgs, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "msg_0" {
		t.Errorf("Expected positional id msg_0, got %q", msgs[0].ID)
	}
	if msgs[1].ID != "m2" {
		t.Errorf("Expected explicit id to survive, got %q", msgs[1].ID)
	}
}

func TestParse_StringArray(t *testing.T) {
	data := []byte(`["Меня зовут Андрей","Живу в Москве"]`)

	msgs, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "Меня зовут Андрей" {
		t.Errorf("Unexpected text: %q", msgs[0].Text)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte(`{"not":"an array"}`)); err == nil {
		t.Fatal("Expected error for non-array corpus")
	}
}

func TestClean_Filters(t *testing.T) {
	msgs := []Message{
		{Text: "ок"},                      // too short
		{Text: "Привет, как твои дела?"},  // kept
		{Text: "hello world over there"},  // not Cyrillic
		{Text: "   "},                     // empty after trim
		{Text: "Сегодня отличная погода"}, // kept
	}

	cleaned := Clean(msgs, DefaultCleanOptions())
	if len(cleaned) != 2 {
		t.Fatalf("Expected 2 cleaned messages, got %d: %v", len(cleaned), Texts(cleaned))
	}
	if cleaned[0].Text != "Привет, как твои дела?" {
		t.Errorf("Unexpected first message: %q", cleaned[0].Text)
	}
}

func TestClean_MaxLength(t *testing.T) {
	long := make([]rune, 0, 6000)
	for i := 0; i < 6000; i++ {
		long = append(long, 'ж')
	}
	msgs := []Message{{Text: string(long)}}

	cleaned := Clean(msgs, DefaultCleanOptions())
	if len(cleaned) != 0 {
		t.Fatalf("Expected overlong message to be dropped, got %d", len(cleaned))
	}
}

func TestAlphaRatio_Mixed(t *testing.T) {
	// Mostly Latin text with a couple of Cyrillic letters should score low.
	if r := alphaRatio("privet друг"); r > 0.5 {
		t.Errorf("Expected low ratio for mixed text, got %f", r)
	}
	if r := alphaRatio("привет друг"); r < 0.9 {
		t.Errorf("Expected high ratio for Cyrillic text, got %f", r)
	}
}
