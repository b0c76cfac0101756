// Package corpus loads and cleans the historical message corpus that feeds
// persona extraction and the retrieval index.
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Message is a single collected historical message. Immutable once collected.
type Message struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Conversation string    `json:"conversation"`
}

// CleanOptions bounds which messages survive cleaning.
type CleanOptions struct {
	MinLength     int     // drop messages shorter than this (runes)
	MaxLength     int     // drop messages longer than this (runes)
	MinAlphaRatio float64 // minimum ratio of Cyrillic letters to non-space chars
}

// DefaultCleanOptions mirrors the collection pipeline's thresholds.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		MinLength:     3,
		MaxLength:     5000,
		MinAlphaRatio: 0.6,
	}
}

var cyrillicRe = regexp.MustCompile(`[а-яА-ЯёЁ]`)

// Load reads a corpus file. The collector has historically written both a
// bare JSON array of strings and an array of message objects; both shapes
// are accepted.
func Load(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return Parse(data)
}

// Parse decodes corpus JSON.
func Parse(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err == nil {
		return numberIDs(msgs), nil
	}

	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return nil, fmt.Errorf("corpus is neither a message array nor a string array: %w", err)
	}
	msgs = make([]Message, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, Message{Text: t})
	}
	return numberIDs(msgs), nil
}

// numberIDs assigns stable positional identifiers to messages without one.
func numberIDs(msgs []Message) []Message {
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = fmt.Sprintf("msg_%d", i)
		}
	}
	return msgs
}

// Clean filters out messages that are too short, too long, or not
// plausibly in the target language. Order is preserved.
func Clean(msgs []Message, opts CleanOptions) []Message {
	cleaned := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		n := len([]rune(text))
		if opts.MinLength > 0 && n < opts.MinLength {
			continue
		}
		if opts.MaxLength > 0 && n > opts.MaxLength {
			continue
		}
		if opts.MinAlphaRatio > 0 && alphaRatio(text) < opts.MinAlphaRatio {
			continue
		}
		m.Text = text
		cleaned = append(cleaned, m)
	}
	return cleaned
}

// alphaRatio returns the share of Cyrillic letters among non-space characters.
func alphaRatio(text string) float64 {
	total := 0
	for _, r := range text {
		if r != ' ' && r != '\n' && r != '\t' {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	cyr := len(cyrillicRe.FindAllString(text, -1))
	return float64(cyr) / float64(total)
}

// Texts extracts the message texts in order.
func Texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
