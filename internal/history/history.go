// Package history keeps a bounded, persisted log of recent dialogue turns
// per conversation for short-term continuity.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance in a conversation. Append-only.
type Turn struct {
	Role         string    `json:"role"` // RoleUser or RoleAssistant
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Conversation string    `json:"conversation"`
}

// Store keeps the last MaxTurns user+assistant pairs per conversation
// (2*MaxTurns entries, oldest discarded first). The structure is small and
// bounded, so every mutation rewrites the whole file. Writers to the same
// conversation serialize on a per-conversation lock.
type Store struct {
	dataDir  string
	maxTurns int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a history store rooted at dataDir.
func NewStore(dataDir string, maxTurns int, logger *zap.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dataDir:  dataDir,
		maxTurns: maxTurns,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dataDir, "history", conversationID+".json")
}

// Append records a turn, trimming the oldest entries past the capacity
// bound on every call.
func (s *Store) Append(conversationID, role, text string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	turns, err := s.read(conversationID)
	if err != nil {
		return err
	}

	turns = append(turns, Turn{
		Role:         role,
		Text:         text,
		Timestamp:    time.Now(),
		Conversation: conversationID,
	})

	limit := s.maxTurns * 2
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	return s.write(conversationID, turns)
}

// Recent returns the stored turns oldest-first. Missing history is an
// empty slice, never an error.
func (s *Store) Recent(conversationID string) ([]Turn, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return s.read(conversationID)
}

// Clear removes all stored turns for the conversation.
func (s *Store) Clear(conversationID string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.path(conversationID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	s.logger.Debug("Cleared dialogue history", zap.String("conversation", conversationID))
	return nil
}

func (s *Store) read(conversationID string) ([]Turn, error) {
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		// A torn or corrupt history file gives continuity, not
		// correctness; start fresh rather than wedging the pipeline.
		s.logger.Warn("Discarding corrupt history file",
			zap.String("conversation", conversationID), zap.Error(err))
		return nil, nil
	}
	return turns, nil
}

func (s *Store) write(conversationID string, turns []Turn) error {
	path := s.path(conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
