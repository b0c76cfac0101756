package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"twinchat/internal/corpus"
)

// ErrNotFound is returned by Load when no extraction has been run for the
// profile id.
var ErrNotFound = errors.New("persona: profile not found")

// Store persists one Profile per user id as a JSON file under the data
// directory. Saves are full overwrites; concurrent writers to the same id
// serialize on a per-id lock, writers to different ids do not contend.
type Store struct {
	dataDir   string
	extractor Extractor
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a profile store rooted at dataDir.
func NewStore(dataDir string, extractor Extractor, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dataDir:   dataDir,
		extractor: extractor,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(profileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[profileID] = l
	}
	return l
}

func (s *Store) path(profileID string) string {
	return filepath.Join(s.dataDir, "users", profileID, "profile.json")
}

// Load reads the persisted profile. Unknown fields in the file are
// ignored and missing fields default to empty, so profiles written by
// other extraction methods keep loading.
func (s *Store) Load(profileID string) (*Profile, error) {
	data, err := os.ReadFile(s.path(profileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &profile, nil
}

// Save persists the profile, replacing any prior one.
func (s *Store) Save(profileID string, profile *Profile) error {
	lock := s.lockFor(profileID)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(profileID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	// Write-then-rename so a crashed save never leaves a torn profile.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace profile: %w", err)
	}

	s.logger.Info("Saved persona profile",
		zap.String("profile_id", profileID),
		zap.String("method", profile.Method))
	return nil
}

// ExtractAndSave runs the configured extraction strategy over the corpus
// and persists the result, fully replacing any prior profile.
func (s *Store) ExtractAndSave(ctx context.Context, profileID string, msgs []corpus.Message) (*Profile, error) {
	profile, err := s.extractor.Extract(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	if err := s.Save(profileID, profile); err != nil {
		return nil, err
	}
	return profile, nil
}
