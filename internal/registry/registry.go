// Package registry maps shareable clone-link tokens to persona users. A
// token is an unguessable id handed to the outer transport; resolving it
// yields the persona the conversation should speak as.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownToken is returned for tokens that were never issued.
	ErrUnknownToken = errors.New("unknown clone token")
	// ErrInactiveToken is returned for revoked or superseded tokens.
	ErrInactiveToken = errors.New("clone token is inactive")
)

// Link is one issued clone link.
type Link struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`
	AccessCount int       `json:"access_count"`
}

// Registry is the persistent token registry. State is a single JSON file
// rewritten wholesale on every mutation; an optional watcher reloads it
// when another process edits the file.
type Registry struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	links map[string]*Link

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the registry from path, creating an empty one if the file
// does not exist yet.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		path:   path,
		logger: logger,
		links:  make(map[string]*Link),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts reloading the registry file when it changes on disk.
// Mutations made through this Registry rewrite the file and will echo back
// through the watcher as a harmless reload. Close stops the watcher.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: the file itself is replaced by rename on save,
	// which breaks a direct file watch.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch registry dir: %w", err)
	}
	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != r.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.load(); err != nil {
					r.logger.Warn("Registry reload failed", zap.Error(err))
				} else {
					r.logger.Debug("Registry reloaded", zap.String("path", r.path))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Registry watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

// Register issues a fresh token for userID, deactivating any previously
// active tokens for the same user so exactly one link works at a time.
func (r *Registry) Register(userID, name string) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.links {
		if l.UserID == userID && l.Active {
			l.Active = false
		}
	}
	link := &Link{
		Token:     uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	r.links[link.Token] = link

	if err := r.saveLocked(); err != nil {
		delete(r.links, link.Token)
		return nil, err
	}
	r.logger.Info("Registered clone link",
		zap.String("user", userID),
		zap.String("token", link.Token))
	out := *link
	return &out, nil
}

// Resolve looks a token up and records the access. Revoked tokens resolve
// to ErrInactiveToken so callers can distinguish "expired link" from
// "never existed".
func (r *Registry) Resolve(token string) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	if !link.Active {
		return nil, ErrInactiveToken
	}
	link.AccessCount++
	if err := r.saveLocked(); err != nil {
		r.logger.Warn("Failed to persist access count", zap.Error(err))
	}
	out := *link
	return &out, nil
}

// Deactivate revokes a token. Revoking an already inactive token is a
// no-op.
func (r *Registry) Deactivate(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[token]
	if !ok {
		return ErrUnknownToken
	}
	if !link.Active {
		return nil
	}
	link.Active = false
	return r.saveLocked()
}

// List returns all links, active and revoked, newest first.
func (r *Registry) List() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, *l)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

type registryFile struct {
	Links []*Link `json:"links"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse registry: %w", err)
	}

	links := make(map[string]*Link, len(file.Links))
	for _, l := range file.Links {
		links[l.Token] = l
	}

	r.mu.Lock()
	r.links = links
	r.mu.Unlock()
	return nil
}

// saveLocked rewrites the registry file. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	file := registryFile{Links: make([]*Link, 0, len(r.links))}
	for _, l := range r.links {
		file.Links = append(file.Links, l)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
