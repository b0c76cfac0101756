package orchestrator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Factory builds the orchestrator for one user, loading its profile and
// opening its retrieval index.
type Factory func(userID string) (*Orchestrator, error)

// Registry is a keyed cache of per-user orchestrators. Concurrent lookups
// for the same user share a single construction; different users never
// block each other beyond the map lock.
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu        sync.RWMutex
	instances map[string]*Orchestrator
	group     singleflight.Group
}

// NewRegistry creates an orchestrator registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:   factory,
		logger:    logger,
		instances: make(map[string]*Orchestrator),
	}
}

// Get returns the orchestrator for userID, constructing it on first use.
func (r *Registry) Get(userID string) (*Orchestrator, error) {
	r.mu.RLock()
	o, ok := r.instances[userID]
	r.mu.RUnlock()
	if ok {
		return o, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		r.mu.RLock()
		if o, ok := r.instances[userID]; ok {
			r.mu.RUnlock()
			return o, nil
		}
		r.mu.RUnlock()

		o, err := r.factory(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipeline for %s: %w", userID, err)
		}
		r.mu.Lock()
		r.instances[userID] = o
		r.mu.Unlock()
		r.logger.Info("Pipeline ready", zap.String("user", userID))
		return o, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Orchestrator), nil
}

// Evict drops a user's orchestrator, closing its resources. The next Get
// rebuilds it, picking up a re-extracted profile or rebuilt index.
func (r *Registry) Evict(userID string) error {
	r.mu.Lock()
	o, ok := r.instances[userID]
	delete(r.instances, userID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return o.Close()
}

// Close releases every cached orchestrator. Called once at shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, o := range r.instances {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.instances, id)
	}
	return firstErr
}
