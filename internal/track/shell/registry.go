package shell

import (
	"context"
	"strconv"
	"sync"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/supervisor"
)

// Registry owns one supervised Engine per track, grounded on containerctl's
// registry-by-id pattern (spec §9 "actor-per-entity").
type Registry struct {
	mu      sync.RWMutex
	engines map[int64]*Engine
	logger  *logger.Logger
	supOpts supervisor.Options
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		engines: make(map[int64]*Engine),
		logger:  log.WithFields(),
		supOpts: supervisor.DefaultOptions(),
	}
}

// GetOrCreate returns the Engine for trackID, constructing and supervising a
// new one via newFn if it does not yet exist.
func (r *Registry) GetOrCreate(ctx context.Context, trackID int64, newFn func() Options) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[trackID]; ok {
		return e
	}

	e := NewEngine(newFn(), r.logger)
	r.engines[trackID] = e

	go supervisor.Supervise(ctx, "track_engine:"+strconv.FormatInt(trackID, 10), r.logger, r.supOpts, e.Run)

	return e
}

// Get returns the Engine for trackID, or false if none exists.
func (r *Registry) Get(trackID int64) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[trackID]
	return e, ok
}

// Remove drops an Engine from the registry. The caller is responsible for
// cancelling its context beforehand so its Run loop (and supervisor) exit.
func (r *Registry) Remove(trackID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, trackID)
}

// All returns a snapshot of every registered Engine.
func (r *Registry) All() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}
