package containerctl

import (
	"context"
	"sync"
	"time"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/supervisor"
)

const statusQueryTimeout = 500 * time.Millisecond

// Registry owns one supervised Controller per ContainerRecord, grounded on
// the teacher's RuntimeRegistry registry-by-id pattern.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
	logger      *logger.Logger
	supOpts     supervisor.Options
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		logger:      log.WithFields(),
		supOpts:     supervisor.DefaultOptions(),
	}
}

// GetOrCreate returns the Controller for containerRecordID, constructing and
// supervising a new one via newFn if it does not yet exist.
func (r *Registry) GetOrCreate(ctx context.Context, containerRecordID string, newFn func() Options) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[containerRecordID]; ok {
		return c
	}

	c := NewController(newFn(), r.logger)
	r.controllers[containerRecordID] = c

	go supervisor.Supervise(ctx, "container_controller:"+containerRecordID, r.logger, r.supOpts, c.Run)

	return c
}

// Get returns the Controller for containerRecordID, or false if none exists.
func (r *Registry) Get(containerRecordID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[containerRecordID]
	return c, ok
}

// Remove drops a Controller from the registry. The caller is responsible for
// cancelling its context beforehand so its Run loop (and supervisor) exit.
func (r *Registry) Remove(containerRecordID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, containerRecordID)
}

// All returns a snapshot of every registered Controller.
func (r *Registry) All() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

// UsedPorts scans every live Controller's state snapshot for the RPC port it
// currently holds, giving the Port Allocator a live view (spec §4.E: "a live
// snapshot, not a persistent allocator state"). Controllers with no resolved
// RPC endpoint contribute no port; going offline clears the endpoint.
func (r *Registry) UsedPorts() map[int]struct{} {
	r.mu.RLock()
	controllers := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.mu.RUnlock()

	used := make(map[int]struct{}, len(controllers))
	for _, c := range controllers {
		ctx, cancel := context.WithTimeout(context.Background(), statusQueryTimeout)
		snap := c.GetStateSnapshot(ctx)
		cancel()
		if snap.RPCPort != 0 {
			used[snap.RPCPort] = struct{}{}
		}
	}
	return used
}
