// Package registry implements the worker registry: the canonical
// mapping from agent name to worker handle, identity, and state. The
// registry is the sole owner of a worker's Handle — the delivery
// engine, event bus, and HTTP transport hold only its name.
//
// The map is guarded by a short-critical-section mutex: lookups and
// state transitions complete without awaiting I/O while holding the
// lock — generalized from the single *process struct's mutex in
// dmora-agentrun/engine/cli/process.go to a fleet-wide map.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/worker"
)

// Entry is the registry's full record for one worker.
type Entry struct {
	Identity  worker.Identity
	Handle    worker.Handle
	SpawnedAt time.Time

	// PendingDeliveryID is non-empty while a delivery is in flight for
	// this worker — only one delivery in flight per worker at a time.
	PendingDeliveryID string
}

// Registry is the canonical name -> Entry map.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a new worker under identity.Name. It fails if the name
// is already registered — callers must Release the existing worker
// first; a worker ends its life exactly once.
func (r *Registry) Register(identity worker.Identity, h worker.Handle) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[identity.Name]; exists {
		return nil, brokererr.New(brokererr.CodeBadCWD, "agent name already registered: "+identity.Name, nil)
	}
	e := &Entry{Identity: identity, Handle: h, SpawnedAt: time.Now()}
	r.entries[identity.Name] = e
	return e, nil
}

// Get returns the entry for name, if present.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Remove drops name from the registry. Safe to call on an unknown name:
// releasing an already-released worker is a no-op that returns success.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// List returns a snapshot of all current entries, sorted by name for
// deterministic output on list_agents.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Name < out[j].Identity.Name })
	return out
}

// SetPendingDelivery records the in-flight delivery id for name, or
// clears it when deliveryID == "". Returns false if name is unknown.
func (r *Registry) SetPendingDelivery(name, deliveryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.PendingDeliveryID = deliveryID
	return true
}

// SetModel updates the recorded active model for name. Returns false if
// name is unknown. The new value takes effect on the worker's next
// spawn; it does not hot-swap a live child (see internal/orchestrator
// set_model).
func (r *Registry) SetModel(name, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.Identity.Model = model
	return true
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	return out
}
