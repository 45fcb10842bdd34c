// ABOUTME: In-memory registry of running tool-server handles
// ABOUTME: Valid only for the current process lifetime, guarded by a read/write lock

package registry

import (
	"sync"
	"time"

	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

// Handle is the runtime handle for one running server. Process handles
// cannot survive serialization, so this lives only in memory; the persisted
// record mirrors pid/port for the next process lifetime.
type Handle struct {
	ServerID  string
	Kind      store.TransportKind
	Transport transport.Transport
	PID       *int
	Port      *int
	LogPath   string
	StartedAt time.Time
}

// Registry maps server ids to their runtime handles. Write locks are held
// only for map mutation, never across process or network I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]*Handle{}}
}

// Register inserts a handle. It reports false when an entry already exists
// for the id, in which case the registry is unchanged.
func (r *Registry) Register(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[h.ServerID]; exists {
		return false
	}
	r.entries[h.ServerID] = h
	return true
}

// Get returns the handle for a server id, if registered.
func (r *Registry) Get(serverID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[serverID]
	return h, ok
}

// Remove deletes and returns the handle for a server id.
func (r *Registry) Remove(serverID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[serverID]
	if ok {
		delete(r.entries, serverID)
	}
	return h, ok
}

// Snapshot returns a copy of all current handles.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	return out
}

// Len reports the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
