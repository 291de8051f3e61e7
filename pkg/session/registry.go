package session

import (
	"sort"
	"sync"

	"github.com/harun/tenantlink/internal/observability"
)

// Registry maps tenants to their live handle. It never holds two handles for one tenant.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Get(tenant string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenant]
	return h, ok
}

// Put stores h, replacing any existing handle.
func (r *Registry) Put(tenant string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[tenant] = h
	observability.SetActiveSessions(len(r.handles))
}

func (r *Registry) Remove(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, tenant)
	observability.SetActiveSessions(len(r.handles))
}

// GetOrCreate returns the tenant's handle, calling create only when none exists.
// created reports whether this call stored the handle.
func (r *Registry) GetOrCreate(tenant string, create func() *Handle) (h *Handle, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[tenant]; ok {
		return h, false
	}
	h = create()
	r.handles[tenant] = h
	observability.SetActiveSessions(len(r.handles))
	return h, true
}

// RemoveIf deletes the tenant's entry only if it is still h.
func (r *Registry) RemoveIf(tenant string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.handles[tenant]; !ok || cur != h {
		return false
	}
	delete(r.handles, tenant)
	observability.SetActiveSessions(len(r.handles))
	return true
}

// List returns all handles ordered by tenant.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].tenant < out[j].tenant })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
