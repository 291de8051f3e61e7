package tenants

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memProvider struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

// NewMemoryProvider returns a provider that keeps tenants in process memory.
func NewMemoryProvider(seed ...Tenant) Provider {
	p := &memProvider{tenants: make(map[string]Tenant, len(seed))}
	for _, t := range seed {
		p.tenants[t.ID] = cloneTenant(t)
	}
	return p
}

func (m *memProvider) Get(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return cloneTenant(t), nil
}

func (m *memProvider) Upsert(_ context.Context, t Tenant) error {
	t = cloneTenant(t)
	t.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
	return nil
}

func (m *memProvider) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, id)
	return nil
}

func (m *memProvider) List(_ context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, cloneTenant(t))
	}
	sortTenants(out)
	return out, nil
}

func (m *memProvider) Close() error { return nil }

// cloneTenant copies the webhook so callers cannot mutate stored state.
func cloneTenant(t Tenant) Tenant {
	if t.Webhook != nil {
		w := *t.Webhook
		t.Webhook = &w
	}
	return t
}

func sortTenants(ts []Tenant) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
