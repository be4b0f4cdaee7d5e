package tax

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ExemptionStore.
type MemoryStore struct {
	mu         sync.RWMutex
	exemptions map[string]*Exemption
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exemptions: make(map[string]*Exemption)}
}

func (m *MemoryStore) Create(_ context.Context, e *Exemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.exemptions[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Exemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exemptions[id]
	if !ok {
		return nil, ErrExemptionNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByBusiness(_ context.Context, businessID string) ([]*Exemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Exemption
	for _, e := range m.exemptions {
		if e.BusinessID == businessID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exemptions[id]
	if !ok {
		return ErrExemptionNotFound
	}
	e.Active = false
	return nil
}
