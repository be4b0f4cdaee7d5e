package business

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu           sync.RWMutex
	businesses   map[string]*Business
	reservations map[string]*Reservation
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		businesses:   make(map[string]*Business),
		reservations: make(map[string]*Reservation),
	}
}

var _ Directory = (*MemoryDirectory)(nil)

func (m *MemoryDirectory) GetBusiness(_ context.Context, id string) (*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.businesses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryDirectory) UpsertBusiness(_ context.Context, b *Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.businesses[b.ID] = &cp
	return nil
}

func (m *MemoryDirectory) ListActive(_ context.Context) ([]*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Business
	for _, b := range m.businesses {
		if b.Active {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryDirectory) GetReservation(_ context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryDirectory) UpsertReservation(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.UpdatedAt = time.Now()
	m.reservations[r.ID] = &cp
	return nil
}

func (m *MemoryDirectory) SetReservationPayment(_ context.Context, reservationID, intentID string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if intentID != "" {
		r.PaymentIntentID = intentID
	}
	r.PaymentStatus = status
	r.UpdatedAt = time.Now()
	return nil
}
