package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/payouts"
)

// EarningSink receives the earnings written by transitions.
type EarningSink interface {
	AddEarning(ctx context.Context, e *payouts.Earning) error
}

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	intents  map[string]*PaymentIntent
	escrows  map[string]*Escrow // by intent id
	refunds  map[string][]*Refund
	byRef    map[string]string
	byKey    map[string]string
	events   map[string]string
	earnings EarningSink
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory payment store. earnings may be nil.
func NewMemoryStore(earnings EarningSink) *MemoryStore {
	return &MemoryStore{
		intents:  make(map[string]*PaymentIntent),
		escrows:  make(map[string]*Escrow),
		refunds:  make(map[string][]*Refund),
		byRef:    make(map[string]string),
		byKey:    make(map[string]string),
		events:   make(map[string]string),
		earnings: earnings,
	}
}

func (m *MemoryStore) CreateIntent(ctx context.Context, pi *PaymentIntent, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[pi.IdempotencyKey]; ok && pi.IdempotencyKey != "" {
		return ErrDuplicateIntent
	}
	if _, ok := m.intents[pi.ID]; ok {
		return ErrDuplicateIntent
	}
	m.intents[pi.ID] = pi.clone()
	if pi.ProcessorRef != "" {
		m.byRef[pi.ProcessorRef] = pi.ID
	}
	if pi.IdempotencyKey != "" {
		m.byKey[pi.IdempotencyKey] = pi.ID
	}
	if esc != nil {
		m.escrows[pi.ID] = esc.clone()
	}
	return nil
}

func (m *MemoryStore) GetIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pi, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return pi.clone(), nil
}

func (m *MemoryStore) GetIntentByProcessorRef(ctx context.Context, ref string) (*PaymentIntent, error) {
	m.mu.RLock()
	id, ok := m.byRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrIntentNotFound
	}
	return m.GetIntent(ctx, id)
}

func (m *MemoryStore) GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrIntentNotFound
	}
	return m.GetIntent(ctx, id)
}

func (m *MemoryStore) GetEscrow(ctx context.Context, intentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	esc, ok := m.escrows[intentID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc.clone(), nil
}

func (m *MemoryStore) ListRefunds(ctx context.Context, intentID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Refund, 0, len(m.refunds[intentID]))
	for _, r := range m.refunds[intentID] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByBusiness(ctx context.Context, businessID string, f ListFilter) ([]*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentIntent
	for _, pi := range m.intents {
		if pi.BusinessID != businessID {
			continue
		}
		if f.Status != "" && pi.Status != f.Status {
			continue
		}
		if f.BeforeCreatedAt != nil && !olderThan(pi, *f.BeforeCreatedAt, f.BeforeID) {
			continue
		}
		result = append(result, pi.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// olderThan reports whether pi sorts after the (createdAt, id) cursor in
// newest-first order.
func olderThan(pi *PaymentIntent, createdAt time.Time, id string) bool {
	if pi.CreatedAt.Equal(createdAt) {
		return pi.ID < id
	}
	return pi.CreatedAt.Before(createdAt)
}

func (m *MemoryStore) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentIntent
	for _, pi := range m.intents {
		if !pi.UpdatedAt.Before(before) || !hasStatus(statuses, pi.Status) {
			continue
		}
		result = append(result, pi.clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, esc := range m.escrows {
		if esc.Status != EscrowHeld || esc.ScheduledReleaseAt == nil || !esc.ScheduledReleaseAt.Before(now) {
			continue
		}
		result = append(result, esc.clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.intents[t.Intent.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if cur.Status != t.ExpectedStatus || cur.Version != t.Intent.Version {
		return ErrInvalidStateTransition
	}
	if t.Escrow != nil {
		esc, ok := m.escrows[t.Intent.ID]
		if !ok {
			return ErrEscrowNotFound
		}
		if esc.Status != t.ExpectedEscrowStatus {
			return ErrInvalidStateTransition
		}
	}
	if t.Earning != nil && m.earnings != nil {
		if err := m.earnings.AddEarning(ctx, t.Earning); err != nil {
			return err
		}
	}

	t.Intent.Version++
	m.intents[t.Intent.ID] = t.Intent.clone()
	if t.Escrow != nil {
		m.escrows[t.Intent.ID] = t.Escrow.clone()
	}
	if t.Refund != nil {
		cp := *t.Refund
		m.refunds[t.Intent.ID] = append(m.refunds[t.Intent.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = eventType
	return true, nil
}

func (m *MemoryStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.events[eventID]
	return ok, nil
}

func hasStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
