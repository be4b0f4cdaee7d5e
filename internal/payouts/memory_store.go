package payouts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/pagination"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	payouts   map[string]*Payout
	earnings  []*Earning // insertion order is creation order
	schedules map[string]*Schedule
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:   make(map[string]*Payout),
		schedules: make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Record(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ProcessorRef != "" {
		for _, existing := range m.payouts {
			if existing.ProcessorRef == p.ProcessorRef {
				return ErrPayoutRefRecorded
			}
		}
	}
	cp := *p
	m.payouts[p.ID] = &cp
	if p.Status == StatusFailed || p.Status == StatusCanceled {
		return nil
	}

	var open []*Earning
	for _, e := range m.earnings {
		if e.BusinessID == p.BusinessID && e.Currency == p.Currency && e.Status == EarningScheduled {
			open = append(open, e)
		}
	}
	_, rest := settle(open, p.Amount, p.ID, p.CreatedAt, func() string {
		return idgen.WithPrefix(idgen.PrefixEarning)
	})
	if rest != nil {
		m.earnings = append(m.earnings, rest)
	}
	return nil
}

func (m *MemoryStore) FailedCount(ctx context.Context, businessID, currency string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.payouts {
		if p.BusinessID == businessID && strings.EqualFold(p.Currency, currency) &&
			(p.Status == StatusFailed || p.Status == StatusCanceled) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByProcessorRef(ctx context.Context, ref string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payouts {
		if p.ProcessorRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payouts[p.ID]
	if !ok {
		return ErrPayoutNotFound
	}
	cur.Status = p.Status
	cur.FailureCode = p.FailureCode
	cur.FailureMessage = p.FailureMessage
	cur.ArrivalDate = p.ArrivalDate
	cur.UpdatedAt = p.UpdatedAt

	if p.Status == StatusFailed || p.Status == StatusCanceled {
		for _, e := range m.earnings {
			if e.PayoutID == p.ID {
				e.Status = EarningScheduled
				e.PayoutID = ""
				e.SettledAt = nil
			}
		}
	}
	return nil
}

func (m *MemoryStore) ListByBusiness(ctx context.Context, businessID string, limit int, before *pagination.Cursor) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.BusinessID != businessID {
			continue
		}
		if before != nil && !olderThan(p, before) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func olderThan(p *Payout, c *pagination.Cursor) bool {
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) AddEarning(ctx context.Context, e *Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.Currency = strings.ToUpper(cp.Currency)
	if cp.Status == "" {
		cp.Status = EarningScheduled
	}
	m.earnings = append(m.earnings, &cp)
	return nil
}

func (m *MemoryStore) Unsettled(ctx context.Context, businessID, currency string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := strings.ToUpper(currency)
	var total int64
	for _, e := range m.earnings {
		if e.BusinessID == businessID && e.Currency == cur && e.Status == EarningScheduled {
			total += e.Amount
		}
	}
	return total, nil
}

// Earnings returns a business's ledger in creation order.
func (m *MemoryStore) Earnings(businessID string) []*Earning {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Earning
	for _, e := range m.earnings {
		if e.BusinessID == businessID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result
}

func (m *MemoryStore) GetSchedule(ctx context.Context, businessID string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[businessID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if prev, ok := m.schedules[s.BusinessID]; ok && cp.LastRunAt == nil {
		cp.LastRunAt = prev.LastRunAt
	}
	m.schedules[s.BusinessID] = &cp
	return nil
}

func (m *MemoryStore) ListDueCandidates(ctx context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Schedule
	for _, s := range m.schedules {
		if !s.Active || s.Interval == IntervalManual {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BusinessID < result[j].BusinessID })
	return result, nil
}

func (m *MemoryStore) MarkScheduleRun(ctx context.Context, businessID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[businessID]
	if !ok {
		return ErrScheduleNotFound
	}
	t := at
	s.LastRunAt = &t
	return nil
}

var _ Store = (*MemoryStore)(nil)
