// Package notify delivers payment and payout lifecycle events to the
// webhook endpoints a business has registered.
//
// Deliveries are signed with the subscription secret using the same scheme
// processors use for their own webhooks:
//
//	Paycore-Signature: t=<unix seconds>,v1=<hex HMAC-SHA256 of "t.payload">
//
// Delivery is best effort. It never blocks or fails the payment operation
// that produced the event.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentCaptured   EventType = "payment.captured"
	EventPaymentCanceled   EventType = "payment.canceled"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventPaymentDisputed   EventType = "payment.disputed"
	EventPayoutCreated     EventType = "payout.created"
	EventPayoutPaid        EventType = "payout.paid"
	EventPayoutFailed      EventType = "payout.failed"
)

// AllEvents lists every event a subscription may ask for.
var AllEvents = []EventType{
	EventPaymentAuthorized, EventPaymentCaptured, EventPaymentCanceled, EventPaymentFailed,
	EventPaymentRefunded, EventPaymentDisputed, EventPayoutCreated, EventPayoutPaid, EventPayoutFailed,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// MaxSubscriptions caps the endpoints one business may register.
const MaxSubscriptions = 10

var (
	ErrSubscriptionNotFound = apperr.New(apperr.KindNotFound, "webhook subscription not found")
	ErrTooManySubscriptions = apperr.New(apperr.KindValidation, "too many webhook subscriptions for this business")
)

// Event is the JSON body posted to subscribers.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	BusinessID string         `json:"businessId"`
	CreatedAt  time.Time      `json:"createdAt"`
	Data       map[string]any `json:"data"`
}

// Subscription is a business's webhook endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	BusinessID          string      `json:"businessId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Delivery is the outcome of one delivery attempt sequence. An empty Err
// is a success. A failing subscription is deactivated once its consecutive
// failures reach DisableAfter (0 never disables).
type Delivery struct {
	At           time.Time
	Err          string
	DisableAfter int
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByBusiness(ctx context.Context, businessID string) ([]*Subscription, error)
	Delete(ctx context.Context, businessID, id string) error
	RecordDelivery(ctx context.Context, id string, d Delivery) error
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.BusinessID == sub.BusinessID {
			n++
		}
	}
	if n >= MaxSubscriptions {
		return ErrTooManySubscriptions
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySub(s), nil
}

func (m *MemoryStore) ListByBusiness(ctx context.Context, businessID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.BusinessID == businessID {
			out = append(out, copySub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.BusinessID != businessID {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordDelivery(ctx context.Context, id string, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if d.Err == "" {
		at := d.At
		s.LastSuccess = &at
		s.LastError = ""
		s.ConsecutiveFailures = 0
		return nil
	}
	s.LastError = d.Err
	s.ConsecutiveFailures++
	if d.DisableAfter > 0 && s.ConsecutiveFailures >= d.DisableAfter {
		s.Active = false
	}
	return nil
}

func copySub(s *Subscription) *Subscription {
	c := *s
	c.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}
