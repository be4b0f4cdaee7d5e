// Package circuitbreaker trips per processor operation after repeated
// failures so that a struggling processor is not hammered by retries.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position: closed, open or half-open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "paycore",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Circuit state per key: 0 closed, 1 open, 2 half-open.",
}, []string{"key"})

func init() {
	prometheus.MustRegister(circuitState)
}

type circuit struct {
	state    State
	failures int
	// openedAt is when the circuit last opened; probeAt is when the current
	// half-open probe was let through.
	openedAt time.Time
	probeAt  time.Time
}

// Breaker keeps one circuit per key. A key opens after threshold consecutive
// failures. Once cooldown has passed a single probe is let through: success
// closes the circuit, failure reopens it. A probe that never reports back is
// replaced after another cooldown.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	listener  func(key string, from, to State)
	now       func() time.Time
}

// New returns a Breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers fn to be called, on its own goroutine, for every
// state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	now := b.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		c.probeAt = now
		return true
	case StateHalfOpen:
		if now.Sub(c.probeAt) < b.cooldown {
			return false
		}
		c.probeAt = now
		return true
	}
	return true
}

// RecordSuccess closes the circuit for key and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	b.move(key, c, StateClosed)
	delete(b.circuits, key)
}

// RecordFailure counts a failure for key, opening the circuit at the
// threshold or immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// OpenKeys lists keys whose circuit is currently open, sorted.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, c := range b.circuits {
		if c.state == StateOpen {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// move changes c's state. Caller holds b.mu.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	circuitState.WithLabelValues(key).Set(float64(to))
	if fn := b.listener; fn != nil {
		go fn(key, from, to)
	}
}
