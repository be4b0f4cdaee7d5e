package payouts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper runs scheduled payouts on a fixed tick. Schedules run at most once
// per day, so ticking more often than daily only shortens the delay after a
// schedule becomes due.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Pointer[SweepReport]
}

// NewSweeper creates a payout sweeper. A non-positive interval uses one hour.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// LastReport returns the most recent sweep report, or nil.
func (s *Sweeper) LastReport() *SweepReport {
	return s.lastRun.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce performs a single sweep and records its report.
func (s *Sweeper) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in payout sweep", "panic", fmt.Sprint(r))
		}
	}()
	report, err := s.service.ProcessScheduledPayouts(ctx, s.now())
	if err != nil {
		s.logger.Warn("payout sweep failed", "error", err)
		return
	}
	s.lastRun.Store(report)
}
