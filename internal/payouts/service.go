package payouts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/audit"
	"github.com/localmarket/paycore/internal/auth"
	"github.com/localmarket/paycore/internal/business"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/notify"
	"github.com/localmarket/paycore/internal/pagination"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/retry"
	"github.com/localmarket/paycore/internal/syncutil"
	"github.com/localmarket/paycore/internal/traces"
	"github.com/localmarket/paycore/internal/validation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var ErrForbidden = apperr.New(apperr.KindForbidden, "not allowed to manage payouts for this business")

// Config holds payout policy.
type Config struct {
	// MinimumAmount is the smallest manual payout. Scheduled payouts use
	// the larger of this and the schedule's minimum.
	MinimumAmount int64
	// Concurrency bounds how many businesses a sweep pays out at once.
	Concurrency        int
	LocalWriteAttempts int
	LocalWriteBackoff  time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		MinimumAmount:      MinimumAmount,
		Concurrency:        4,
		LocalWriteAttempts: 3,
		LocalWriteBackoff:  100 * time.Millisecond,
	}
}

// CreatePayoutRequest asks for a payout. A zero Amount pays out everything
// available.
type CreatePayoutRequest struct {
	BusinessID string `json:"-"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// Available is what a business can be paid right now.
type Available struct {
	BusinessID string `json:"businessId"`
	Currency   string `json:"currency"`
	Unsettled  int64  `json:"unsettled"`
	Processor  int64  `json:"processorAvailable"`
	Amount     int64  `json:"available"`
}

// SweepResult is the outcome for one business in a scheduled sweep.
type SweepResult struct {
	BusinessID string `json:"businessId"`
	PayoutID   string `json:"payoutId,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SweepReport summarizes a scheduled sweep.
type SweepReport struct {
	Checked int           `json:"checked"`
	Paid    int           `json:"paid"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Results []SweepResult `json:"results"`
}

// Service creates payouts and runs the payout schedule.
type Service struct {
	store   Store
	gateway processor.Gateway
	dir     business.Directory
	guard   *audit.Guard
	notify  Notifier
	cfg     Config
	locks   *syncutil.KeyLock
	now     func() time.Time
}

// NewService creates a payout service. guard may be nil.
func NewService(store Store, gateway processor.Gateway, dir business.Directory, guard *audit.Guard, cfg Config) *Service {
	if cfg.MinimumAmount < MinimumAmount {
		cfg.MinimumAmount = MinimumAmount
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{
		store:   store,
		gateway: gateway,
		dir:     dir,
		guard:   guard,
		cfg:     cfg,
		locks:   syncutil.NewKeyLock(),
		now:     time.Now,
	}
}

// Notifier delivers payout events to the business without blocking.
type Notifier interface {
	Notify(ctx context.Context, businessID string, typ notify.EventType, data map[string]any)
}

// WithNotifier sends payout events to the business.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

func (s *Service) announce(ctx context.Context, typ notify.EventType, p *Payout) {
	if s.notify == nil {
		return
	}
	data := map[string]any{
		"payoutId": p.ID,
		"status":   p.Status,
		"amount":   p.Amount,
		"currency": p.Currency,
		"trigger":  p.Trigger,
	}
	if p.FailureCode != "" {
		data["failureCode"] = p.FailureCode
	}
	s.notify.Notify(ctx, p.BusinessID, typ, data)
}

// CreatePayout pays a business from its unsettled earnings. The amount may
// not exceed what both the ledger and the processor balance allow.
func (s *Service) CreatePayout(ctx context.Context, req CreatePayoutRequest) (p *Payout, err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.CreatePayout",
		traces.BusinessID(req.BusinessID), traces.Amount(req.Amount))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpCreatePayout, BusinessID: req.BusinessID, Amount: req.Amount}
	defer func() {
		if p != nil {
			entry.ResourceID, entry.Amount = p.ID, p.Amount
		}
		s.finish(ctx, span, &entry, err)
	}()

	if req.Currency == "" {
		req.Currency = "USD"
	}
	req.Currency = validation.NormalizeCurrency(req.Currency)
	entry.Currency = req.Currency
	if err := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.Currency("currency", req.Currency),
	).Err(); err != nil {
		return nil, err
	}
	if req.Amount < 0 {
		return nil, apperr.Validation("amount", "must not be negative")
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, audit.ActorFrom(ctx), audit.OpCreatePayout); err != nil {
			return nil, err
		}
	}

	biz, err := s.business(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	if err := biz.Eligible(); err != nil {
		return nil, err
	}
	return s.payout(ctx, biz, req.Currency, req.Amount, s.cfg.MinimumAmount, TriggerManual)
}

// payout runs one payout under the business lock.
func (s *Service) payout(ctx context.Context, biz *business.Business, currency string, amount, minimum int64, trigger Trigger) (*Payout, error) {
	unlock, err := s.locks.Lock(ctx, biz.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	avail, err := s.available(ctx, biz, currency)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		amount = avail.Amount
	}
	if amount < minimum {
		return nil, ErrBelowMinimum
	}
	if amount > avail.Amount {
		return nil, ErrInsufficientFunds
	}

	// The unsettled total changes once this payout is recorded, so a retry
	// after a failed local write reuses the key and a later payout does not.
	// A failed payout returns its earnings and restores the unsettled total;
	// the failure count keeps the next attempt from replaying it.
	failed, err := s.store.FailedCount(ctx, biz.ID, currency)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("payout:%s:%s:%d:%d:%d", biz.ID, currency, amount, avail.Unsettled, failed)
	id := idgen.WithPrefix(idgen.PrefixPayout)
	remote, err := s.gateway.CreatePayout(ctx, processor.PayoutParams{
		Account:  biz.StripeAccountID,
		Amount:   amount,
		Currency: currency,
		Metadata: map[string]string{
			"payout_id":   id,
			"business_id": biz.ID,
			"trigger":     string(trigger),
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor payout: %w", err)
	}

	now := s.now()
	p := &Payout{
		ID:             id,
		BusinessID:     biz.ID,
		ProcessorRef:   remote.ID,
		Amount:         remote.Amount,
		Currency:       currency,
		Status:         Status(remote.Status),
		Trigger:        trigger,
		FailureCode:    remote.FailureCode,
		FailureMessage: remote.FailureMessage,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !remote.ArrivalDate.IsZero() {
		arrival := remote.ArrivalDate
		p.ArrivalDate = &arrival
	}

	attempts := 0
	err = retry.Do(ctx, s.cfg.LocalWriteAttempts, s.cfg.LocalWriteBackoff, func() error {
		attempts++
		err := s.store.Record(ctx, p)
		if errors.Is(err, ErrPayoutRefRecorded) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ErrPayoutRefRecorded) {
		logging.L(ctx).Error("processor replayed a recorded payout",
			"payout_ref", remote.ID, "business_id", biz.ID, "idempotency_key", key)
		return nil, ErrPayoutRefRecorded
	}
	if err != nil {
		metrics.LocalWriteFailuresTotal.WithLabelValues(processor.OpCreatePayout).Inc()
		logging.Critical(ctx, "processor payout created but local write failed",
			"payout_ref", remote.ID, "business_id", biz.ID, "amount", amount, "attempts", attempts, "error", err)
		e := apperr.Wrap(apperr.KindInternal, "payout was accepted by the processor but not saved; retry to record it", err)
		e.Retryable = true
		return nil, e
	}

	metrics.PayoutsTotal.WithLabelValues(string(p.Status)).Inc()
	s.announce(ctx, notify.EventPayoutCreated, p)
	logging.L(ctx).Info("payout created",
		"payout_id", p.ID, "business_id", biz.ID, "amount", p.Amount,
		"currency", p.Currency, "trigger", trigger, "status", p.Status)
	return p, nil
}

// Available reports what a business could be paid out now.
func (s *Service) Available(ctx context.Context, businessID, currency string) (*Available, error) {
	if currency == "" {
		currency = "USD"
	}
	biz, err := s.business(ctx, businessID)
	if err != nil {
		return nil, err
	}
	return s.available(ctx, biz, validation.NormalizeCurrency(currency))
}

func (s *Service) available(ctx context.Context, biz *business.Business, currency string) (*Available, error) {
	unsettled, err := s.store.Unsettled(ctx, biz.ID, currency)
	if err != nil {
		return nil, err
	}
	bal, err := s.gateway.Balance(ctx, biz.StripeAccountID)
	if err != nil {
		return nil, fmt.Errorf("read processor balance: %w", err)
	}
	a := &Available{
		BusinessID: biz.ID,
		Currency:   currency,
		Unsettled:  unsettled,
		Processor:  bal.Available[currency],
	}
	a.Amount = min(a.Unsettled, a.Processor)
	if a.Amount < 0 {
		a.Amount = 0
	}
	return a, nil
}

// Get returns one payout.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.business(ctx, p.BusinessID); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns a business's payouts, newest first.
func (s *Service) List(ctx context.Context, businessID string, limit int, before *pagination.Cursor) ([]*Payout, error) {
	return s.store.ListByBusiness(ctx, businessID, limit, before)
}

// Schedule returns the business's payout schedule, or the default one if
// it never set its own.
func (s *Service) Schedule(ctx context.Context, businessID string) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, businessID)
	if errors.Is(err, ErrScheduleNotFound) {
		return DefaultSchedule(businessID)
	}
	return sched, err
}

// SetSchedule validates and stores a business's payout schedule.
func (s *Service) SetSchedule(ctx context.Context, sched *Schedule) (err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.SetSchedule", traces.BusinessID(sched.BusinessID))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpPayoutSchedule, BusinessID: sched.BusinessID, ResourceID: sched.BusinessID}
	defer func() { s.finish(ctx, span, &entry, err) }()

	if _, err := s.business(ctx, sched.BusinessID); err != nil {
		return err
	}
	if sched.Currency == "" {
		sched.Currency = "USD"
	}
	if err := sched.Validate(); err != nil {
		return err
	}
	if err := validation.Validate(validation.Currency("currency", sched.Currency)).Err(); err != nil {
		return err
	}
	sched.UpdatedAt = s.now()
	if err := s.store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	logging.L(ctx).Info("payout schedule updated",
		"business_id", sched.BusinessID, "interval", sched.Interval, "active", sched.Active)
	return nil
}

// ProcessScheduledPayouts pays out every business whose schedule is due at
// now. Businesses below their minimum are skipped; one business failing
// does not stop the others.
func (s *Service) ProcessScheduledPayouts(ctx context.Context, now time.Time) (*SweepReport, error) {
	ctx = audit.WithActor(ctx, audit.System)
	ctx, span := traces.StartSpan(ctx, "payouts.ProcessScheduledPayouts")
	defer span.End()

	candidates, err := s.store.ListDueCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &SweepReport{Results: []SweepResult{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, sched := range candidates {
		if !sched.Due(now) {
			continue
		}
		sched := sched
		g.Go(func() error {
			res := s.sweepOne(gctx, sched, now)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case res.Error != "":
				report.Failed++
			case res.Skipped != "":
				report.Skipped++
			default:
				report.Paid++
			}
			report.Results = append(report.Results, res)
			return nil
		})
	}
	_ = g.Wait()

	if s.guard != nil {
		s.guard.Record(ctx, audit.Entry{
			Operation: audit.OpPayoutSweep,
			Outcome:   audit.OutcomeSuccess,
			Metadata: map[string]string{
				"checked": fmt.Sprint(report.Checked),
				"paid":    fmt.Sprint(report.Paid),
				"failed":  fmt.Sprint(report.Failed),
			},
		})
	}
	if report.Checked > 0 {
		logging.L(ctx).Info("payout sweep complete",
			"checked", report.Checked, "paid", report.Paid,
			"skipped", report.Skipped, "failed", report.Failed)
	}
	return report, nil
}

func (s *Service) sweepOne(ctx context.Context, sched *Schedule, now time.Time) SweepResult {
	res := SweepResult{BusinessID: sched.BusinessID}
	ctx, span := traces.StartSpan(ctx, "payouts.sweepOne", traces.BusinessID(sched.BusinessID))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpCreatePayout, BusinessID: sched.BusinessID, Currency: sched.Currency}
	var err error
	defer func() { s.finish(ctx, span, &entry, err) }()

	biz, err := s.dir.GetBusiness(ctx, sched.BusinessID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if eerr := biz.Eligible(); eerr != nil {
		res.Skipped = "business not eligible"
		entry.Outcome = audit.OutcomeRejected
		s.markRun(ctx, sched.BusinessID, now)
		return res
	}

	minimum := max(sched.MinimumAmount, s.cfg.MinimumAmount)
	p, perr := s.payout(ctx, biz, sched.Currency, 0, minimum, TriggerScheduled)
	switch {
	case errors.Is(perr, ErrBelowMinimum):
		res.Skipped = "below minimum amount"
		entry.Outcome = audit.OutcomeRejected
	case perr != nil:
		err = perr
		res.Error = perr.Error()
		logging.L(ctx).Warn("scheduled payout failed", "business_id", sched.BusinessID, "error", perr)
		return res
	default:
		res.PayoutID, res.Amount = p.ID, p.Amount
		entry.ResourceID, entry.Amount = p.ID, p.Amount
	}
	s.markRun(ctx, sched.BusinessID, now)
	return res
}

func (s *Service) markRun(ctx context.Context, businessID string, now time.Time) {
	if err := s.store.MarkScheduleRun(ctx, businessID, now); err != nil {
		logging.L(ctx).Warn("failed to record payout schedule run", "business_id", businessID, "error", err)
	}
}

// HandleEvent applies payout.paid and payout.failed events.
func (s *Service) HandleEvent(ctx context.Context, ev *processor.Event) (err error) {
	if ev.Type != processor.EventPayoutPaid && ev.Type != processor.EventPayoutFailed {
		return nil
	}
	ctx = audit.WithActor(ctx, audit.System)
	ctx, span := traces.StartSpan(ctx, "payouts.HandleEvent", traces.Op(ev.Type))
	defer span.End()

	p, err := s.store.GetByProcessorRef(ctx, ev.PayoutID)
	if errors.Is(err, ErrPayoutNotFound) {
		logging.L(ctx).Warn("webhook for unknown payout", "event_id", ev.ID, "payout_ref", ev.PayoutID)
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(traces.PayoutID(p.ID))
	if p.Status.IsTerminal() {
		return nil
	}

	entry := audit.Entry{
		Operation:  audit.OpWebhook,
		BusinessID: p.BusinessID,
		ResourceID: p.ID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Metadata:   map[string]string{"event_id": ev.ID, "event_type": ev.Type},
	}
	defer func() { s.finish(ctx, span, &entry, err) }()

	p.UpdatedAt = s.now()
	if ev.Type == processor.EventPayoutPaid {
		p.Status = StatusPaid
		if !ev.ArrivalDate.IsZero() {
			arrival := ev.ArrivalDate
			p.ArrivalDate = &arrival
		}
	} else {
		p.Status = StatusFailed
		p.FailureCode, p.FailureMessage = ev.FailureCode, ev.FailureMessage
	}
	if err := s.store.UpdateStatus(ctx, p); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Status)).Inc()
	if p.Status == StatusFailed {
		s.announce(ctx, notify.EventPayoutFailed, p)
		logging.L(ctx).Warn("payout failed; earnings returned to balance",
			"payout_id", p.ID, "business_id", p.BusinessID, "failure_code", p.FailureCode)
	} else {
		s.announce(ctx, notify.EventPayoutPaid, p)
		logging.L(ctx).Info("payout paid", "payout_id", p.ID, "business_id", p.BusinessID)
	}
	return nil
}

// business loads a business and checks the caller may manage its payouts.
func (s *Service) business(ctx context.Context, id string) (*business.Business, error) {
	biz, err := s.dir.GetBusiness(ctx, id)
	if err != nil {
		return nil, err
	}
	a := audit.ActorFrom(ctx)
	switch a.Role {
	case audit.RoleSystem, string(auth.RoleAdmin):
		return biz, nil
	case string(auth.RoleOwner):
		if a.UserID != "" && a.UserID == biz.OwnerID {
			return biz, nil
		}
	}
	return nil, ErrForbidden
}

func (s *Service) finish(ctx context.Context, span trace.Span, e *audit.Entry, err error) {
	traces.Fail(span, err)
	if s.guard == nil {
		return
	}
	if e.Outcome == "" || err != nil {
		e.Outcome, e.ErrorCode = audit.OutcomeOf(err)
	}
	s.guard.Record(ctx, *e)
}
