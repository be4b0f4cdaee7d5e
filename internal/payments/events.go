package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/audit"
	"github.com/localmarket/paycore/internal/fees"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/retry"
	"github.com/localmarket/paycore/internal/traces"
)

// Dispute outcomes reported on charge.dispute.closed.
const (
	DisputeWon  = "won"
	DisputeLost = "lost"
)

// HandleEvent applies a verified processor event to the intent it names.
// Events for intents this service never recorded are ignored.
func (s *Service) HandleEvent(ctx context.Context, ev *processor.Event) (err error) {
	if !strings.HasPrefix(ev.Type, "payment_intent.") && !strings.HasPrefix(ev.Type, "charge.") {
		return nil
	}
	if ev.IntentID == "" {
		return nil
	}
	ctx = audit.WithActor(ctx, audit.System)
	ctx, span := traces.StartSpan(ctx, "payments.HandleEvent", traces.Op(ev.Type))
	defer span.End()

	found, err := s.store.GetIntentByProcessorRef(ctx, ev.IntentID)
	if errors.Is(err, ErrIntentNotFound) {
		logging.L(ctx).Warn("webhook for unknown payment intent", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
	if err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, found.ID)
	if err != nil {
		return err
	}
	defer unlock()

	entry := audit.Entry{
		Operation:  audit.OpWebhook,
		ResourceID: found.ID,
		Metadata:   map[string]string{"event_id": ev.ID, "event_type": ev.Type},
	}
	pi, esc, _, err := s.load(ctx, found.ID, &entry)
	if err != nil {
		return err
	}
	span.SetAttributes(traces.IntentID(pi.ID))

	now := s.now()
	var t *Transition
	switch ev.Type {
	case processor.EventIntentSucceeded, processor.EventIntentCapturable, processor.EventIntentRequiresAction,
		processor.EventIntentFailed, processor.EventIntentCanceled:
		t, err = s.converge(pi, esc, remoteFromEvent(ev), now)
	case processor.EventChargeRefunded:
		t, err = syncRefunds(pi, ev.AmountRefunded, now)
	case processor.EventDisputeCreated:
		t = openDispute(pi, esc, ev.Reason, now)
	case processor.EventDisputeClosed:
		t = closeDispute(pi, esc, ev.Status, now)
	}
	if err != nil || t == nil {
		return err
	}

	defer func() { s.finish(ctx, span, &entry, err) }()
	err = retry.Do(ctx, s.cfg.LocalWriteAttempts, s.cfg.LocalWriteBackoff, func() error {
		err := s.store.Transition(ctx, *t)
		if errors.Is(err, ErrInvalidStateTransition) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}
	observe(*t)
	s.announce(ctx, *t)
	s.updateReservation(ctx, t.Intent)
	logging.L(ctx).Info("applied processor event",
		"event_id", ev.ID, "type", ev.Type, "intent_id", pi.ID,
		"from", t.ExpectedStatus, "to", t.Intent.Status)
	return nil
}

// converge builds the transition that brings pi, and esc when present, in
// line with the processor's view of the intent. It returns nil when the
// local record already agrees or the processor's status is not reachable.
func (s *Service) converge(pi *PaymentIntent, esc *Escrow, remote *processor.Intent, now time.Time) (*Transition, error) {
	next := pi.clone()
	t := &Transition{Intent: next, ExpectedStatus: pi.Status}
	var nextEsc *Escrow
	if esc != nil {
		nextEsc = esc.clone()
		t.Escrow, t.ExpectedEscrowStatus = nextEsc, esc.Status
	}

	switch remote.Status {
	case processor.IntentRequiresPaymentMethod:
		// Without an error this is a fresh intent still awaiting a method.
		if remote.LastError == "" && pi.Status == StatusRequiresConfirmation {
			return nil, nil
		}
		next.Status = StatusRequiresPaymentMethod
		next.LastError = remote.LastError
	case processor.IntentRequiresConfirmation:
		next.Status = StatusRequiresConfirmation
	case processor.IntentRequiresAction:
		next.Status = StatusRequiresAction
		next.LastError = ""
	case processor.IntentProcessing:
		next.Status = StatusProcessing
	case processor.IntentRequiresCapture:
		next.Status = StatusRequiresCapture
		next.LastError = ""
		if next.ConfirmedAt == nil {
			next.ConfirmedAt = &now
		}
		if nextEsc != nil && nextEsc.Status == EscrowPendingCapture {
			release := now.Add(s.cfg.HoldPeriod)
			nextEsc.Status = EscrowHeld
			nextEsc.ScheduledReleaseAt = &release
			nextEsc.UpdatedAt = now
		}
	case processor.IntentSucceeded:
		if pi.Status.Refundable() || pi.Status == StatusRefunded {
			return nil, nil
		}
		next.LastError = ""
		if next.ConfirmedAt == nil {
			next.ConfirmedAt = &now
		}
		if pi.EscrowEnabled {
			// Captured outside this service, possibly for less than authorized.
			amount := pi.AuthorizedAmount
			if remote.AmountReceived > 0 && remote.AmountReceived != pi.ChargedAmount() {
				amount = fees.ProRata(remote.AmountReceived, pi.AuthorizedAmount, pi.ChargedAmount())
			}
			split, err := fees.Compute(amount, pi.FeePercent)
			if err != nil {
				return nil, err
			}
			if nextEsc != nil && !CanTransitionEscrow(nextEsc.Status, EscrowReleased) {
				// A disputed hold stays frozen and earns nothing until the
				// dispute outcome settles it.
				applyCapture(next, nil, split, capturedTax(pi, amount), now)
				nextEsc.Amount, nextEsc.PlatformFee, nextEsc.BusinessPayout = split.Gross, split.PlatformFee, split.BusinessPayout
				nextEsc.UpdatedAt = now
				next.Disputed = true
				break
			}
			applyCapture(next, nextEsc, split, capturedTax(pi, amount), now)
		} else {
			next.Status = StatusSucceeded
			next.CapturedAt = &now
		}
		t.Earning = newEarning(next, "", next.BusinessPayout+next.TaxAmount, now)
	case processor.IntentCanceled:
		next.Status = StatusCancelled
		next.CancelledAt = &now
		if nextEsc != nil && CanTransitionEscrow(nextEsc.Status, EscrowCancelled) {
			nextEsc.Status = EscrowCancelled
			nextEsc.CancelledAt = &now
			nextEsc.UpdatedAt = now
		}
	default:
		return nil, nil
	}

	if next.Status == pi.Status && next.LastError == pi.LastError &&
		(esc == nil || nextEsc.Status == esc.Status) {
		return nil, nil
	}
	if !CanTransition(pi.Status, next.Status) {
		return nil, nil
	}
	next.UpdatedAt = now
	return t, nil
}

func remoteFromEvent(ev *processor.Event) *processor.Intent {
	r := &processor.Intent{
		ID:             ev.IntentID,
		Amount:         ev.Amount,
		AmountReceived: ev.AmountReceived,
		LastError:      ev.FailureMessage,
	}
	switch ev.Type {
	case processor.EventIntentSucceeded:
		r.Status = processor.IntentSucceeded
	case processor.EventIntentCapturable:
		r.Status = processor.IntentRequiresCapture
	case processor.EventIntentRequiresAction:
		r.Status = processor.IntentRequiresAction
	case processor.EventIntentFailed:
		r.Status = processor.IntentRequiresPaymentMethod
		if r.LastError == "" {
			r.LastError = "payment failed"
		}
	case processor.EventIntentCanceled:
		r.Status = processor.IntentCanceled
	}
	return r
}

// syncRefunds records refunds issued directly at the processor. remote is
// the total refunded there, tax included.
func syncRefunds(pi *PaymentIntent, remote int64, now time.Time) (*Transition, error) {
	if !pi.Status.Refundable() {
		return nil, nil
	}
	diff := remote - (pi.RefundedAmount + pi.RefundedTax)
	if diff <= 0 {
		return nil, nil
	}
	remaining := pi.Amount - pi.RefundedAmount
	amount := remaining
	if remote < pi.ChargedAmount() {
		amount = fees.ProRata(diff, pi.Amount, pi.ChargedAmount())
		if amount > remaining {
			amount = remaining
		}
	}
	if amount <= 0 {
		return nil, nil
	}
	share, err := fees.RefundShare(pi.Split(), pi.RefundedSplit(), amount)
	if err != nil {
		return nil, err
	}
	taxRefund := refundTax(pi, amount)

	next := pi.clone()
	rf := &Refund{
		ID:        idgen.WithPrefix(idgen.PrefixRefund),
		IntentID:  pi.ID,
		Reason:    "issued at processor",
		Status:    "succeeded",
		CreatedAt: now,
	}
	applyRefund(next, rf, share, taxRefund, now)
	return &Transition{
		Intent:         next,
		ExpectedStatus: pi.Status,
		Refund:         rf,
		Earning:        newEarning(next, rf.ID, -(share.BusinessPayout + taxRefund), now),
	}, nil
}

// openDispute freezes held funds and flags captured ones.
func openDispute(pi *PaymentIntent, esc *Escrow, reason string, now time.Time) *Transition {
	next := pi.clone()
	t := &Transition{Intent: next, ExpectedStatus: pi.Status}
	changed := false
	if esc != nil && esc.Status == EscrowHeld {
		e := esc.clone()
		e.Status = EscrowDisputed
		e.DisputedAt = &now
		e.DisputeReason = reason
		e.UpdatedAt = now
		t.Escrow, t.ExpectedEscrowStatus = e, esc.Status
		changed = true
	}
	if pi.Status.Refundable() && !pi.Disputed {
		next.Disputed = true
		changed = true
	}
	if !changed {
		return nil
	}
	next.UpdatedAt = now
	return t
}

// syncIntent re-reads an intent from the processor and applies any drift.
func (s *Service) syncIntent(ctx context.Context, id string) (changed bool, err error) {
	ctx = audit.WithActor(ctx, audit.System)
	ctx, span := traces.StartSpan(ctx, "payments.syncIntent", traces.IntentID(id))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	entry := audit.Entry{Operation: audit.OpReconcile, ResourceID: id}
	pi, esc, _, err := s.load(ctx, id, &entry)
	if err != nil {
		return false, err
	}
	remote, err := s.gateway.GetIntent(ctx, pi.ProcessorRef)
	if err != nil {
		return false, err
	}
	t, err := s.converge(pi, esc, remote, s.now())
	if err != nil || t == nil {
		return false, err
	}

	defer func() { s.finish(ctx, span, &entry, err) }()
	if err := s.store.Transition(ctx, *t); err != nil {
		return false, err
	}
	observe(*t)
	s.announce(ctx, *t)
	s.updateReservation(ctx, t.Intent)
	logging.L(ctx).Info("reconciled payment intent",
		"intent_id", pi.ID, "from", t.ExpectedStatus, "to", t.Intent.Status)
	return true, nil
}

// closeDispute returns won funds to held and voids lost ones.
func closeDispute(pi *PaymentIntent, esc *Escrow, outcome string, now time.Time) *Transition {
	next := pi.clone()
	t := &Transition{Intent: next, ExpectedStatus: pi.Status}
	changed := false
	if esc != nil && esc.Status == EscrowDisputed {
		e := esc.clone()
		e.UpdatedAt = now
		if outcome == DisputeWon {
			e.Status = EscrowHeld
			if !next.Status.Cancellable() && CanTransitionEscrow(EscrowHeld, EscrowReleased) {
				// Captured while frozen; the funds now go to the business.
				e.Status = EscrowReleased
				e.ReleasedAt = &now
				t.Earning = newEarning(next, "", next.BusinessPayout+next.TaxAmount, now)
			}
		} else {
			e.Status = EscrowCancelled
			e.CancelledAt = &now
			if next.Status.Cancellable() {
				next.Status = StatusCancelled
				next.CancelledAt = &now
			}
		}
		t.Escrow, t.ExpectedEscrowStatus = e, esc.Status
		changed = true
	}
	if pi.Disputed && outcome == DisputeWon {
		next.Disputed = false
		changed = true
	}
	if !changed {
		return nil
	}
	next.UpdatedAt = now
	return t
}
