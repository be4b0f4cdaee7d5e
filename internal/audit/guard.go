package audit

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/logging"
)

// GuardConfig bounds how fast a caller may mutate payment state.
type GuardConfig struct {
	// RateLimit is the number of mutating attempts an actor may make per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// FailureBurst failed attempts within FailureWindow block the actor
	// until the window slides past them. Repeated declines look like card testing.
	FailureBurst  int
	FailureWindow time.Duration
	// RefundVelocity caps successful refunds per business per RefundWindow.
	RefundVelocity int
	RefundWindow   time.Duration
}

// DefaultGuardConfig returns the production limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RateLimit:      30,
		RateWindow:     time.Minute,
		FailureBurst:   5,
		FailureWindow:  10 * time.Minute,
		RefundVelocity: 20,
		RefundWindow:   time.Hour,
	}
}

// Guard checks callers against their audit history and records outcomes.
type Guard struct {
	log Logger
	cfg GuardConfig
	now func() time.Time
}

// NewGuard creates a guard over log.
func NewGuard(log Logger, cfg GuardConfig) *Guard {
	return &Guard{log: log, cfg: cfg, now: time.Now}
}

// Logger returns the underlying audit log.
func (g *Guard) Logger() Logger { return g.log }

// Check rejects actor if they exceeded the mutation rate or recently failed
// too often. System actors are never throttled. An unreadable audit log
// does not block payments.
func (g *Guard) Check(ctx context.Context, actor Actor, op Operation) error {
	if actor.Role == RoleSystem {
		return nil
	}
	now := g.now()

	if g.cfg.RateLimit > 0 {
		// Throttled attempts are recorded too but do not extend the window.
		n, err := g.log.Count(ctx, Filter{
			ActorID:       actor.UserID,
			SkipErrorCode: string(apperr.KindRateLimited),
			Since:         now.Add(-g.cfg.RateWindow),
		})
		if err != nil {
			logging.L(ctx).Error("audit rate check failed", "op", op, "error", err)
			return nil
		}
		if n >= g.cfg.RateLimit {
			logging.L(ctx).Warn("caller rate limited", "op", op, "actor", actor.UserID, "count", n)
			return apperr.New(apperr.KindRateLimited, "too many payment operations; slow down")
		}
	}

	if g.cfg.FailureBurst > 0 {
		n, err := g.log.Count(ctx, Filter{
			ActorID: actor.UserID,
			Outcome: OutcomeFailure,
			Since:   now.Add(-g.cfg.FailureWindow),
		})
		if err != nil {
			logging.L(ctx).Error("audit failure check failed", "op", op, "error", err)
			return nil
		}
		if n >= g.cfg.FailureBurst {
			logging.L(ctx).Warn("caller blocked after repeated failures", "op", op, "actor", actor.UserID, "failures", n)
			return apperr.New(apperr.KindRateLimited, "too many failed payment attempts; try again later")
		}
	}
	return nil
}

// CheckRefundVelocity rejects a refund when the business already refunded
// unusually often within the window.
func (g *Guard) CheckRefundVelocity(ctx context.Context, businessID string) error {
	if g.cfg.RefundVelocity <= 0 {
		return nil
	}
	n, err := g.log.Count(ctx, Filter{
		BusinessID: businessID,
		Operation:  OpRefund,
		Outcome:    OutcomeSuccess,
		Since:      g.now().Add(-g.cfg.RefundWindow),
	})
	if err != nil {
		logging.L(ctx).Error("audit refund velocity check failed", "business_id", businessID, "error", err)
		return nil
	}
	if n >= g.cfg.RefundVelocity {
		logging.L(ctx).Warn("refund velocity exceeded", "business_id", businessID, "refunds", n)
		return apperr.New(apperr.KindForbidden, "refund limit reached for this business; contact support")
	}
	return nil
}

// Record appends e, filling its id, timestamp, correlation id and actor from
// ctx. A failed append is logged and never fails the caller.
func (g *Guard) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixAudit)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.now()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationID(ctx)
	}
	if e.ActorID == "" {
		a := ActorFrom(ctx)
		e.ActorID, e.ActorRole, e.ClientIP = a.UserID, a.Role, a.IP
	}

	if err := g.log.Append(ctx, &e); err != nil {
		logging.L(ctx).Error("audit append failed",
			"op", e.Operation, "resource_id", e.ResourceID, "outcome", e.Outcome, "error", err)
	}
}

// OutcomeOf classifies an operation result for the audit log.
func OutcomeOf(err error) (Outcome, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindProcessor, apperr.KindInternal:
		return OutcomeFailure, string(kind)
	default:
		return OutcomeRejected, string(kind)
	}
}
