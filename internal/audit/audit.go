// Package audit records every attempt to mutate payment state and uses that
// record to throttle callers and flag suspicious activity.
package audit

import (
	"context"
	"time"
)

// Operation names a mutating entry point.
type Operation string

const (
	OpCreateIntent    Operation = "payment.create"
	OpConfirm         Operation = "payment.confirm"
	OpCapture         Operation = "payment.capture"
	OpCancel          Operation = "payment.cancel"
	OpRefund          Operation = "payment.refund"
	OpWebhook         Operation = "payment.webhook"
	OpReconcile       Operation = "payment.reconcile"
	OpCreatePayout    Operation = "payout.create"
	OpPayoutSweep     Operation = "payout.sweep"
	OpPayoutSchedule  Operation = "payout.schedule"
	OpCreateExemption Operation = "tax.exemption.create"
)

// Outcome is the result of an attempted operation.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// RoleSystem marks actions taken by the platform itself (webhooks, sweeps).
const RoleSystem = "system"

// Actor is the caller behind an operation.
type Actor struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	IP     string `json:"ip,omitempty"`
}

// System is the actor for webhook and timer driven work.
var System = Actor{UserID: "system", Role: RoleSystem}

// Entry is one append-only audit record.
type Entry struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	ActorID       string            `json:"actorId"`
	ActorRole     string            `json:"actorRole"`
	ClientIP      string            `json:"-"`
	Operation     Operation         `json:"operation"`
	BusinessID    string            `json:"businessId,omitempty"`
	ResourceID    string            `json:"resourceId,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	Amount        int64             `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	ActorID    string
	BusinessID string
	ResourceID string
	Operation  Operation
	Outcome    Outcome
	// SkipErrorCode drops entries carrying this error code.
	SkipErrorCode string
	Since         time.Time
	// Before and BeforeID page backwards from a cursor.
	Before   time.Time
	BeforeID string
	Limit    int
}

func (f Filter) matches(e *Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.BusinessID != "" && e.BusinessID != f.BusinessID {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.SkipErrorCode != "" && e.ErrorCode == f.SkipErrorCode {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() {
		if e.CreatedAt.After(f.Before) {
			return false
		}
		if e.CreatedAt.Equal(f.Before) && e.ID >= f.BeforeID {
			return false
		}
	}
	return true
}

// Logger stores audit entries.
type Logger interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
	Count(ctx context.Context, f Filter) (int, error)
}

type actorKey struct{}

// WithActor attaches the calling actor to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor on ctx, or an anonymous actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{UserID: "anonymous"}
}
