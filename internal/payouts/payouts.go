// Package payouts moves accumulated business earnings to the business's
// external account through the processor.
//
// Captures and refunds append signed earnings to the ledger. A payout settles
// unsettled earnings oldest-first; a failed payout returns them. The amount
// a business can be paid is the smaller of its unsettled earnings and the
// processor's available balance for its connected account.
package payouts

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/pagination"
)

var (
	ErrPayoutNotFound    = apperr.New(apperr.KindNotFound, "payout not found")
	ErrScheduleNotFound  = apperr.New(apperr.KindNotFound, "payout schedule not found")
	ErrInsufficientFunds = apperr.New(apperr.KindInsufficientFunds, "requested amount exceeds the available balance")
	ErrBelowMinimum      = apperr.New(apperr.KindValidation, "payout amount is below the minimum")
	ErrPayoutRefRecorded = apperr.New(apperr.KindProcessor, "processor returned a payout that is already recorded")
)

// MinimumAmount is the smallest payout, in minor units.
const MinimumAmount int64 = 100

// Status mirrors the processor payout status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the payout will not change again.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCanceled
}

// Trigger records what started a payout.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Payout is a transfer of earnings to a business's external account.
type Payout struct {
	ID             string     `json:"id"`
	BusinessID     string     `json:"businessId"`
	ProcessorRef   string     `json:"processorRef,omitempty"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         Status     `json:"status"`
	Trigger        Trigger    `json:"trigger"`
	ArrivalDate    *time.Time `json:"arrivalDate,omitempty"`
	FailureCode    string     `json:"failureCode,omitempty"`
	FailureMessage string     `json:"failureMessage,omitempty"`
	IdempotencyKey string     `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// EarningStatus tracks whether an earning has been paid out.
type EarningStatus string

const (
	EarningScheduled EarningStatus = "scheduled"
	EarningSettled   EarningStatus = "settled"
)

// Earning is one signed movement of a business's payable balance. Captures
// add the business payout plus collected tax; refunds subtract the business
// adjustment plus refunded tax.
type Earning struct {
	ID         string        `json:"id"`
	BusinessID string        `json:"businessId"`
	IntentID   string        `json:"intentId"`
	RefundID   string        `json:"refundId,omitempty"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Status     EarningStatus `json:"status"`
	PayoutID   string        `json:"payoutId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	SettledAt  *time.Time    `json:"settledAt,omitempty"`
}

// Store persists payouts, the earnings ledger and per-business schedules.
type Store interface {
	// Record inserts p and, unless p failed, settles p.Amount of the
	// business's unsettled earnings in the same transaction. A processor
	// ref that is already recorded fails with ErrPayoutRefRecorded.
	Record(ctx context.Context, p *Payout) error
	// FailedCount counts the business's failed or canceled payouts in
	// currency.
	FailedCount(ctx context.Context, businessID, currency string) (int, error)
	Get(ctx context.Context, id string) (*Payout, error)
	GetByProcessorRef(ctx context.Context, ref string) (*Payout, error)
	// UpdateStatus moves a payout to status. When status is failed or
	// canceled its earnings return to scheduled.
	UpdateStatus(ctx context.Context, p *Payout) error
	ListByBusiness(ctx context.Context, businessID string, limit int, before *pagination.Cursor) ([]*Payout, error)

	AddEarning(ctx context.Context, e *Earning) error
	Unsettled(ctx context.Context, businessID, currency string) (int64, error)

	GetSchedule(ctx context.Context, businessID string) (*Schedule, error)
	PutSchedule(ctx context.Context, s *Schedule) error
	ListDueCandidates(ctx context.Context) ([]*Schedule, error)
	MarkScheduleRun(ctx context.Context, businessID string, at time.Time) error
}

// settle walks earnings oldest-first and marks amount of them settled
// against payoutID. An earning that only partly fits is split; the
// remainder stays scheduled under rest's id.
func settle(earnings []*Earning, amount int64, payoutID string, at time.Time, newID func() string) (settled []*Earning, rest *Earning) {
	remaining := amount
	for _, e := range earnings {
		if remaining == 0 {
			break
		}
		if e.Amount <= remaining {
			remaining -= e.Amount
			settled = append(settled, e)
			continue
		}
		r := *e
		r.ID = newID()
		r.Amount = e.Amount - remaining
		e.Amount = remaining
		remaining = 0
		settled = append(settled, e)
		rest = &r
	}
	for _, e := range settled {
		e.Status = EarningSettled
		e.PayoutID = payoutID
		t := at
		e.SettledAt = &t
	}
	return settled, rest
}
