// Package payments runs the escrow payment lifecycle.
//
// Flow:
//  1. Owner creates an intent → processor object created, intent (and escrow
//     when capture is manual) written in one transaction
//  2. Customer confirms → escrow held, or captured immediately
//  3. Owner captures → escrow released, business earning scheduled
//  4. Owner cancels before capture → authorization voided
//  5. Owner refunds after capture → fee and payout reversed pro-rata
//
// Every step calls the processor first and commits locally second. The
// commit is a compare-and-swap on the intent's status and version, so two
// racing operations on one intent cannot both win.
package payments

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/fees"
	"github.com/localmarket/paycore/internal/payouts"
	"github.com/shopspring/decimal"
)

var (
	ErrIntentNotFound         = apperr.New(apperr.KindNotFound, "payment intent not found")
	ErrEscrowNotFound         = apperr.New(apperr.KindNotFound, "escrow not found")
	ErrInvalidStateTransition = apperr.New(apperr.KindInvalidState, "payment is not in a state that allows this operation")
	ErrRefundExceedsOriginal  = apperr.New(apperr.KindRefundExceeds, "refund exceeds the unrefunded amount")
	ErrIdempotencyMismatch    = apperr.New(apperr.KindValidation, "idempotency key was already used with different parameters")
	ErrDuplicateIntent        = apperr.New(apperr.KindInvalidState, "payment intent already exists for this idempotency key")
	ErrForbidden              = apperr.New(apperr.KindForbidden, "not authorized for this payment")
)

// Amount bounds in minor units.
const (
	MinAmount int64 = 50
	MaxAmount int64 = 1_000_000
)

// Status is the local payment intent status.
type Status string

const (
	StatusCreated               Status = "created"
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresAction        Status = "requires_action"
	StatusProcessing            Status = "processing"
	StatusRequiresCapture       Status = "requires_capture"
	StatusSucceeded             Status = "succeeded"
	StatusCancelled             Status = "cancelled"
	StatusRefunded              Status = "refunded"
	StatusPartiallyRefunded     Status = "partially_refunded"
)

var preCapture = []Status{
	StatusRequiresPaymentMethod, StatusRequiresConfirmation, StatusRequiresAction,
	StatusProcessing, StatusRequiresCapture, StatusSucceeded, StatusCancelled,
}

// transitions lists the statuses reachable from each status. A status may
// list itself when the operation records a new attempt without moving on.
var transitions = map[Status][]Status{
	StatusCreated:               {StatusRequiresConfirmation, StatusRequiresPaymentMethod, StatusRequiresCapture, StatusSucceeded},
	StatusRequiresConfirmation:  preCapture,
	StatusRequiresPaymentMethod: preCapture,
	StatusRequiresAction:        preCapture,
	StatusProcessing:            preCapture,
	StatusRequiresCapture:       {StatusSucceeded, StatusCancelled},
	StatusSucceeded:             {StatusPartiallyRefunded, StatusRefunded, StatusSucceeded},
	StatusPartiallyRefunded:     {StatusPartiallyRefunded, StatusRefunded},
}

// CanTransition reports whether an intent may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Confirmable reports whether a customer may attempt confirmation.
func (s Status) Confirmable() bool {
	switch s {
	case StatusRequiresConfirmation, StatusRequiresPaymentMethod, StatusRequiresAction:
		return true
	}
	return false
}

// Cancellable reports whether the authorization can still be voided.
func (s Status) Cancellable() bool {
	switch s {
	case StatusRequiresConfirmation, StatusRequiresPaymentMethod, StatusRequiresAction,
		StatusProcessing, StatusRequiresCapture:
		return true
	}
	return false
}

// Refundable reports whether captured funds can be returned.
func (s Status) Refundable() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded
}

// EscrowStatus is the state of held funds.
type EscrowStatus string

const (
	EscrowPendingCapture EscrowStatus = "pending_capture"
	EscrowHeld           EscrowStatus = "held"
	EscrowReleased       EscrowStatus = "released"
	EscrowCancelled      EscrowStatus = "cancelled"
	EscrowDisputed       EscrowStatus = "disputed"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPendingCapture: {EscrowHeld, EscrowCancelled},
	EscrowHeld:           {EscrowReleased, EscrowCancelled, EscrowDisputed},
	EscrowDisputed:       {EscrowHeld, EscrowCancelled},
}

// CanTransitionEscrow reports whether an escrow may move between statuses.
func CanTransitionEscrow(from, to EscrowStatus) bool {
	for _, s := range escrowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentIntent is one attempt to collect money from a customer for a
// business. Amount, PlatformFee and BusinessPayout are pre-tax and always
// satisfy Amount = PlatformFee + BusinessPayout. Before capture they
// describe the authorization; after capture, the captured amount.
type PaymentIntent struct {
	ID               string            `json:"id"`
	ProcessorRef     string            `json:"processorRef"`
	ClientSecret     string            `json:"-"`
	BusinessID       string            `json:"businessId"`
	CustomerID       string            `json:"customerId,omitempty"`
	ReservationID    string            `json:"reservationId,omitempty"`
	Amount           int64             `json:"amount"`
	AuthorizedAmount int64             `json:"authorizedAmount"`
	Currency         string            `json:"currency"`
	FeePercent       decimal.Decimal   `json:"feePercent"`
	PlatformFee      int64             `json:"platformFee"`
	BusinessPayout   int64             `json:"businessPayout"`
	TaxAmount        int64             `json:"taxAmount"`
	TaxJurisdiction  string            `json:"taxJurisdiction,omitempty"`
	EscrowEnabled    bool              `json:"escrowEnabled"`
	Status           Status            `json:"status"`
	RefundedAmount   int64             `json:"refundedAmount"`
	RefundedFee      int64             `json:"refundedFee"`
	RefundedPayout   int64             `json:"refundedPayout"`
	RefundedTax      int64             `json:"refundedTax"`
	RefundCount      int               `json:"refundCount"`
	Disputed         bool              `json:"disputed,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IdempotencyKey   string            `json:"-"`
	RequestHash      string            `json:"-"`
	Version          int               `json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty"`
	CapturedAt       *time.Time        `json:"capturedAt,omitempty"`
	CancelledAt      *time.Time        `json:"cancelledAt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Split returns the intent's current fee split.
func (p *PaymentIntent) Split() fees.Split {
	return fees.Split{Gross: p.Amount, PlatformFee: p.PlatformFee, BusinessPayout: p.BusinessPayout}
}

// RefundedSplit returns the sum of all refund shares so far.
func (p *PaymentIntent) RefundedSplit() fees.Split {
	return fees.Split{Gross: p.RefundedAmount, PlatformFee: p.RefundedFee, BusinessPayout: p.RefundedPayout}
}

// Refundable returns how much of the pre-tax amount can still be refunded.
func (p *PaymentIntent) Refundable() int64 {
	if !p.Status.Refundable() {
		return 0
	}
	return p.Amount - p.RefundedAmount
}

// ChargedAmount is the amount the processor collects, tax included.
func (p *PaymentIntent) ChargedAmount() int64 {
	return p.Amount + p.TaxAmount
}

func (p *PaymentIntent) clone() *PaymentIntent {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Escrow is the durable record of funds held for a manual-capture intent.
// ReleasedAt is set if and only if Status is released.
type Escrow struct {
	ID                 string            `json:"id"`
	IntentID           string            `json:"intentId"`
	BusinessID         string            `json:"businessId"`
	CustomerID         string            `json:"customerId,omitempty"`
	Amount             int64             `json:"amount"`
	PlatformFee        int64             `json:"platformFee"`
	BusinessPayout     int64             `json:"businessPayout"`
	Status             EscrowStatus      `json:"status"`
	ScheduledReleaseAt *time.Time        `json:"scheduledReleaseAt,omitempty"`
	ReleasedAt         *time.Time        `json:"releasedAt,omitempty"`
	DisputedAt         *time.Time        `json:"disputedAt,omitempty"`
	CancelledAt        *time.Time        `json:"cancelledAt,omitempty"`
	DisputeReason      string            `json:"disputeReason,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Refund is one partial or full reversal of a captured intent. Amount is
// pre-tax; TaxRefund is returned to the customer on top of it.
type Refund struct {
	ID                 string     `json:"id"`
	IntentID           string     `json:"intentId"`
	ProcessorRef       string     `json:"processorRef,omitempty"`
	Amount             int64      `json:"amount"`
	PlatformFeeRefund  int64      `json:"platformFeeRefund"`
	BusinessAdjustment int64      `json:"businessAdjustment"`
	TaxRefund          int64      `json:"taxRefund"`
	Reason             string     `json:"reason,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Transition is one atomic change to an intent and its dependents. The
// store applies it only if the intent is still at ExpectedStatus and
// Intent.Version; on success it increments Intent.Version.
type Transition struct {
	Intent         *PaymentIntent
	ExpectedStatus Status

	// Escrow, when set, is written under the same check against
	// ExpectedEscrowStatus.
	Escrow               *Escrow
	ExpectedEscrowStatus EscrowStatus

	Refund  *Refund
	Earning *payouts.Earning
}

// ListFilter narrows a business's intent listing.
type ListFilter struct {
	Status          Status
	Limit           int
	BeforeCreatedAt *time.Time
	BeforeID        string
}

// Store persists intents, escrows and refunds.
type Store interface {
	// CreateIntent writes pi and, when non-nil, esc in one transaction.
	// A reused idempotency key returns ErrDuplicateIntent.
	CreateIntent(ctx context.Context, pi *PaymentIntent, esc *Escrow) error
	GetIntent(ctx context.Context, id string) (*PaymentIntent, error)
	GetIntentByProcessorRef(ctx context.Context, ref string) (*PaymentIntent, error)
	GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error)
	GetEscrow(ctx context.Context, intentID string) (*Escrow, error)
	ListRefunds(ctx context.Context, intentID string) ([]*Refund, error)
	ListByBusiness(ctx context.Context, businessID string, f ListFilter) ([]*PaymentIntent, error)
	// ListStale returns intents in one of statuses last updated before.
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*PaymentIntent, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	Transition(ctx context.Context, t Transition) error

	// MarkEventProcessed records a webhook event id; it returns false if
	// the id was already recorded.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	EventProcessed(ctx context.Context, eventID string) (bool, error)
}
