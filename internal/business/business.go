// Package business is the payment core's view of the marketplace catalog:
// which businesses may take payments, where they are located, and the
// payment status of their reservations.
package business

import (
	"context"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/tax"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = apperr.New(apperr.KindNotFound, "business not found")
	ErrReservationNotFound = apperr.New(apperr.KindNotFound, "reservation not found")
	ErrNotEligible         = apperr.New(apperr.KindNotEligible, "business is not eligible to accept payments")
)

// Business is a marketplace seller with a connected processor account.
type Business struct {
	ID              string       `json:"id"`
	OwnerID         string       `json:"ownerId"`
	Name            string       `json:"name"`
	StripeAccountID string       `json:"-"`
	Active          bool         `json:"active"`
	Location        tax.Location `json:"location"`
	// FeePercent overrides the platform fee for this business when set.
	FeePercent *decimal.Decimal `json:"feePercent,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Eligible reports whether the business can accept payments.
func (b *Business) Eligible() error {
	if !b.Active {
		return ErrNotEligible
	}
	if b.StripeAccountID == "" {
		return ErrNotEligible
	}
	return nil
}

// CompletionStatus is the service-delivery state of a reservation.
type CompletionStatus string

const (
	CompletionPending   CompletionStatus = "pending"
	CompletionConfirmed CompletionStatus = "confirmed"
	CompletionCompleted CompletionStatus = "completed"
	CompletionCancelled CompletionStatus = "cancelled"
)

// PaymentStatus is the business-facing payment state shown on a reservation.
type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentConfirmed     PaymentStatus = "confirmed"
	PaymentHeld          PaymentStatus = "payment_held"
	PaymentPendingAction PaymentStatus = "payment_pending_action"
	PaymentFailed        PaymentStatus = "payment_failed"
	PaymentCaptured      PaymentStatus = "paid"
	PaymentCancelled     PaymentStatus = "payment_cancelled"
	PaymentRefunded      PaymentStatus = "refunded"
	PaymentPartRefunded  PaymentStatus = "partially_refunded"
)

// Reservation is a customer booking that a payment can be attached to.
type Reservation struct {
	ID               string           `json:"id"`
	BusinessID       string           `json:"businessId"`
	CustomerID       string           `json:"customerId"`
	CompletionStatus CompletionStatus `json:"completionStatus"`
	PaymentStatus    PaymentStatus    `json:"paymentStatus"`
	PaymentIntentID  string           `json:"paymentIntentId,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Directory reads businesses and records reservation payment state.
type Directory interface {
	GetBusiness(ctx context.Context, id string) (*Business, error)
	UpsertBusiness(ctx context.Context, b *Business) error
	ListActive(ctx context.Context) ([]*Business, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	UpsertReservation(ctx context.Context, r *Reservation) error
	SetReservationPayment(ctx context.Context, reservationID, intentID string, status PaymentStatus) error
}

// Resolver adapts a Directory to tax.LocationResolver.
type Resolver struct {
	Directory Directory
}

func (r Resolver) BusinessLocation(ctx context.Context, businessID string) (*tax.Location, error) {
	b, err := r.Directory.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	loc := b.Location
	return &loc, nil
}
