package payments

import (
	"context"
	"errors"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/business"
)

// CapturePolicy decides whether held funds may be released to a business.
type CapturePolicy interface {
	AllowCapture(ctx context.Context, pi *PaymentIntent, reason string) error
}

// ReservationCapturePolicy ties capture to the linked reservation: capture
// needs a completed reservation, or a reason for releasing early. A
// cancelled reservation must be refunded instead.
type ReservationCapturePolicy struct {
	dir business.Directory
}

// NewReservationCapturePolicy creates the default capture policy.
func NewReservationCapturePolicy(dir business.Directory) *ReservationCapturePolicy {
	return &ReservationCapturePolicy{dir: dir}
}

func (p *ReservationCapturePolicy) AllowCapture(ctx context.Context, pi *PaymentIntent, reason string) error {
	if pi.ReservationID == "" {
		return nil
	}
	r, err := p.dir.GetReservation(ctx, pi.ReservationID)
	if errors.Is(err, business.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch r.CompletionStatus {
	case business.CompletionCompleted:
		return nil
	case business.CompletionCancelled:
		return apperr.New(apperr.KindInvalidState, "reservation was cancelled; refund or cancel the payment instead")
	}
	if reason == "" {
		return apperr.Validation("reason", "required to capture before the reservation is completed")
	}
	return nil
}
