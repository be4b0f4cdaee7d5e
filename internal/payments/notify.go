package payments

import (
	"context"

	"github.com/localmarket/paycore/internal/notify"
)

// Notifier delivers lifecycle events to the business. Notify must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, businessID string, typ notify.EventType, data map[string]any)
}

// announce reports a committed transition to the business.
func (s *Service) announce(ctx context.Context, t Transition) {
	if s.notify == nil {
		return
	}
	typ, ok := eventFor(t)
	if !ok {
		return
	}
	pi := t.Intent
	data := map[string]any{
		"paymentIntentId": pi.ID,
		"status":          pi.Status,
		"amount":          pi.Amount,
		"currency":        pi.Currency,
		"refundedAmount":  pi.RefundedAmount,
	}
	if pi.ReservationID != "" {
		data["reservationId"] = pi.ReservationID
	}
	if t.Refund != nil {
		data["refundId"] = t.Refund.ID
		data["refundAmount"] = t.Refund.Amount
	}
	s.notify.Notify(ctx, pi.BusinessID, typ, data)
}

// eventFor picks the business-facing event for t, if any.
func eventFor(t Transition) (notify.EventType, bool) {
	if t.Refund != nil {
		return notify.EventPaymentRefunded, true
	}
	if t.Escrow != nil && t.Escrow.Status == EscrowDisputed && t.ExpectedEscrowStatus != EscrowDisputed {
		return notify.EventPaymentDisputed, true
	}
	if t.Intent.Status == t.ExpectedStatus {
		// Disputes on captured funds only flag the intent.
		if t.Intent.Disputed && t.Escrow == nil {
			return notify.EventPaymentDisputed, true
		}
		return "", false
	}
	switch t.Intent.Status {
	case StatusRequiresCapture:
		return notify.EventPaymentAuthorized, true
	case StatusSucceeded:
		return notify.EventPaymentCaptured, true
	case StatusCancelled:
		return notify.EventPaymentCanceled, true
	case StatusRequiresPaymentMethod:
		return notify.EventPaymentFailed, true
	}
	return "", false
}
