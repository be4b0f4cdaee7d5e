// Package processor is the boundary to the external card processor. The
// Gateway interface is implemented by the Stripe adapter, by an in-process
// fake used in development and tests, and by Guarded, which adds timeouts,
// retries and a circuit breaker around either.
package processor

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("processor: webhook signature invalid")
	ErrCircuitOpen      = errors.New("processor: circuit open")
)

// Operation names, used for breaker keys, metrics labels and fault injection.
const (
	OpCreateIntent  = "create_intent"
	OpConfirmIntent = "confirm_intent"
	OpCaptureIntent = "capture_intent"
	OpCancelIntent  = "cancel_intent"
	OpGetIntent     = "get_intent"
	OpRefund        = "refund"
	OpCreatePayout  = "create_payout"
	OpBalance       = "balance"
)

// CaptureMethod selects between immediate capture and authorize-then-capture.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

// IntentStatus is the processor-side payment intent status.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

// PayoutStatus is the processor-side payout status.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCanceled  PayoutStatus = "canceled"
)

// Webhook event types the payment core reacts to.
const (
	EventIntentSucceeded      = "payment_intent.succeeded"
	EventIntentCapturable     = "payment_intent.amount_capturable_updated"
	EventIntentRequiresAction = "payment_intent.requires_action"
	EventIntentFailed         = "payment_intent.payment_failed"
	EventIntentCanceled       = "payment_intent.canceled"
	EventChargeRefunded       = "charge.refunded"
	EventDisputeCreated       = "charge.dispute.created"
	EventDisputeClosed        = "charge.dispute.closed"
	EventPayoutPaid           = "payout.paid"
	EventPayoutFailed         = "payout.failed"
)

// CreateIntentParams creates a payment intent on behalf of a connected
// business account. Amount includes tax; ApplicationFee is the platform's cut.
type CreateIntentParams struct {
	Amount             int64
	Currency           string
	CaptureMethod      CaptureMethod
	ApplicationFee     int64
	DestinationAccount string
	Description        string
	Metadata           map[string]string
	IdempotencyKey     string
}

// ConfirmParams attaches a payment method and confirms.
type ConfirmParams struct {
	IntentID       string
	PaymentMethod  string
	IdempotencyKey string
}

// CaptureParams captures an authorized intent. Amount may be less than the
// authorized amount.
type CaptureParams struct {
	IntentID       string
	Amount         int64
	ApplicationFee int64
	IdempotencyKey string
}

// CancelParams cancels an uncaptured intent.
type CancelParams struct {
	IntentID       string
	Reason         string
	IdempotencyKey string
}

// RefundParams refunds part or all of a captured intent. The platform fee
// and the transfer to the business are reversed pro-rata.
type RefundParams struct {
	IntentID       string
	Amount         int64
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

// PayoutParams pays out a connected account's available balance.
type PayoutParams struct {
	Account        string
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of a payment intent.
type Intent struct {
	ID               string
	ClientSecret     string
	Status           IntentStatus
	Amount           int64
	AmountCapturable int64
	AmountReceived   int64
	Currency         string
	NextAction       string
	LastError        string
}

// Refund is the processor's view of a refund.
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// Payout is the processor's view of a payout.
type Payout struct {
	ID             string
	Status         PayoutStatus
	Amount         int64
	Currency       string
	ArrivalDate    time.Time
	FailureCode    string
	FailureMessage string
}

// Balance lists available and pending funds per upper-case currency code.
type Balance struct {
	Available map[string]int64
	Pending   map[string]int64
}

// Event is a verified webhook event reduced to the fields the core uses.
type Event struct {
	ID             string
	Type           string
	Created        time.Time
	Account        string
	ObjectID       string
	IntentID       string
	PayoutID       string
	Amount         int64
	AmountReceived int64
	AmountRefunded int64
	Status         string
	Reason         string
	FailureCode    string
	FailureMessage string
	ArrivalDate    time.Time
}

// Gateway is the processor boundary. Every mutating call carries an
// idempotency key; replaying a key returns the original result.
type Gateway interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error)
	CaptureIntent(ctx context.Context, p CaptureParams) (*Intent, error)
	CancelIntent(ctx context.Context, p CancelParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	Refund(ctx context.Context, p RefundParams) (*Refund, error)
	CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error)
	Balance(ctx context.Context, account string) (*Balance, error)
	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}
