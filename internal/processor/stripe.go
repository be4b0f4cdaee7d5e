package processor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint (tests point it at an httptest server).
	BaseURL string
}

// StripeGateway implements Gateway with Stripe Connect destination charges.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a Stripe-backed gateway. Network retries are left
// to Guarded so that retry policy lives in one place.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})
	return &StripeGateway{sc: sc, webhookSecret: cfg.WebhookSecret}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.Amount),
		Currency:      stripe.String(strings.ToLower(p.Currency)),
		CaptureMethod: stripe.String(string(p.CaptureMethod)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if p.ApplicationFee > 0 {
		params.ApplicationFeeAmount = stripe.Int64(p.ApplicationFee)
	}
	if p.DestinationAccount != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(p.DestinationAccount),
		}
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(p.PaymentMethod),
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	pi, err := g.sc.PaymentIntents.Confirm(p.IntentID, params)
	if err != nil {
		// A declined card is a normal outcome: the intent returns to
		// requires_payment_method and carries the decline reason.
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard && se.PaymentIntent != nil {
			return intentFromStripe(se.PaymentIntent), nil
		}
		return nil, classify(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) CaptureIntent(ctx context.Context, p CaptureParams) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(p.Amount),
	}
	if p.ApplicationFee > 0 {
		params.ApplicationFeeAmount = stripe.Int64(p.ApplicationFee)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	pi, err := g.sc.PaymentIntents.Capture(p.IntentID, params)
	if err != nil {
		return nil, classify(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, p CancelParams) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	if reason := cancellationReason(p.Reason); reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	pi, err := g.sc.PaymentIntents.Cancel(p.IntentID, params)
	if err != nil {
		return nil, classify(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.sc.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent:        stripe.String(p.IntentID),
		Amount:               stripe.Int64(p.Amount),
		RefundApplicationFee: stripe.Bool(true),
		ReverseTransfer:      stripe.Bool(true),
	}
	if reason := refundReason(p.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	r, err := g.sc.Refunds.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func (g *StripeGateway) CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(strings.ToLower(p.Currency)),
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetStripeAccount(p.Account)
	params.SetIdempotencyKey(p.IdempotencyKey)

	po, err := g.sc.Payouts.New(params)
	if err != nil {
		return nil, classify(err)
	}
	out := &Payout{
		ID:             po.ID,
		Status:         PayoutStatus(po.Status),
		Amount:         po.Amount,
		Currency:       strings.ToUpper(string(po.Currency)),
		FailureCode:    string(po.FailureCode),
		FailureMessage: po.FailureMessage,
	}
	if po.ArrivalDate > 0 {
		out.ArrivalDate = time.Unix(po.ArrivalDate, 0).UTC()
	}
	return out, nil
}

func (g *StripeGateway) Balance(ctx context.Context, account string) (*Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}

	b, err := g.sc.Balance.Get(params)
	if err != nil {
		return nil, classify(err)
	}
	out := &Balance{Available: map[string]int64{}, Pending: map[string]int64{}}
	for _, a := range b.Available {
		out.Available[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	for _, a := range b.Pending {
		out.Pending[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	return out, nil
}

// ParseWebhook verifies the signature with the Stripe library and reduces
// the event to the fields the core reads.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}
	var raw []byte
	if ev.Data != nil {
		raw = ev.Data.Raw
	}
	return decodeEvent(ev.ID, string(ev.Type), ev.Created, ev.Account, raw)
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	out := &Intent{
		ID:               pi.ID,
		ClientSecret:     pi.ClientSecret,
		Status:           IntentStatus(pi.Status),
		Amount:           pi.Amount,
		AmountCapturable: pi.AmountCapturable,
		AmountReceived:   pi.AmountReceived,
		Currency:         strings.ToUpper(string(pi.Currency)),
	}
	if pi.NextAction != nil {
		out.NextAction = string(pi.NextAction.Type)
	}
	if pi.LastPaymentError != nil {
		out.LastError = pi.LastPaymentError.Msg
	}
	return out
}

// classify converts a Stripe client error into an *apperr.Error. Only
// transport failures, rate limiting and 5xx responses are retryable.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Processor("payment processor timed out", true, err)
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return apperr.Processor("payment processor rate limited the request", true, err)
		case se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
			return apperr.Processor("payment processor unavailable", true, err)
		case string(se.Code) == "balance_insufficient":
			return apperr.Wrap(apperr.KindInsufficientFunds, "insufficient available balance at the processor", err)
		case string(se.Code) == "resource_missing":
			return apperr.Wrap(apperr.KindNotFound, "processor object not found", err)
		case se.Type == stripe.ErrorTypeCard:
			return apperr.Processor(se.Msg, false, err)
		case se.Type == stripe.ErrorTypeIdempotency:
			return apperr.Processor("idempotency key reused with different parameters", false, err)
		default:
			return apperr.Processor("payment processor rejected the request", false, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Processor("payment processor unreachable", true, err)
	}
	return apperr.Processor("payment processor request failed", true, err)
}

func cancellationReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer", "abandoned":
		return reason
	case "":
		return ""
	default:
		return "requested_by_customer"
	}
}

func refundReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer":
		return reason
	default:
		return "requested_by_customer"
	}
}
