package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/fees"
	"github.com/localmarket/paycore/internal/idgen"
)

// Test payment methods understood by Fake.
const (
	FakeCardSuccess  = "pm_card_visa"
	FakeCardDeclined = "pm_card_chargeDeclined"
	FakeCard3DS      = "pm_card_authenticationRequired"
)

type fakeIntent struct {
	Intent
	account        string
	applicationFee int64
	captureMethod  CaptureMethod
	refunded       int64
	metadata       map[string]string
}

// Fake is an in-process Gateway that mimics the processor's state machine,
// idempotency and webhook signing. It backs development mode and tests.
type Fake struct {
	mu            sync.Mutex
	webhookSecret string
	intents       map[string]*fakeIntent
	payouts       map[string]*Payout
	payoutAccount map[string]string
	available     map[string]map[string]int64 // account -> currency -> amount
	idem          map[string]any
	failures      map[string][]error
	calls         map[string]int
	seq           int
	now           func() time.Time
}

var _ Gateway = (*Fake)(nil)

// NewFake creates a fake gateway that signs and verifies webhooks with secret.
func NewFake(webhookSecret string) *Fake {
	return &Fake{
		webhookSecret: webhookSecret,
		intents:       make(map[string]*fakeIntent),
		payouts:       make(map[string]*Payout),
		payoutAccount: make(map[string]string),
		available:     make(map[string]map[string]int64),
		idem:          make(map[string]any),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
		now:           time.Now,
	}
}

// FailNext queues err to be returned by the next call of op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns how many times op produced a new processor-side effect.
// Idempotent replays and injected failures are not counted.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SetBalance sets an account's available balance.
func (f *Fake) SetBalance(account, currency string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credit(account, currency, amount-f.available[account][strings.ToUpper(currency)])
}

// SetPayoutStatus moves a payout to status, as the processor would. A
// failed or canceled payout returns its amount to the available balance.
func (f *Fake) SetPayoutStatus(id string, status PayoutStatus, failureCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "payout not found")
	}
	returned := func(s PayoutStatus) bool { return s == PayoutFailed || s == PayoutCanceled }
	if returned(status) && !returned(p.Status) {
		f.credit(f.payoutAccount[id], p.Currency, p.Amount)
	}
	p.Status = status
	p.FailureCode = failureCode
	return nil
}

// takeFailure pops a queued failure. Caller must hold f.mu.
func (f *Fake) takeFailure(op string) error {
	q := f.failures[op]
	if len(q) == 0 {
		return nil
	}
	f.failures[op] = q[1:]
	return q[0]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%06d", prefix, f.seq)
}

// credit adjusts a balance. Caller must hold f.mu.
func (f *Fake) credit(account, currency string, delta int64) {
	cur := strings.ToUpper(currency)
	if f.available[account] == nil {
		f.available[account] = make(map[string]int64)
	}
	f.available[account][cur] += delta
}

// replay returns the cached result for key. Caller must hold f.mu.
func (f *Fake) replay(key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	v, ok := f.idem[key]
	return v, ok
}

func (f *Fake) remember(key string, v any) {
	if key != "" {
		f.idem[key] = v
	}
}

func (f *Fake) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpCreateIntent); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		return copyIntent(v.(*Intent)), nil
	}
	if p.Amount <= 0 {
		return nil, apperr.Processor("amount must be positive", false, nil)
	}

	id := f.nextID("pi_fake_")
	fi := &fakeIntent{
		Intent: Intent{
			ID:           id,
			ClientSecret: id + "_secret_" + idgen.Hex(8),
			Status:       IntentRequiresPaymentMethod,
			Amount:       p.Amount,
			Currency:     strings.ToUpper(p.Currency),
		},
		account:        p.DestinationAccount,
		applicationFee: p.ApplicationFee,
		captureMethod:  p.CaptureMethod,
		metadata:       p.Metadata,
	}
	f.intents[id] = fi
	f.calls[OpCreateIntent]++

	out := copyIntent(&fi.Intent)
	f.remember(p.IdempotencyKey, copyIntent(out))
	return out, nil
}

func (f *Fake) ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpConfirmIntent); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		return copyIntent(v.(*Intent)), nil
	}
	fi, ok := f.intents[p.IntentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "processor object not found")
	}
	switch fi.Status {
	case IntentRequiresPaymentMethod, IntentRequiresConfirmation, IntentRequiresAction:
	default:
		return nil, apperr.Processor("payment intent cannot be confirmed in status "+string(fi.Status), false, nil)
	}
	if p.PaymentMethod == "" {
		return nil, apperr.Processor("a payment method is required", false, nil)
	}

	fi.LastError = ""
	fi.NextAction = ""
	switch p.PaymentMethod {
	case FakeCardDeclined:
		fi.Status = IntentRequiresPaymentMethod
		fi.LastError = "Your card was declined."
	case FakeCard3DS:
		fi.Status = IntentRequiresAction
		fi.NextAction = "use_stripe_sdk"
	default:
		if fi.captureMethod == CaptureManual {
			fi.Status = IntentRequiresCapture
			fi.AmountCapturable = fi.Amount
		} else {
			fi.Status = IntentSucceeded
			fi.AmountReceived = fi.Amount
			f.credit(fi.account, fi.Currency, fi.Amount-fi.applicationFee)
		}
	}
	f.calls[OpConfirmIntent]++

	out := copyIntent(&fi.Intent)
	f.remember(p.IdempotencyKey, copyIntent(out))
	return out, nil
}

// CompleteAction finishes a pending customer authentication for an intent
// in requires_action, as the customer's browser would.
func (f *Fake) CompleteAction(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.intents[id]
	if !ok || fi.Status != IntentRequiresAction {
		return apperr.Processor("no pending action", false, nil)
	}
	fi.NextAction = ""
	if fi.captureMethod == CaptureManual {
		fi.Status = IntentRequiresCapture
		fi.AmountCapturable = fi.Amount
	} else {
		fi.Status = IntentSucceeded
		fi.AmountReceived = fi.Amount
		f.credit(fi.account, fi.Currency, fi.Amount-fi.applicationFee)
	}
	return nil
}

func (f *Fake) CaptureIntent(ctx context.Context, p CaptureParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpCaptureIntent); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		return copyIntent(v.(*Intent)), nil
	}
	fi, ok := f.intents[p.IntentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "processor object not found")
	}
	if fi.Status != IntentRequiresCapture {
		return nil, apperr.Processor("payment intent cannot be captured in status "+string(fi.Status), false, nil)
	}
	if p.Amount <= 0 || p.Amount > fi.AmountCapturable {
		return nil, apperr.Processor("amount_to_capture exceeds the capturable amount", false, nil)
	}

	if p.ApplicationFee > 0 {
		fi.applicationFee = p.ApplicationFee
	}
	fi.Status = IntentSucceeded
	fi.AmountReceived = p.Amount
	fi.AmountCapturable = 0
	f.credit(fi.account, fi.Currency, p.Amount-fi.applicationFee)
	f.calls[OpCaptureIntent]++

	out := copyIntent(&fi.Intent)
	f.remember(p.IdempotencyKey, copyIntent(out))
	return out, nil
}

func (f *Fake) CancelIntent(ctx context.Context, p CancelParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpCancelIntent); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		return copyIntent(v.(*Intent)), nil
	}
	fi, ok := f.intents[p.IntentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "processor object not found")
	}
	if fi.Status == IntentSucceeded || fi.Status == IntentCanceled {
		return nil, apperr.Processor("payment intent cannot be canceled in status "+string(fi.Status), false, nil)
	}
	fi.Status = IntentCanceled
	fi.AmountCapturable = 0
	f.calls[OpCancelIntent]++

	out := copyIntent(&fi.Intent)
	f.remember(p.IdempotencyKey, copyIntent(out))
	return out, nil
}

func (f *Fake) GetIntent(ctx context.Context, id string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpGetIntent); err != nil {
		return nil, err
	}
	fi, ok := f.intents[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "processor object not found")
	}
	return copyIntent(&fi.Intent), nil
}

func (f *Fake) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpRefund); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		r := *v.(*Refund)
		return &r, nil
	}
	fi, ok := f.intents[p.IntentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "processor object not found")
	}
	if fi.Status != IntentSucceeded {
		return nil, apperr.Processor("payment intent has no captured charge", false, nil)
	}
	if p.Amount <= 0 || p.Amount > fi.AmountReceived-fi.refunded {
		return nil, apperr.Processor("refund amount exceeds the unrefunded charge", false, nil)
	}

	fi.refunded += p.Amount
	feeBack := fees.ProRata(fi.applicationFee, p.Amount, fi.AmountReceived)
	f.credit(fi.account, fi.Currency, -(p.Amount - feeBack))
	f.calls[OpRefund]++

	r := &Refund{ID: f.nextID("re_fake_"), Status: "succeeded", Amount: p.Amount}
	cp := *r
	f.remember(p.IdempotencyKey, &cp)
	return r, nil
}

func (f *Fake) CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpCreatePayout); err != nil {
		return nil, err
	}
	if v, ok := f.replay(p.IdempotencyKey); ok {
		po := *v.(*Payout)
		return &po, nil
	}
	cur := strings.ToUpper(p.Currency)
	if p.Amount <= 0 {
		return nil, apperr.Processor("payout amount must be positive", false, nil)
	}
	if f.available[p.Account][cur] < p.Amount {
		return nil, apperr.New(apperr.KindInsufficientFunds, "insufficient available balance at the processor")
	}

	f.credit(p.Account, cur, -p.Amount)
	po := &Payout{
		ID:          f.nextID("po_fake_"),
		Status:      PayoutInTransit,
		Amount:      p.Amount,
		Currency:    cur,
		ArrivalDate: f.now().UTC().Add(48 * time.Hour).Truncate(24 * time.Hour),
	}
	f.payouts[po.ID] = po
	f.payoutAccount[po.ID] = p.Account
	f.calls[OpCreatePayout]++

	out := *po
	cp := *po
	f.remember(p.IdempotencyKey, &cp)
	return &out, nil
}

func (f *Fake) Balance(ctx context.Context, account string) (*Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(OpBalance); err != nil {
		return nil, err
	}
	out := &Balance{Available: map[string]int64{}, Pending: map[string]int64{}}
	for cur, amt := range f.available[account] {
		out.Available[cur] = amt
	}
	return out, nil
}

func (f *Fake) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return parseEvent(payload, signatureHeader, f.webhookSecret, f.now())
}

// Event builds a signed webhook payload describing the current state of the
// intent or payout objectID. extra fields are merged into the data object.
func (f *Fake) Event(eventType, objectID string, extra map[string]any) (payload []byte, header string, err error) {
	f.mu.Lock()
	obj := map[string]any{}
	account := ""
	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		fi, ok := f.intents[objectID]
		if !ok {
			f.mu.Unlock()
			return nil, "", fmt.Errorf("fake: unknown intent %s", objectID)
		}
		account = fi.account
		obj = map[string]any{
			"id":              fi.ID,
			"object":          "payment_intent",
			"amount":          fi.Amount,
			"amount_received": fi.AmountReceived,
			"status":          string(fi.Status),
		}
		if fi.LastError != "" {
			obj["last_payment_error"] = map[string]any{"code": "card_declined", "message": fi.LastError}
		}
	case strings.HasPrefix(eventType, "charge.dispute."):
		fi, ok := f.intents[objectID]
		if !ok {
			f.mu.Unlock()
			return nil, "", fmt.Errorf("fake: unknown intent %s", objectID)
		}
		account = fi.account
		obj = map[string]any{
			"id":             f.nextID("dp_fake_"),
			"object":         "dispute",
			"payment_intent": fi.ID,
			"amount":         fi.AmountReceived,
			"status":         "needs_response",
			"reason":         "fraudulent",
		}
	case strings.HasPrefix(eventType, "charge."):
		fi, ok := f.intents[objectID]
		if !ok {
			f.mu.Unlock()
			return nil, "", fmt.Errorf("fake: unknown intent %s", objectID)
		}
		account = fi.account
		obj = map[string]any{
			"id":              f.nextID("ch_fake_"),
			"object":          "charge",
			"payment_intent":  fi.ID,
			"amount":          fi.AmountReceived,
			"amount_refunded": fi.refunded,
		}
	case strings.HasPrefix(eventType, "payout."):
		po, ok := f.payouts[objectID]
		if !ok {
			f.mu.Unlock()
			return nil, "", fmt.Errorf("fake: unknown payout %s", objectID)
		}
		obj = map[string]any{
			"id":           po.ID,
			"object":       "payout",
			"amount":       po.Amount,
			"status":       string(po.Status),
			"failure_code": po.FailureCode,
			"arrival_date": po.ArrivalDate.Unix(),
		}
	}
	for k, v := range extra {
		obj[k] = v
	}
	evID := f.nextID("evt_fake_")
	now := f.now()
	f.mu.Unlock()

	payload, err = json.Marshal(map[string]any{
		"id":      evID,
		"object":  "event",
		"type":    eventType,
		"created": now.Unix(),
		"account": account,
		"data":    map[string]any{"object": obj},
	})
	if err != nil {
		return nil, "", err
	}
	return payload, SignPayload(payload, f.webhookSecret, now), nil
}

func copyIntent(in *Intent) *Intent {
	out := *in
	return &out
}
