package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/audit"
	"github.com/localmarket/paycore/internal/auth"
	"github.com/localmarket/paycore/internal/business"
	"github.com/localmarket/paycore/internal/fees"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/payouts"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/retry"
	"github.com/localmarket/paycore/internal/syncutil"
	"github.com/localmarket/paycore/internal/tax"
	"github.com/localmarket/paycore/internal/traces"
	"github.com/localmarket/paycore/internal/validation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// Config holds payment policy.
type Config struct {
	FeePercent decimal.Decimal
	// HoldPeriod is how long the processor keeps an authorization valid.
	HoldPeriod         time.Duration
	LocalWriteAttempts int
	LocalWriteBackoff  time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		FeePercent:         decimal.RequireFromString("2.9"),
		HoldPeriod:         7 * 24 * time.Hour,
		LocalWriteAttempts: 3,
		LocalWriteBackoff:  100 * time.Millisecond,
	}
}

// TaxCalculator computes tax for a new intent.
type TaxCalculator interface {
	Calculate(ctx context.Context, req tax.Request) (*tax.Result, error)
}

// TaxOptions asks for tax to be added on top of the intent amount.
type TaxOptions struct {
	CustomerLocation *tax.Location   `json:"customerLocation,omitempty"`
	ProductType      tax.ProductType `json:"productType,omitempty"`
	ExemptionID      string          `json:"exemptionId,omitempty"`
}

// CreateIntentRequest contains the parameters for a new payment intent.
type CreateIntentRequest struct {
	BusinessID       string            `json:"businessId"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	CustomerID       string            `json:"customerId,omitempty"`
	AutomaticCapture bool              `json:"automaticCapture"`
	ReservationID    string            `json:"reservationId,omitempty"`
	Description      string            `json:"description,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Tax              *TaxOptions       `json:"tax,omitempty"`
	IdempotencyKey   string            `json:"-"`
}

// CreateIntentResult is returned to the business after intent creation.
type CreateIntentResult struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
	Status          Status `json:"status"`
	EscrowEnabled   bool   `json:"escrowEnabled"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PlatformFee     int64  `json:"platformFee"`
	BusinessAmount  int64  `json:"businessAmount"`
	TaxAmount       int64  `json:"taxAmount"`
	TotalAmount     int64  `json:"totalAmount"`
	Replayed        bool   `json:"-"`
}

// ConfirmRequest attaches a payment method to an intent.
type ConfirmRequest struct {
	IntentID        string `json:"-"`
	PaymentMethodID string `json:"paymentMethodId"`
}

// ConfirmResult reports where confirmation left the intent.
type ConfirmResult struct {
	PaymentIntentID string       `json:"paymentIntentId"`
	Status          Status       `json:"status"`
	EscrowStatus    EscrowStatus `json:"escrowStatus,omitempty"`
	RequiresAction  bool         `json:"requiresAction"`
	NextAction      string       `json:"nextAction,omitempty"`
	DeclineMessage  string       `json:"declineMessage,omitempty"`
}

// CaptureRequest releases held funds. A zero AmountToCapture captures the
// full authorization.
type CaptureRequest struct {
	IntentID        string `json:"-"`
	AmountToCapture int64  `json:"amountToCapture,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// CaptureResult describes the captured split.
type CaptureResult struct {
	PaymentIntentID string    `json:"paymentIntentId"`
	CapturedAmount  int64     `json:"capturedAmount"`
	PlatformFee     int64     `json:"platformFee"`
	BusinessPayout  int64     `json:"businessPayout"`
	TaxAmount       int64     `json:"taxAmount"`
	CapturedAt      time.Time `json:"capturedAt"`
}

// CancelRequest voids an uncaptured intent.
type CancelRequest struct {
	IntentID string `json:"-"`
	Reason   string `json:"reason,omitempty"`
}

// RefundRequest returns part or all of a captured amount.
type RefundRequest struct {
	IntentID string `json:"-"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason,omitempty"`
}

// RefundResult describes one refund.
type RefundResult struct {
	RefundID            string `json:"refundId"`
	Amount              int64  `json:"amount"`
	BusinessAdjustment  int64  `json:"businessAdjustment"`
	PlatformFeeRefund   int64  `json:"platformFeeRefund"`
	TaxRefund           int64  `json:"taxRefund"`
	Status              Status `json:"status"`
	RemainingRefundable int64  `json:"remainingRefundable"`
}

// PaymentDetail is an intent with its escrow and refunds.
type PaymentDetail struct {
	Intent           *PaymentIntent `json:"intent"`
	Escrow           *Escrow        `json:"escrow,omitempty"`
	Refunds          []*Refund      `json:"refunds"`
	RefundableAmount int64          `json:"refundableAmount"`
}

// Service implements the payment lifecycle.
type Service struct {
	store   Store
	gateway processor.Gateway
	dir     business.Directory
	guard   *audit.Guard
	tax     TaxCalculator
	policy  CapturePolicy
	notify  Notifier
	cfg     Config
	locks   *syncutil.KeyLock
	now     func() time.Time
}

// NewService creates a payment service. guard may be nil in tests that do
// not exercise throttling.
func NewService(store Store, gateway processor.Gateway, dir business.Directory, guard *audit.Guard, cfg Config) *Service {
	if cfg.LocalWriteAttempts <= 0 {
		cfg.LocalWriteAttempts = 1
	}
	return &Service{
		store:   store,
		gateway: gateway,
		dir:     dir,
		guard:   guard,
		policy:  NewReservationCapturePolicy(dir),
		cfg:     cfg,
		locks:   syncutil.NewKeyLock(),
		now:     time.Now,
	}
}

// WithTaxCalculator enables tax on intents that request it.
func (s *Service) WithTaxCalculator(c TaxCalculator) *Service {
	s.tax = c
	return s
}

// WithNotifier sends lifecycle events to the business.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// WithCapturePolicy replaces the reservation-based capture policy.
func (s *Service) WithCapturePolicy(p CapturePolicy) *Service {
	s.policy = p
	return s
}

// CreateIntent creates the processor object, then the local intent and,
// for manual capture, its escrow.
func (s *Service) CreateIntent(ctx context.Context, req CreateIntentRequest) (res *CreateIntentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.CreateIntent",
		traces.BusinessID(req.BusinessID), traces.Amount(req.Amount))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpCreateIntent, BusinessID: req.BusinessID, Amount: req.Amount}
	defer func() {
		if res != nil {
			entry.ResourceID = res.PaymentIntentID
		}
		s.finish(ctx, span, &entry, err)
	}()

	req.Currency = validation.NormalizeCurrency(req.Currency)
	entry.Currency = req.Currency
	if err := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.AmountRange("amount", req.Amount, MinAmount, MaxAmount),
		validation.Currency("currency", req.Currency),
		validation.ValidID("customerId", req.CustomerID),
		validation.ValidID("reservationId", req.ReservationID),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}
	if req.Tax != nil && !req.Tax.ProductType.Valid() {
		return nil, apperr.Validation("tax.productType", "unknown product type")
	}
	if err := s.check(ctx, audit.OpCreateIntent); err != nil {
		return nil, err
	}

	biz, err := s.dir.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, biz, nil, false); err != nil {
		return nil, err
	}
	if err := biz.Eligible(); err != nil {
		return nil, err
	}

	metadata := validation.FilterMetadata(req.Metadata)
	hash := requestHash(req, metadata)
	key := req.IdempotencyKey
	if key == "" {
		key = derivedKey(req)
	}
	if existing, err := s.store.GetIntentByIdempotencyKey(ctx, key); err == nil {
		return replayCreate(existing, hash)
	} else if !errors.Is(err, ErrIntentNotFound) {
		return nil, err
	}

	if req.ReservationID != "" {
		r, err := s.dir.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return nil, err
		}
		if r.BusinessID != biz.ID {
			return nil, apperr.Validation("reservationId", "reservation belongs to another business")
		}
		if r.CompletionStatus == business.CompletionCancelled {
			return nil, apperr.Validation("reservationId", "reservation is cancelled")
		}
	}

	percent := s.cfg.FeePercent
	if biz.FeePercent != nil {
		percent = *biz.FeePercent
	}
	split, err := fees.Compute(req.Amount, percent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "cannot compute platform fee", err)
	}

	var taxAmount int64
	var jurisdiction string
	if req.Tax != nil && s.tax != nil {
		loc := biz.Location
		tr, err := s.tax.Calculate(ctx, tax.Request{
			BusinessID:       biz.ID,
			Amount:           req.Amount,
			BusinessLocation: &loc,
			CustomerLocation: req.Tax.CustomerLocation,
			ProductType:      req.Tax.ProductType,
			ExemptionID:      req.Tax.ExemptionID,
			At:               s.now(),
		})
		if err != nil {
			return nil, err
		}
		taxAmount, jurisdiction = tr.TaxAmount, tr.Jurisdiction
	}

	method := processor.CaptureManual
	if req.AutomaticCapture {
		method = processor.CaptureAutomatic
	}
	id := idgen.WithPrefix(idgen.PrefixIntent)
	remote, err := s.gateway.CreateIntent(ctx, processor.CreateIntentParams{
		Amount:             split.Gross + taxAmount,
		Currency:           req.Currency,
		CaptureMethod:      method,
		ApplicationFee:     split.PlatformFee,
		DestinationAccount: biz.StripeAccountID,
		Description:        validation.SanitizeString(req.Description, validation.MaxStringLength),
		Metadata: map[string]string{
			"payment_intent_id": id,
			"business_id":       biz.ID,
			"reservation_id":    req.ReservationID,
		},
		IdempotencyKey: "create:" + key,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor intent: %w", err)
	}

	now := s.now()
	pi := &PaymentIntent{
		ID:               id,
		ProcessorRef:     remote.ID,
		ClientSecret:     remote.ClientSecret,
		BusinessID:       biz.ID,
		CustomerID:       req.CustomerID,
		ReservationID:    req.ReservationID,
		Amount:           split.Gross,
		AuthorizedAmount: split.Gross,
		Currency:         req.Currency,
		FeePercent:       percent,
		PlatformFee:      split.PlatformFee,
		BusinessPayout:   split.BusinessPayout,
		TaxAmount:        taxAmount,
		TaxJurisdiction:  jurisdiction,
		EscrowEnabled:    !req.AutomaticCapture,
		Status:           StatusCreated,
		Metadata:         metadata,
		IdempotencyKey:   key,
		RequestHash:      hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !CanTransition(pi.Status, StatusRequiresConfirmation) {
		return nil, ErrInvalidStateTransition
	}
	pi.Status = StatusRequiresConfirmation

	var esc *Escrow
	if pi.EscrowEnabled {
		esc = &Escrow{
			ID:             idgen.WithPrefix(idgen.PrefixEscrow),
			IntentID:       pi.ID,
			BusinessID:     pi.BusinessID,
			CustomerID:     pi.CustomerID,
			Amount:         pi.Amount,
			PlatformFee:    pi.PlatformFee,
			BusinessPayout: pi.BusinessPayout,
			Status:         EscrowPendingCapture,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	err = s.persist(ctx, processor.OpCreateIntent, pi.ID, func() error {
		err := s.store.CreateIntent(ctx, pi, esc)
		if errors.Is(err, ErrDuplicateIntent) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ErrDuplicateIntent) {
		existing, gerr := s.store.GetIntentByIdempotencyKey(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		return replayCreate(existing, hash)
	}
	if err != nil {
		return nil, err
	}

	metrics.PaymentTransitionsTotal.WithLabelValues(string(pi.Status)).Inc()
	if esc != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(esc.Status)).Inc()
	}
	s.updateReservation(ctx, pi)
	logging.L(ctx).Info("payment intent created",
		"intent_id", pi.ID, "business_id", pi.BusinessID, "amount", pi.Amount,
		"currency", pi.Currency, "escrow", pi.EscrowEnabled)

	return createResult(pi, false), nil
}

// Confirm attaches a payment method and records where the processor left
// the intent: held, captured, awaiting customer action, or declined.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (res *ConfirmResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Confirm", traces.IntentID(req.IntentID))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpConfirm, ResourceID: req.IntentID}
	defer func() { s.finish(ctx, span, &entry, err) }()

	if err := validation.Validate(
		validation.Required("paymentMethodId", req.PaymentMethodID),
		validation.MaxLength("paymentMethodId", req.PaymentMethodID, 255),
	).Err(); err != nil {
		return nil, err
	}
	if err := s.check(ctx, audit.OpConfirm); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pi, esc, biz, err := s.load(ctx, req.IntentID, &entry)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, biz, pi, true); err != nil {
		return nil, err
	}
	if !pi.Status.Confirmable() {
		return nil, ErrInvalidStateTransition
	}

	remote, err := s.gateway.ConfirmIntent(ctx, processor.ConfirmParams{
		IntentID:       pi.ProcessorRef,
		PaymentMethod:  req.PaymentMethodID,
		IdempotencyKey: fmt.Sprintf("confirm:%s:%d", pi.ID, pi.Version),
	})
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}

	now := s.now()
	t, err := s.converge(pi, esc, remote, now)
	if err != nil {
		return nil, err
	}
	if t == nil {
		// Record the attempt anyway: the version bump gives the next
		// confirmation a fresh idempotency key.
		touched := pi.clone()
		touched.LastError = remote.LastError
		touched.UpdatedAt = now
		t = &Transition{Intent: touched, ExpectedStatus: pi.Status}
	}
	if err := s.commit(ctx, processor.OpConfirmIntent, *t, true); err != nil {
		return nil, err
	}
	pi = t.Intent
	if t.Escrow != nil {
		esc = t.Escrow
	}
	s.updateReservation(ctx, pi)

	res = &ConfirmResult{
		PaymentIntentID: pi.ID,
		Status:          pi.Status,
		RequiresAction:  pi.Status == StatusRequiresAction,
		NextAction:      remote.NextAction,
	}
	if esc != nil {
		res.EscrowStatus = esc.Status
	}
	if pi.Status == StatusRequiresPaymentMethod {
		res.DeclineMessage = pi.LastError
		entry.Outcome, entry.ErrorCode = audit.OutcomeFailure, "payment_declined"
		logging.L(ctx).Warn("payment declined", "intent_id", pi.ID, "business_id", pi.BusinessID)
	} else {
		logging.L(ctx).Info("payment confirmed", "intent_id", pi.ID, "status", pi.Status)
	}
	return res, nil
}

// Capture collects held funds, recomputing the fee on the captured amount
// and scheduling the business's earning.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (res *CaptureResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Capture",
		traces.IntentID(req.IntentID), traces.Amount(req.AmountToCapture))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpCapture, ResourceID: req.IntentID}
	defer func() { s.finish(ctx, span, &entry, err) }()

	if req.AmountToCapture < 0 {
		return nil, apperr.Validation("amountToCapture", "must be greater than zero")
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if err := s.check(ctx, audit.OpCapture); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pi, esc, biz, err := s.load(ctx, req.IntentID, &entry)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, biz, pi, false); err != nil {
		return nil, err
	}
	if esc == nil || esc.Status != EscrowHeld || pi.Status != StatusRequiresCapture {
		return nil, ErrInvalidStateTransition
	}
	if err := biz.Eligible(); err != nil {
		return nil, err
	}

	amount := req.AmountToCapture
	if amount == 0 {
		amount = pi.AuthorizedAmount
	}
	if amount > pi.AuthorizedAmount {
		return nil, apperr.Validation("amountToCapture", "exceeds the authorized amount")
	}
	entry.Amount = amount
	if s.policy != nil {
		if err := s.policy.AllowCapture(ctx, pi, req.Reason); err != nil {
			return nil, err
		}
	}

	split, err := fees.Compute(amount, pi.FeePercent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "cannot compute platform fee", err)
	}
	taxCaptured := capturedTax(pi, amount)

	if _, err := s.gateway.CaptureIntent(ctx, processor.CaptureParams{
		IntentID:       pi.ProcessorRef,
		Amount:         amount + taxCaptured,
		ApplicationFee: split.PlatformFee,
		IdempotencyKey: fmt.Sprintf("capture:%s:%d", pi.ID, amount),
	}); err != nil {
		return nil, fmt.Errorf("capture payment: %w", err)
	}

	now := s.now()
	next, nextEsc := pi.clone(), esc.clone()
	applyCapture(next, nextEsc, split, taxCaptured, now)
	if req.Reason != "" {
		if nextEsc.Metadata == nil {
			nextEsc.Metadata = map[string]string{}
		}
		nextEsc.Metadata["capture_reason"] = req.Reason
	}
	t := Transition{
		Intent:               next,
		ExpectedStatus:       pi.Status,
		Escrow:               nextEsc,
		ExpectedEscrowStatus: esc.Status,
		Earning:              newEarning(next, "", next.BusinessPayout+next.TaxAmount, now),
	}
	if err := s.commit(ctx, processor.OpCaptureIntent, t, true); err != nil {
		return nil, err
	}
	s.updateReservation(ctx, next)
	logging.L(ctx).Info("payment captured",
		"intent_id", next.ID, "business_id", next.BusinessID, "amount", next.Amount,
		"platform_fee", next.PlatformFee, "business_payout", next.BusinessPayout)

	return &CaptureResult{
		PaymentIntentID: next.ID,
		CapturedAmount:  next.Amount,
		PlatformFee:     next.PlatformFee,
		BusinessPayout:  next.BusinessPayout,
		TaxAmount:       next.TaxAmount,
		CapturedAt:      now,
	}, nil
}

// Cancel voids an intent that has not been captured.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (pi *PaymentIntent, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Cancel", traces.IntentID(req.IntentID))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpCancel, ResourceID: req.IntentID}
	defer func() { s.finish(ctx, span, &entry, err) }()

	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if err := s.check(ctx, audit.OpCancel); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, esc, biz, err := s.load(ctx, req.IntentID, &entry)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, biz, cur, false); err != nil {
		return nil, err
	}
	if !cur.Status.Cancellable() {
		return nil, ErrInvalidStateTransition
	}
	if esc != nil && !CanTransitionEscrow(esc.Status, EscrowCancelled) {
		return nil, ErrInvalidStateTransition
	}

	if _, err := s.gateway.CancelIntent(ctx, processor.CancelParams{
		IntentID:       cur.ProcessorRef,
		Reason:         req.Reason,
		IdempotencyKey: "cancel:" + cur.ID,
	}); err != nil {
		return nil, fmt.Errorf("cancel payment: %w", err)
	}

	now := s.now()
	next := cur.clone()
	next.Status = StatusCancelled
	next.CancelledAt = &now
	next.UpdatedAt = now
	if req.Reason != "" {
		if next.Metadata == nil {
			next.Metadata = map[string]string{}
		}
		next.Metadata["cancel_reason"] = req.Reason
	}
	t := Transition{Intent: next, ExpectedStatus: cur.Status}
	if esc != nil {
		nextEsc := esc.clone()
		nextEsc.Status = EscrowCancelled
		nextEsc.CancelledAt = &now
		nextEsc.UpdatedAt = now
		t.Escrow, t.ExpectedEscrowStatus = nextEsc, esc.Status
	}
	if err := s.commit(ctx, processor.OpCancelIntent, t, true); err != nil {
		return nil, err
	}
	s.updateReservation(ctx, next)
	logging.L(ctx).Info("payment cancelled", "intent_id", next.ID, "business_id", next.BusinessID)
	return next, nil
}

// Refund returns part or all of a captured amount. The fee and payout
// shares come from the intent's running refunded totals so that all
// refunds together never exceed the captured split.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Refund",
		traces.IntentID(req.IntentID), traces.Amount(req.Amount))
	defer span.End()
	entry := audit.Entry{Operation: audit.OpRefund, ResourceID: req.IntentID, Amount: req.Amount}
	defer func() { s.finish(ctx, span, &entry, err) }()

	if err := validation.Validate(
		validation.Positive("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}
	if err := s.check(ctx, audit.OpRefund); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pi, _, biz, err := s.load(ctx, req.IntentID, &entry)
	if err != nil {
		return nil, err
	}
	entry.Amount = req.Amount
	if err := s.authorize(ctx, biz, pi, false); err != nil {
		return nil, err
	}
	if !pi.Status.Refundable() {
		return nil, ErrInvalidStateTransition
	}
	if req.Amount > pi.Refundable() {
		return nil, ErrRefundExceedsOriginal
	}
	if s.guard != nil {
		if err := s.guard.CheckRefundVelocity(ctx, pi.BusinessID); err != nil {
			return nil, err
		}
	}

	share, err := fees.RefundShare(pi.Split(), pi.RefundedSplit(), req.Amount)
	if err != nil {
		return nil, ErrRefundExceedsOriginal
	}
	taxRefund := refundTax(pi, req.Amount)

	remote, err := s.gateway.Refund(ctx, processor.RefundParams{
		IntentID:       pi.ProcessorRef,
		Amount:         req.Amount + taxRefund,
		Reason:         req.Reason,
		Metadata:       map[string]string{"payment_intent_id": pi.ID},
		IdempotencyKey: fmt.Sprintf("refund:%s:%d:%d", pi.ID, req.Amount, pi.RefundCount),
	})
	if err != nil {
		return nil, fmt.Errorf("refund payment: %w", err)
	}

	now := s.now()
	next := pi.clone()
	rf := &Refund{
		ID:           idgen.WithPrefix(idgen.PrefixRefund),
		IntentID:     pi.ID,
		ProcessorRef: remote.ID,
		Reason:       validation.SanitizeString(req.Reason, validation.MaxStringLength),
		Status:       refundStatus(remote.Status),
		CreatedAt:    now,
	}
	applyRefund(next, rf, share, taxRefund, now)
	t := Transition{
		Intent:         next,
		ExpectedStatus: pi.Status,
		Refund:         rf,
		Earning:        newEarning(next, rf.ID, -(share.BusinessPayout + taxRefund), now),
	}
	if err := s.commit(ctx, processor.OpRefund, t, false); err != nil {
		return nil, err
	}
	metrics.RefundedAmountTotal.WithLabelValues(next.Currency).Add(float64(req.Amount))
	s.updateReservation(ctx, next)
	logging.L(ctx).Info("payment refunded",
		"intent_id", next.ID, "refund_id", rf.ID, "amount", rf.Amount,
		"platform_fee_refund", rf.PlatformFeeRefund, "status", next.Status)

	return &RefundResult{
		RefundID:            rf.ID,
		Amount:              rf.Amount,
		BusinessAdjustment:  rf.BusinessAdjustment,
		PlatformFeeRefund:   rf.PlatformFeeRefund,
		TaxRefund:           rf.TaxRefund,
		Status:              next.Status,
		RemainingRefundable: next.Refundable(),
	}, nil
}

// Get returns an intent with its escrow and refunds.
func (s *Service) Get(ctx context.Context, id string) (*PaymentDetail, error) {
	pi, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	biz, err := s.dir.GetBusiness(ctx, pi.BusinessID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, biz, pi, true); err != nil {
		return nil, err
	}
	d := &PaymentDetail{Intent: pi, RefundableAmount: pi.Refundable()}
	if pi.EscrowEnabled {
		esc, err := s.store.GetEscrow(ctx, pi.ID)
		if err != nil && !errors.Is(err, ErrEscrowNotFound) {
			return nil, err
		}
		d.Escrow = esc
	}
	if d.Refunds, err = s.store.ListRefunds(ctx, pi.ID); err != nil {
		return nil, err
	}
	if d.Refunds == nil {
		d.Refunds = []*Refund{}
	}
	return d, nil
}

// List returns a business's intents, newest first.
func (s *Service) List(ctx context.Context, businessID string, f ListFilter) ([]*PaymentIntent, error) {
	return s.store.ListByBusiness(ctx, businessID, f)
}

// load reads an intent, its escrow and its business, and fills the audit
// entry with what it learned.
func (s *Service) load(ctx context.Context, id string, entry *audit.Entry) (*PaymentIntent, *Escrow, *business.Business, error) {
	pi, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	entry.BusinessID, entry.Amount, entry.Currency = pi.BusinessID, pi.Amount, pi.Currency

	var esc *Escrow
	if pi.EscrowEnabled {
		if esc, err = s.store.GetEscrow(ctx, pi.ID); err != nil {
			return nil, nil, nil, err
		}
	}
	biz, err := s.dir.GetBusiness(ctx, pi.BusinessID)
	if err != nil {
		return nil, nil, nil, err
	}
	return pi, esc, biz, nil
}

// authorize checks the caller in ctx against the business and, for
// customer-facing operations, the intent's customer.
func (s *Service) authorize(ctx context.Context, biz *business.Business, pi *PaymentIntent, customerAllowed bool) error {
	a := audit.ActorFrom(ctx)
	switch a.Role {
	case audit.RoleSystem, string(auth.RoleAdmin):
		return nil
	case string(auth.RoleOwner):
		if a.UserID != "" && biz.OwnerID == a.UserID {
			return nil
		}
	case string(auth.RoleCustomer):
		if customerAllowed && pi != nil && (pi.CustomerID == "" || pi.CustomerID == a.UserID) {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) check(ctx context.Context, op audit.Operation) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.Check(ctx, audit.ActorFrom(ctx), op)
}

// finish closes out an operation: span status and the audit record.
func (s *Service) finish(ctx context.Context, span trace.Span, e *audit.Entry, err error) {
	traces.Fail(span, err)
	if s.guard == nil {
		return
	}
	if e.Outcome == "" || err != nil {
		e.Outcome, e.ErrorCode = audit.OutcomeOf(err)
	}
	s.guard.Record(ctx, *e)
}

// persist runs a local write that follows a committed processor call,
// retrying transient failures. State conflicts are returned as-is.
func (s *Service) persist(ctx context.Context, op, intentID string, write func() error) error {
	attempts := 0
	err := retry.Do(ctx, s.cfg.LocalWriteAttempts, s.cfg.LocalWriteBackoff, func() error {
		attempts++
		return write()
	})
	if err == nil || apperr.IsKind(err, apperr.KindInvalidState) {
		return err
	}
	metrics.LocalWriteFailuresTotal.WithLabelValues(op).Inc()
	logging.Critical(ctx, "processor call committed but local write failed",
		"op", op, "intent_id", intentID, "attempts", attempts, "error", err)
	e := apperr.Wrap(apperr.KindInternal, "payment was accepted by the processor but not saved; it will be reconciled", err)
	e.Retryable = true
	return e
}

// commit applies t after a processor call. When converge is set and the
// intent already reached the target status through another path, such as
// a webhook, the commit is treated as done.
func (s *Service) commit(ctx context.Context, op string, t Transition, converge bool) error {
	err := s.persist(ctx, op, t.Intent.ID, func() error {
		err := s.store.Transition(ctx, t)
		if errors.Is(err, ErrInvalidStateTransition) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		observe(t)
		s.announce(ctx, t)
		return nil
	}
	if !errors.Is(err, ErrInvalidStateTransition) {
		return err
	}
	if converge {
		if cur, gerr := s.store.GetIntent(ctx, t.Intent.ID); gerr == nil && cur.Status == t.Intent.Status {
			*t.Intent = *cur
			if t.Escrow != nil {
				if esc, eerr := s.store.GetEscrow(ctx, cur.ID); eerr == nil {
					*t.Escrow = *esc
				}
			}
			return nil
		}
	}
	metrics.LocalWriteFailuresTotal.WithLabelValues(op).Inc()
	logging.Critical(ctx, "processor call committed but intent changed concurrently",
		"op", op, "intent_id", t.Intent.ID, "expected_status", t.ExpectedStatus, "target_status", t.Intent.Status)
	return err
}

func observe(t Transition) {
	if t.Intent.Status != t.ExpectedStatus {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(t.Intent.Status)).Inc()
	}
	if t.Escrow == nil || t.Escrow.Status == t.ExpectedEscrowStatus {
		return
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(t.Escrow.Status)).Inc()
	switch {
	case t.Escrow.Status == EscrowHeld:
		metrics.HeldEscrows.Inc()
	case t.ExpectedEscrowStatus == EscrowHeld:
		metrics.HeldEscrows.Dec()
	}
}

// updateReservation mirrors the intent's status onto its reservation. The
// reservation is a convenience view, so failures are only logged.
func (s *Service) updateReservation(ctx context.Context, pi *PaymentIntent) {
	if pi.ReservationID == "" {
		return
	}
	status := reservationStatus(pi)
	if status == "" {
		return
	}
	if err := s.dir.SetReservationPayment(ctx, pi.ReservationID, pi.ID, status); err != nil {
		logging.L(ctx).Warn("reservation payment status update failed",
			"reservation_id", pi.ReservationID, "intent_id", pi.ID, "error", err)
	}
}

func reservationStatus(pi *PaymentIntent) business.PaymentStatus {
	switch pi.Status {
	case StatusRequiresConfirmation, StatusProcessing:
		return business.PaymentPending
	case StatusRequiresPaymentMethod:
		return business.PaymentFailed
	case StatusRequiresAction:
		return business.PaymentPendingAction
	case StatusRequiresCapture:
		return business.PaymentHeld
	case StatusSucceeded:
		if pi.EscrowEnabled {
			return business.PaymentCaptured
		}
		return business.PaymentConfirmed
	case StatusCancelled:
		return business.PaymentCancelled
	case StatusRefunded:
		return business.PaymentRefunded
	case StatusPartiallyRefunded:
		return business.PaymentPartRefunded
	}
	return ""
}

// capturedTax is the tax collected when amount of the authorization is captured.
func capturedTax(pi *PaymentIntent, amount int64) int64 {
	if amount == pi.AuthorizedAmount {
		return pi.TaxAmount
	}
	return fees.ProRata(pi.TaxAmount, amount, pi.AuthorizedAmount)
}

// refundTax is the tax returned with a refund of amount. The refund that
// exhausts the intent returns whatever tax is left.
func refundTax(pi *PaymentIntent, amount int64) int64 {
	remaining := pi.TaxAmount - pi.RefundedTax
	if amount == pi.Amount-pi.RefundedAmount {
		return remaining
	}
	t := fees.ProRata(pi.TaxAmount, amount, pi.Amount)
	if t > remaining {
		t = remaining
	}
	return t
}

func applyCapture(pi *PaymentIntent, esc *Escrow, split fees.Split, taxCaptured int64, now time.Time) {
	pi.Amount = split.Gross
	pi.PlatformFee = split.PlatformFee
	pi.BusinessPayout = split.BusinessPayout
	pi.TaxAmount = taxCaptured
	pi.Status = StatusSucceeded
	pi.CapturedAt = &now
	pi.UpdatedAt = now

	if esc != nil {
		esc.Amount = split.Gross
		esc.PlatformFee = split.PlatformFee
		esc.BusinessPayout = split.BusinessPayout
		esc.Status = EscrowReleased
		esc.ReleasedAt = &now
		esc.UpdatedAt = now
	}
}

func applyRefund(pi *PaymentIntent, rf *Refund, share fees.Split, taxRefund int64, now time.Time) {
	rf.Amount = share.Gross
	rf.PlatformFeeRefund = share.PlatformFee
	rf.BusinessAdjustment = share.BusinessPayout
	rf.TaxRefund = taxRefund
	if rf.Status == "succeeded" {
		rf.CompletedAt = &now
	}

	pi.RefundedAmount += share.Gross
	pi.RefundedFee += share.PlatformFee
	pi.RefundedPayout += share.BusinessPayout
	pi.RefundedTax += taxRefund
	pi.RefundCount++
	pi.Status = StatusPartiallyRefunded
	if pi.RefundedAmount == pi.Amount {
		pi.Status = StatusRefunded
	}
	pi.UpdatedAt = now
}

func refundStatus(remote string) string {
	switch remote {
	case "succeeded", "pending", "failed", "canceled":
		return remote
	}
	return "pending"
}

func newEarning(pi *PaymentIntent, refundID string, amount int64, at time.Time) *payouts.Earning {
	return &payouts.Earning{
		ID:         idgen.WithPrefix(idgen.PrefixEarning),
		BusinessID: pi.BusinessID,
		IntentID:   pi.ID,
		RefundID:   refundID,
		Amount:     amount,
		Currency:   pi.Currency,
		Status:     payouts.EarningScheduled,
		CreatedAt:  at,
	}
}

func createResult(pi *PaymentIntent, replayed bool) *CreateIntentResult {
	return &CreateIntentResult{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Status:          pi.Status,
		EscrowEnabled:   pi.EscrowEnabled,
		Amount:          pi.AuthorizedAmount,
		Currency:        pi.Currency,
		PlatformFee:     pi.PlatformFee,
		BusinessAmount:  pi.BusinessPayout,
		TaxAmount:       pi.TaxAmount,
		TotalAmount:     pi.ChargedAmount(),
		Replayed:        replayed,
	}
}

func replayCreate(existing *PaymentIntent, hash string) (*CreateIntentResult, error) {
	if existing.RequestHash != hash {
		return nil, ErrIdempotencyMismatch
	}
	return createResult(existing, true), nil
}

// derivedKey binds a reservation's payment to one intent when the client
// sent no Idempotency-Key. Without a reservation each request is distinct.
func derivedKey(req CreateIntentRequest) string {
	if req.ReservationID == "" {
		return idgen.New()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", req.BusinessID, req.ReservationID, req.Amount, req.Currency)))
	return "rsv_" + hex.EncodeToString(sum[:16])
}

// requestHash fingerprints the parameters an idempotency key is bound to.
func requestHash(req CreateIntentRequest, metadata map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|%s|%t|%s", req.BusinessID, req.Amount, req.Currency,
		req.CustomerID, req.AutomaticCapture, req.ReservationID)
	if req.Tax != nil {
		fmt.Fprintf(&b, "|tax:%s:%s", req.Tax.ProductType, req.Tax.ExemptionID)
		if l := req.Tax.CustomerLocation; l != nil {
			fmt.Fprintf(&b, ":%s:%s:%s", l.State, l.City, l.PostalCode)
		}
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, metadata[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
