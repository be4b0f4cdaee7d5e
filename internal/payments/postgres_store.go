package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/localmarket/paycore/internal/payouts"
)

// PostgresStore persists payments in PostgreSQL. Earnings written by
// transitions go to payout_earnings in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, processor_ref, client_secret, business_id, customer_id, reservation_id,
		       amount, authorized_amount, currency, fee_percent, platform_fee, business_payout,
		       tax_amount, tax_jurisdiction, escrow_enabled, status,
		       refunded_amount, refunded_fee, refunded_payout, refunded_tax, refund_count,
		       disputed, last_error, metadata, idempotency_key, request_hash, version,
		       created_at, confirmed_at, captured_at, cancelled_at, updated_at`

const escrowColumns = `id, payment_intent_id, business_id, customer_id, amount, platform_fee,
		       business_payout, status, scheduled_release_at, released_at, disputed_at,
		       cancelled_at, dispute_reason, metadata, created_at, updated_at`

const refundColumns = `id, payment_intent_id, processor_ref, amount, platform_fee_refund,
		       business_adjustment, tax_refund, reason, status, created_at, completed_at`

func (p *PostgresStore) CreateIntent(ctx context.Context, pi *PaymentIntent, esc *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_intents (`+intentColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31, $32
		)`,
		pi.ID, nullString(pi.ProcessorRef), nullString(pi.ClientSecret), pi.BusinessID,
		nullString(pi.CustomerID), nullString(pi.ReservationID),
		pi.Amount, pi.AuthorizedAmount, pi.Currency, pi.FeePercent, pi.PlatformFee, pi.BusinessPayout,
		pi.TaxAmount, nullString(pi.TaxJurisdiction), pi.EscrowEnabled, string(pi.Status),
		pi.RefundedAmount, pi.RefundedFee, pi.RefundedPayout, pi.RefundedTax, pi.RefundCount,
		pi.Disputed, nullString(pi.LastError), metadataJSON(pi.Metadata),
		nullString(pi.IdempotencyKey), nullString(pi.RequestHash), pi.Version,
		pi.CreatedAt, nullTime(pi.ConfirmedAt), nullTime(pi.CapturedAt), nullTime(pi.CancelledAt), pi.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("insert payment intent: %w", err)
	}
	if esc != nil {
		if err := insertEscrow(ctx, tx, esc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEscrow(ctx context.Context, tx *sql.Tx, e *Escrow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		e.ID, e.IntentID, e.BusinessID, nullString(e.CustomerID), e.Amount, e.PlatformFee,
		e.BusinessPayout, string(e.Status), nullTime(e.ScheduledReleaseAt), nullTime(e.ReleasedAt), nullTime(e.DisputedAt),
		nullTime(e.CancelledAt), nullString(e.DisputeReason), metadataJSON(e.Metadata), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	return p.getIntent(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetIntentByProcessorRef(ctx context.Context, ref string) (*PaymentIntent, error) {
	return p.getIntent(ctx, `processor_ref = $1`, ref)
}

func (p *PostgresStore) GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error) {
	return p.getIntent(ctx, `idempotency_key = $1`, key)
}

func (p *PostgresStore) getIntent(ctx context.Context, where string, arg string) (*PaymentIntent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE `+where, arg)
	pi, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return pi, err
}

func (p *PostgresStore) GetEscrow(ctx context.Context, intentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE payment_intent_id = $1`, intentID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListRefunds(ctx context.Context, intentID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE payment_intent_id = $1
		ORDER BY created_at ASC, id ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByBusiness(ctx context.Context, businessID string, f ListFilter) ([]*PaymentIntent, error) {
	conds := []string{"business_id = $1"}
	args := []interface{}{businessID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.BeforeCreatedAt != nil {
		args = append(args, *f.BeforeCreatedAt, f.BeforeID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT `+fmt.Sprintf("$%d", len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*PaymentIntent, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, pq.Array(names), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

func (p *PostgresStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status = 'held' AND scheduled_release_at < $1
		ORDER BY scheduled_release_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Transition applies t in one transaction. The intent row is updated only
// if both its status and version still match; the escrow row only if its
// status matches ExpectedEscrowStatus.
func (p *PostgresStore) Transition(ctx context.Context, t Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pi := t.Intent
	result, err := tx.ExecContext(ctx, `
		UPDATE payment_intents SET
			status = $1, amount = $2, platform_fee = $3, business_payout = $4, tax_amount = $5,
			refunded_amount = $6, refunded_fee = $7, refunded_payout = $8, refunded_tax = $9,
			refund_count = $10, disputed = $11, last_error = $12, metadata = $13,
			confirmed_at = $14, captured_at = $15, cancelled_at = $16, updated_at = $17,
			version = version + 1
		WHERE id = $18 AND status = $19 AND version = $20`,
		string(pi.Status), pi.Amount, pi.PlatformFee, pi.BusinessPayout, pi.TaxAmount,
		pi.RefundedAmount, pi.RefundedFee, pi.RefundedPayout, pi.RefundedTax,
		pi.RefundCount, pi.Disputed, nullString(pi.LastError), metadataJSON(pi.Metadata),
		nullTime(pi.ConfirmedAt), nullTime(pi.CapturedAt), nullTime(pi.CancelledAt), pi.UpdatedAt,
		pi.ID, string(t.ExpectedStatus), pi.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	if err := expectOne(result, ErrInvalidStateTransition); err != nil {
		return err
	}

	if e := t.Escrow; e != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE escrow_transactions SET
				status = $1, amount = $2, platform_fee = $3, business_payout = $4,
				scheduled_release_at = $5, released_at = $6, disputed_at = $7, cancelled_at = $8,
				dispute_reason = $9, metadata = $10, updated_at = $11
			WHERE payment_intent_id = $12 AND status = $13`,
			string(e.Status), e.Amount, e.PlatformFee, e.BusinessPayout,
			nullTime(e.ScheduledReleaseAt), nullTime(e.ReleasedAt), nullTime(e.DisputedAt), nullTime(e.CancelledAt),
			nullString(e.DisputeReason), metadataJSON(e.Metadata), e.UpdatedAt,
			pi.ID, string(t.ExpectedEscrowStatus),
		)
		if err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}
		if err := expectOne(result, ErrInvalidStateTransition); err != nil {
			return err
		}
	}

	if r := t.Refund; r != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refunds (`+refundColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.IntentID, nullString(r.ProcessorRef), r.Amount, r.PlatformFeeRefund,
			r.BusinessAdjustment, r.TaxRefund, nullString(r.Reason), r.Status, r.CreatedAt, nullTime(r.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
	}

	if e := t.Earning; e != nil {
		if err := payouts.InsertEarning(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pi.Version++
	return nil
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func expectOne(result sql.Result, notMatched error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notMatched
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*PaymentIntent, error) {
	pi := &PaymentIntent{}
	var (
		processorRef, clientSecret  sql.NullString
		customerID, reservationID   sql.NullString
		jurisdiction, lastError     sql.NullString
		idempotencyKey, requestHash sql.NullString
		status                      string
		metadata                    []byte
		confirmedAt, capturedAt     sql.NullTime
		cancelledAt                 sql.NullTime
	)
	err := s.Scan(
		&pi.ID, &processorRef, &clientSecret, &pi.BusinessID, &customerID, &reservationID,
		&pi.Amount, &pi.AuthorizedAmount, &pi.Currency, &pi.FeePercent, &pi.PlatformFee, &pi.BusinessPayout,
		&pi.TaxAmount, &jurisdiction, &pi.EscrowEnabled, &status,
		&pi.RefundedAmount, &pi.RefundedFee, &pi.RefundedPayout, &pi.RefundedTax, &pi.RefundCount,
		&pi.Disputed, &lastError, &metadata, &idempotencyKey, &requestHash, &pi.Version,
		&pi.CreatedAt, &confirmedAt, &capturedAt, &cancelledAt, &pi.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pi.Status = Status(status)
	pi.ProcessorRef = processorRef.String
	pi.ClientSecret = clientSecret.String
	pi.CustomerID = customerID.String
	pi.ReservationID = reservationID.String
	pi.TaxJurisdiction = jurisdiction.String
	pi.LastError = lastError.String
	pi.IdempotencyKey = idempotencyKey.String
	pi.RequestHash = requestHash.String
	pi.ConfirmedAt = timePtr(confirmedAt)
	pi.CapturedAt = timePtr(capturedAt)
	pi.CancelledAt = timePtr(cancelledAt)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &pi.Metadata)
	}
	return pi, nil
}

func scanIntents(rows *sql.Rows) ([]*PaymentIntent, error) {
	var result []*PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pi)
	}
	return result, rows.Err()
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		customerID, disputeReason           sql.NullString
		status                              string
		metadata                            []byte
		scheduledAt, releasedAt, disputedAt sql.NullTime
		cancelledAt                         sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.IntentID, &e.BusinessID, &customerID, &e.Amount, &e.PlatformFee,
		&e.BusinessPayout, &status, &scheduledAt, &releasedAt, &disputedAt,
		&cancelledAt, &disputeReason, &metadata, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.CustomerID = customerID.String
	e.DisputeReason = disputeReason.String
	e.ScheduledReleaseAt = timePtr(scheduledAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.CancelledAt = timePtr(cancelledAt)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	return e, nil
}

func scanRefund(s scanner) (*Refund, error) {
	r := &Refund{}
	var (
		processorRef, reason sql.NullString
		completedAt          sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.IntentID, &processorRef, &r.Amount, &r.PlatformFeeRefund,
		&r.BusinessAdjustment, &r.TaxRefund, &reason, &r.Status, &r.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ProcessorRef = processorRef.String
	r.Reason = reason.String
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}

func metadataJSON(m map[string]string) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(m)
	return b
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
