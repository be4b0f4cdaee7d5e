package payouts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/pagination"
)

// PostgresStore persists payouts, earnings and schedules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const payoutColumns = `id, business_id, processor_ref, amount, currency, status, trigger_type,
		       arrival_date, failure_code, failure_message, idempotency_key, created_at, updated_at`

const earningColumns = `id, business_id, payment_intent_id, refund_id, amount, currency,
		       status, payout_id, created_at, settled_at`

// InsertEarning writes e through x, which may be a transaction owned by
// another store.
func InsertEarning(ctx context.Context, x Execer, e *Earning) error {
	status := e.Status
	if status == "" {
		status = EarningScheduled
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO payout_earnings (`+earningColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.BusinessID, nullString(e.IntentID), nullString(e.RefundID), e.Amount,
		strings.ToUpper(e.Currency), string(status), nullString(e.PayoutID), e.CreatedAt, nullTime(e.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("insert earning: %w", err)
	}
	return nil
}

func (p *PostgresStore) Record(ctx context.Context, po *Payout) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		po.ID, po.BusinessID, nullString(po.ProcessorRef), po.Amount, po.Currency, string(po.Status), string(po.Trigger),
		nullTime(po.ArrivalDate), nullString(po.FailureCode), nullString(po.FailureMessage),
		nullString(po.IdempotencyKey), po.CreatedAt, po.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "payouts_processor_ref_key" {
			return ErrPayoutRefRecorded
		}
		return fmt.Errorf("insert payout: %w", err)
	}

	if po.Status != StatusFailed && po.Status != StatusCanceled {
		if err := settleTx(ctx, tx, po); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) FailedCount(ctx context.Context, businessID, currency string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payouts
		WHERE business_id = $1 AND currency = $2 AND status IN ('failed', 'canceled')`,
		businessID, strings.ToUpper(currency),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed payouts: %w", err)
	}
	return n, nil
}

// settleTx locks the business's open earnings and settles po.Amount of them.
func settleTx(ctx context.Context, tx *sql.Tx, po *Payout) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+earningColumns+`
		FROM payout_earnings
		WHERE business_id = $1 AND currency = $2 AND status = 'scheduled'
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`, po.BusinessID, po.Currency)
	if err != nil {
		return fmt.Errorf("lock earnings: %w", err)
	}
	var open []*Earning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		open = append(open, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	settled, rest := settle(open, po.Amount, po.ID, po.CreatedAt, func() string {
		return idgen.WithPrefix(idgen.PrefixEarning)
	})
	for _, e := range settled {
		_, err := tx.ExecContext(ctx, `
			UPDATE payout_earnings
			SET amount = $1, status = $2, payout_id = $3, settled_at = $4
			WHERE id = $5`,
			e.Amount, string(e.Status), e.PayoutID, nullTime(e.SettledAt), e.ID)
		if err != nil {
			return fmt.Errorf("settle earning: %w", err)
		}
	}
	if rest != nil {
		if err := InsertEarning(ctx, tx, rest); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	po, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) GetByProcessorRef(ctx context.Context, ref string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE processor_ref = $1`, ref)
	po, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, po *Payout) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE payouts SET
			status = $1, failure_code = $2, failure_message = $3, arrival_date = $4, updated_at = $5
		WHERE id = $6`,
		string(po.Status), nullString(po.FailureCode), nullString(po.FailureMessage),
		nullTime(po.ArrivalDate), po.UpdatedAt, po.ID,
	)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPayoutNotFound
	}

	if po.Status == StatusFailed || po.Status == StatusCanceled {
		_, err := tx.ExecContext(ctx, `
			UPDATE payout_earnings
			SET status = 'scheduled', payout_id = NULL, settled_at = NULL
			WHERE payout_id = $1`, po.ID)
		if err != nil {
			return fmt.Errorf("release earnings: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByBusiness(ctx context.Context, businessID string, limit int, before *pagination.Cursor) ([]*Payout, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+payoutColumns+`
			FROM payouts
			WHERE business_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, businessID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+payoutColumns+`
			FROM payouts
			WHERE business_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, businessID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddEarning(ctx context.Context, e *Earning) error {
	return InsertEarning(ctx, p.db, e)
}

func (p *PostgresStore) Unsettled(ctx context.Context, businessID, currency string) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payout_earnings
		WHERE business_id = $1 AND currency = $2 AND status = 'scheduled'`,
		businessID, strings.ToUpper(currency)).Scan(&total)
	return total, err
}

const scheduleColumns = `business_id, payout_interval, weekly_anchor, monthly_anchor, minimum_amount,
		       currency, active, last_run_at, updated_at`

func (p *PostgresStore) GetSchedule(ctx context.Context, businessID string) (*Schedule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM payout_schedules WHERE business_id = $1`, businessID)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	return s, err
}

func (p *PostgresStore) PutSchedule(ctx context.Context, s *Schedule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (business_id) DO UPDATE SET
			payout_interval = EXCLUDED.payout_interval,
			weekly_anchor = EXCLUDED.weekly_anchor,
			monthly_anchor = EXCLUDED.monthly_anchor,
			minimum_amount = EXCLUDED.minimum_amount,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active,
			last_run_at = COALESCE(EXCLUDED.last_run_at, payout_schedules.last_run_at),
			updated_at = EXCLUDED.updated_at`,
		s.BusinessID, string(s.Interval), nullString(s.WeeklyAnchor), s.MonthlyAnchor, s.MinimumAmount,
		s.Currency, s.Active, nullTime(s.LastRunAt), s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListDueCandidates(ctx context.Context) ([]*Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM payout_schedules
		WHERE active AND payout_interval <> 'manual'
		ORDER BY business_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkScheduleRun(ctx context.Context, businessID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE payout_schedules SET last_run_at = $1 WHERE business_id = $2`, at, businessID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		processorRef, failureCode      sql.NullString
		failureMessage, idempotencyKey sql.NullString
		status, trigger                string
		arrivalDate                    sql.NullTime
	)
	err := s.Scan(
		&po.ID, &po.BusinessID, &processorRef, &po.Amount, &po.Currency, &status, &trigger,
		&arrivalDate, &failureCode, &failureMessage, &idempotencyKey, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	po.Status = Status(status)
	po.Trigger = Trigger(trigger)
	po.ProcessorRef = processorRef.String
	po.FailureCode = failureCode.String
	po.FailureMessage = failureMessage.String
	po.IdempotencyKey = idempotencyKey.String
	if arrivalDate.Valid {
		po.ArrivalDate = &arrivalDate.Time
	}
	return po, nil
}

func scanEarning(s scanner) (*Earning, error) {
	e := &Earning{}
	var (
		intentID, refundID, payoutID sql.NullString
		status                       string
		settledAt                    sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.BusinessID, &intentID, &refundID, &e.Amount, &e.Currency,
		&status, &payoutID, &e.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EarningStatus(status)
	e.IntentID = intentID.String
	e.RefundID = refundID.String
	e.PayoutID = payoutID.String
	if settledAt.Valid {
		e.SettledAt = &settledAt.Time
	}
	return e, nil
}

func scanSchedule(s scanner) (*Schedule, error) {
	sc := &Schedule{}
	var (
		interval     string
		weeklyAnchor sql.NullString
		lastRunAt    sql.NullTime
	)
	err := s.Scan(
		&sc.BusinessID, &interval, &weeklyAnchor, &sc.MonthlyAnchor, &sc.MinimumAmount,
		&sc.Currency, &sc.Active, &lastRunAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Interval = Interval(interval)
	sc.WeeklyAnchor = weeklyAnchor.String
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	return sc, nil
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
