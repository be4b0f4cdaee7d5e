package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresStore persists subscriptions in business_webhooks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const subColumns = `id, business_id, url, secret, events, active, created_at,
	last_success, last_error, consecutive_failures`

// Create inserts sub unless the business is at its subscription cap. The
// count and insert share a transaction that locks the business's rows.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.BusinessID); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM business_webhooks WHERE business_id = $1`, sub.BusinessID,
	).Scan(&n); err != nil {
		return err
	}
	if n >= MaxSubscriptions {
		return ErrTooManySubscriptions
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO business_webhooks (id, business_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.BusinessID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSub(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM business_webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByBusiness(ctx context.Context, businessID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM business_webhooks WHERE business_id = $1 ORDER BY created_at, id`, businessID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, businessID, id string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM business_webhooks WHERE id = $1 AND business_id = $2`, id, businessID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, d Delivery) error {
	var res sql.Result
	var err error
	if d.Err == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE business_webhooks
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1`, id, d.At)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE business_webhooks
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND ($3 = 0 OR consecutive_failures + 1 < $3)
			WHERE id = $1`, id, d.Err, d.DisableAfter)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSub(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(
		&sub.ID, &sub.BusinessID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return sub, nil
}
