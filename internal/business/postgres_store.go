package business

import (
	"context"
	"database/sql"
	"errors"

	"github.com/localmarket/paycore/internal/tax"
	"github.com/shopspring/decimal"
)

// PostgresDirectory reads the marketplace's businesses and reservations
// tables. The payment core only writes reservation payment columns.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

var _ Directory = (*PostgresDirectory)(nil)

const businessColumns = `id, owner_id, name, stripe_account_id, active,
		       state, city, postal_code, country, fee_percent, created_at`

func (p *PostgresDirectory) GetBusiness(ctx context.Context, id string) (*Business, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id = $1`, id)
	b, err := scanBusiness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresDirectory) UpsertBusiness(ctx context.Context, b *Business) error {
	var fee sql.NullString
	if b.FeePercent != nil {
		fee = sql.NullString{String: b.FeePercent.String(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO businesses (
			id, owner_id, name, stripe_account_id, active,
			state, city, postal_code, country, fee_percent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			stripe_account_id = EXCLUDED.stripe_account_id,
			active = EXCLUDED.active,
			state = EXCLUDED.state,
			city = EXCLUDED.city,
			postal_code = EXCLUDED.postal_code,
			country = EXCLUDED.country,
			fee_percent = EXCLUDED.fee_percent`,
		b.ID, b.OwnerID, b.Name, nullString(b.StripeAccountID), b.Active,
		b.Location.State, nullString(b.Location.City), nullString(b.Location.PostalCode),
		nullString(b.Location.Country), fee,
	)
	return err
}

func (p *PostgresDirectory) ListActive(ctx context.Context) ([]*Business, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+businessColumns+`
		FROM businesses
		WHERE active = TRUE
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresDirectory) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r := &Reservation{}
	var intentID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, business_id, customer_id, completion_status, payment_status, payment_intent_id, updated_at
		FROM reservations WHERE id = $1`, id,
	).Scan(&r.ID, &r.BusinessID, &r.CustomerID, &r.CompletionStatus, &r.PaymentStatus, &intentID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PaymentIntentID = intentID.String
	return r, nil
}

func (p *PostgresDirectory) UpsertReservation(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (id, business_id, customer_id, completion_status, payment_status, payment_intent_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			completion_status = EXCLUDED.completion_status,
			payment_status = EXCLUDED.payment_status,
			payment_intent_id = EXCLUDED.payment_intent_id,
			updated_at = NOW()`,
		r.ID, r.BusinessID, r.CustomerID, string(r.CompletionStatus), string(r.PaymentStatus), nullString(r.PaymentIntentID),
	)
	return err
}

func (p *PostgresDirectory) SetReservationPayment(ctx context.Context, reservationID, intentID string, status PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reservations
		SET payment_status = $2,
		    payment_intent_id = COALESCE($3, payment_intent_id),
		    updated_at = NOW()
		WHERE id = $1`,
		reservationID, string(status), nullString(intentID),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBusiness(s scanner) (*Business, error) {
	b := &Business{}
	var (
		account, city, postal, country sql.NullString
		fee                            sql.NullString
	)
	if err := s.Scan(
		&b.ID, &b.OwnerID, &b.Name, &account, &b.Active,
		&b.Location.State, &city, &postal, &country, &fee, &b.CreatedAt,
	); err != nil {
		return nil, err
	}
	b.StripeAccountID = account.String
	b.Location = tax.Location{State: b.Location.State, City: city.String, PostalCode: postal.String, Country: country.String}
	if fee.Valid {
		d, err := decimal.NewFromString(fee.String)
		if err != nil {
			return nil, err
		}
		b.FeePercent = &d
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
