package tax

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists exemption certificates in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed exemption store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ ExemptionStore = (*PostgresStore)(nil)

const exemptionColumns = `id, business_id, exemption_type, certificate_number, jurisdiction,
		       active, valid_from, valid_until, created_at`

func (p *PostgresStore) Create(ctx context.Context, e *Exemption) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tax_exemptions (
			id, business_id, exemption_type, certificate_number, jurisdiction,
			active, valid_from, valid_until, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.BusinessID, string(e.Type), nullString(e.CertificateNumber), nullString(e.Jurisdiction),
		e.Active, e.ValidFrom, e.ValidUntil, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Exemption, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+exemptionColumns+` FROM tax_exemptions WHERE id = $1`, id)
	e, err := scanExemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExemptionNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByBusiness(ctx context.Context, businessID string) ([]*Exemption, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+exemptionColumns+`
		FROM tax_exemptions
		WHERE business_id = $1
		ORDER BY created_at DESC`, businessID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Exemption
	for rows.Next() {
		e, err := scanExemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tax_exemptions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExemptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExemption(s scanner) (*Exemption, error) {
	e := &Exemption{}
	var (
		exType       string
		certificate  sql.NullString
		jurisdiction sql.NullString
		validUntil   sql.NullTime
	)
	if err := s.Scan(
		&e.ID, &e.BusinessID, &exType, &certificate, &jurisdiction,
		&e.Active, &e.ValidFrom, &validUntil, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Type = ExemptionType(exType)
	e.CertificateNumber = certificate.String
	e.Jurisdiction = jurisdiction.String
	if validUntil.Valid {
		e.ValidUntil = &validUntil.Time
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
