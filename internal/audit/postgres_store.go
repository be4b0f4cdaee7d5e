package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresLogger appends entries to payment_audit_logs.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates a PostgreSQL-backed audit logger.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

var _ Logger = (*PostgresLogger)(nil)

func (p *PostgresLogger) Append(ctx context.Context, e *Entry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return err
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_audit_logs (
			id, correlation_id, actor_id, actor_role, client_ip, operation,
			business_id, resource_id, outcome, error_code, amount, currency,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, nullString(e.CorrelationID), e.ActorID, e.ActorRole, nullString(e.ClientIP), string(e.Operation),
		nullString(e.BusinessID), nullString(e.ResourceID), string(e.Outcome), nullString(e.ErrorCode),
		e.Amount, nullString(e.Currency), nullBytes(meta), e.CreatedAt,
	)
	return err
}

// where builds the WHERE clause for f and returns it with its arguments.
func where(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.BusinessID != "" {
		add("business_id = $%d", f.BusinessID)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Operation != "" {
		add("operation = $%d", string(f.Operation))
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.SkipErrorCode != "" {
		add("error_code IS DISTINCT FROM $%d", f.SkipErrorCode)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Before.IsZero() {
		args = append(args, f.Before, f.BeforeID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresLogger) List(ctx context.Context, f Filter) ([]*Entry, error) {
	clause, args := where(f)
	query := `
		SELECT id, correlation_id, actor_id, actor_role, client_ip, operation,
		       business_id, resource_id, outcome, error_code, amount, currency,
		       metadata, created_at
		FROM payment_audit_logs` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			correlationID, clientIP, businessID, resourceID, errorCode, currency sql.NullString
			operation, outcome                                                   string
			meta                                                                 []byte
		)
		if err := rows.Scan(
			&e.ID, &correlationID, &e.ActorID, &e.ActorRole, &clientIP, &operation,
			&businessID, &resourceID, &outcome, &errorCode, &e.Amount, &currency,
			&meta, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.CorrelationID = correlationID.String
		e.ClientIP = clientIP.String
		e.Operation = Operation(operation)
		e.BusinessID = businessID.String
		e.ResourceID = resourceID.String
		e.Outcome = Outcome(outcome)
		e.ErrorCode = errorCode.String
		e.Currency = currency.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresLogger) Count(ctx context.Context, f Filter) (int, error) {
	clause, args := where(f)
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_audit_logs`+clause, args...).Scan(&n)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
