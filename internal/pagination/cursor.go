// Package pagination implements keyset pages over lists ordered newest
// first by (created_at, id).
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200

	cursorVersion = "c1"
)

// ErrInvalidCursor is returned for cursors this server did not issue.
var ErrInvalidCursor = apperr.Validation("cursor", "invalid cursor")

// Cursor is the (created_at, id) of the last row on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Request is a parsed page request.
type Request struct {
	Limit  int
	Before *Cursor
}

// Fetch is the row count to ask a store for: one extra row tells whether
// another page exists.
func (r Request) Fetch() int { return r.Limit + 1 }

// FromQuery parses the limit and cursor query values. Bad limits fall back
// to DefaultLimit or clamp to MaxLimit; a bad cursor is an error.
func FromQuery(limit, cursor string) (Request, error) {
	r := Request{Limit: DefaultLimit}
	if n, err := strconv.Atoi(limit); err == nil && n > 0 {
		r.Limit = min(n, MaxLimit)
	}
	c, err := Decode(cursor)
	if err != nil {
		return Request{}, err
	}
	r.Before = c
	return r, nil
}

// Encode returns the opaque cursor for a row.
func Encode(createdAt time.Time, id string) string {
	raw := cursorVersion + ":" + strconv.FormatInt(createdAt.UnixNano(), 36) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor from Encode. The empty string yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	version, rest, ok := strings.Cut(string(raw), ":")
	if !ok || version != cursorVersion {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Trim cuts rows fetched with r.Fetch() down to r.Limit and returns the
// cursor for the next page, empty when this is the last one.
func Trim[T any](rows []T, r Request, key func(T) (time.Time, string)) ([]T, string) {
	if len(rows) <= r.Limit {
		return rows, ""
	}
	rows = rows[:r.Limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(createdAt, id)
}
