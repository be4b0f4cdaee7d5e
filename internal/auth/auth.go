// Package auth authenticates callers of the payment API.
//
// Every payment endpoint requires an API key (Authorization: Bearer mk_...).
// A key identifies one user and carries one role: customer, owner or admin.
// Business-scoped routes additionally check that an owner owns the business.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/idgen"
)

var (
	ErrNoAPIKey      = apperr.New(apperr.KindUnauthorized, "API key required")
	ErrInvalidAPIKey = apperr.New(apperr.KindUnauthorized, "invalid or expired API key")
	ErrKeyNotFound   = apperr.New(apperr.KindNotFound, "key not found")
	ErrInvalidRole   = apperr.Validation("role", "must be customer, owner or admin")
)

const (
	keyPrefix = "mk_"
	// touchEvery bounds how often a key's last-used time is written back.
	touchEvery = time.Minute
)

// Role is the caller's authority in the marketplace.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleOwner || r == RoleAdmin
}

// APIKey is a stored credential. Only the SHA-256 of the raw key is kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// usable reports whether the key may authenticate at now.
func (k *APIKey) usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager returns a Manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey issues a key for userID. The raw key is returned once and
// cannot be recovered later.
func (m *Manager) GenerateKey(ctx context.Context, userID string, role Role, name string) (string, *APIKey, error) {
	if !role.Valid() {
		return "", nil, ErrInvalidRole
	}
	raw := keyPrefix + idgen.Hex(32)
	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(raw),
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.usable(now) {
		return nil, ErrInvalidAPIKey
	}

	if now.Sub(key.LastUsed) >= touchEvery {
		touched := *key
		touched.LastUsed = now.UTC()
		go func() { _ = m.store.Update(context.WithoutCancel(ctx), &touched) }()
	}
	return key, nil
}

// ListKeys returns all keys for a user.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of userID's keys. Keys belonging to someone else
// are reported as not found.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		k.Revoked = true
		return m.store.Update(ctx, k)
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
