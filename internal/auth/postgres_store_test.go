//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_KeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	mgr := NewManager(NewPostgresStore(db))

	raw, key, err := mgr.GenerateKey(ctx, "usr_owner", RoleOwner, "laptop")
	require.NoError(t, err)
	_, second, err := mgr.GenerateKey(ctx, "usr_owner", RoleOwner, "ci")
	require.NoError(t, err)

	got, err := mgr.ValidateKey(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, RoleOwner, got.Role)

	keys, err := mgr.ListKeys(ctx, "usr_owner")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, second.ID, keys[1].ID)

	store := NewPostgresStore(db)
	used := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Update(ctx, &APIKey{ID: key.ID, LastUsed: used}))
	require.NoError(t, store.Update(ctx, &APIKey{ID: key.ID, LastUsed: used.Add(-time.Hour)}))
	stored, err := store.GetByHash(ctx, key.Hash)
	require.NoError(t, err)
	assert.True(t, stored.LastUsed.Equal(used), "last_used never moves backwards")

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "usr_owner"))
	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, store.Update(ctx, &APIKey{ID: "ak_missing"}), ErrKeyNotFound)
}
