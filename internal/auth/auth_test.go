package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"palaver/internal/models"
	"palaver/internal/storage"
)

func newTestVerifier(t *testing.T, store *storage.BboltStorage) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), store, time.Hour, zap.NewNop().Sugar())
	require.NoError(t, err)
	return v
}

func openStore(t *testing.T, path string) *storage.BboltStorage {
	t.Helper()
	store, err := storage.NewBboltStorage(path)
	require.NoError(t, err)
	return store
}

func TestVerifier_IssueVerify(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "auth.db"))
	defer func() { _ = store.Close() }()
	v := newTestVerifier(t, store)

	token, err := v.Issue(models.Identity{UserID: "alice", Role: models.RoleAdmin})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", identity.UserID)
	require.Equal(t, models.RoleAdmin, identity.Role)

	_, err = v.Verify("not-a-token")
	require.ErrorIs(t, err, models.ErrAuthenticationRequired)

	_, err = v.Verify("")
	require.ErrorIs(t, err, models.ErrAuthenticationRequired)
}

func TestVerifier_RawTokenNeverStored(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "auth.db"))
	defer func() { _ = store.Close() }()
	v := newTestVerifier(t, store)

	token, err := v.Issue(models.Identity{UserID: "alice", Role: models.RoleMember})
	require.NoError(t, err)

	persisted, err := store.ListTokens()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotEqual(t, token, persisted[0].Hash)
	require.Equal(t, "alice", persisted[0].UserID)
}

func TestVerifier_Revoke(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "auth.db"))
	defer func() { _ = store.Close() }()
	v := newTestVerifier(t, store)

	token, err := v.Issue(models.Identity{UserID: "alice", Role: models.RoleMember})
	require.NoError(t, err)

	require.NoError(t, v.Revoke(token))

	_, err = v.Verify(token)
	require.ErrorIs(t, err, models.ErrAuthenticationRequired)

	persisted, err := store.ListTokens()
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestVerifier_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")

	store := openStore(t, path)
	v := newTestVerifier(t, store)
	token, err := v.Issue(models.Identity{UserID: "alice", Role: models.RoleMember})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openStore(t, path)
	defer func() { _ = reopened.Close() }()
	v2 := newTestVerifier(t, reopened)

	identity, err := v2.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", identity.UserID)
}

func TestVerifier_SkipsExpiredOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")

	store := openStore(t, path)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.UpsertToken(storage.DBToken{
		Hash:      "stale",
		UserID:    "ghost",
		Role:      "member",
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}))

	v := newTestVerifier(t, store)
	_, err := v.Verify("anything")
	require.ErrorIs(t, err, models.ErrAuthenticationRequired)
	// The expired row is only skipped, not deleted; issuing still works.
	token, err := v.Issue(models.Identity{UserID: "alice", Role: models.RoleMember})
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.NoError(t, err)
}
