// Package auth is the coordinator's identity boundary. Credentials are
// issued and validated elsewhere; this verifier only maps opaque bearer
// tokens to already-verified identities.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"palaver/internal/models"
	"palaver/internal/storage"
)

type TokenStore interface {
	UpsertToken(token storage.DBToken) error
	DeleteToken(hash string) error
	ListTokens() ([]storage.DBToken, error)
}

type Verifier struct {
	tokens geche.Geche[string, models.Identity]
	store  TokenStore
	expiry time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewVerifier seeds the live token cache from the store so issued tokens
// survive a process restart. Expired rows are skipped (and left for the
// next Issue to overwrite; bbolt is not compacted here).
func NewVerifier(ctx context.Context, store TokenStore, expiry time.Duration, logger *zap.SugaredLogger) (*Verifier, error) {
	v := &Verifier{
		tokens: geche.NewMapTTLCache[string, models.Identity](ctx, expiry, time.Minute),
		store:  store,
		expiry: expiry,
		logger: logger,
		now:    time.Now,
	}

	persisted, err := store.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for _, t := range persisted {
		if t.ExpiresAt <= v.now().Unix() {
			continue
		}
		v.tokens.Set(t.Hash, models.Identity{UserID: t.UserID, Role: models.Role(t.Role)})
	}

	return v, nil
}

// Issue mints a fresh token for an identity. Only the blake2b hash is
// persisted; the raw token is returned once and never stored.
func (v *Verifier) Issue(identity models.Identity) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(b)
	hash := hashToken(token)

	v.tokens.Set(hash, identity)
	err := v.store.UpsertToken(storage.DBToken{
		Hash:      hash,
		UserID:    identity.UserID,
		Role:      string(identity.Role),
		ExpiresAt: v.now().Add(v.expiry).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist token: %w", err)
	}

	return token, nil
}

// Verify resolves a bearer token to its identity. Any miss, expired or
// unknown, is reported as ErrAuthenticationRequired.
func (v *Verifier) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, models.ErrAuthenticationRequired
	}
	identity, err := v.tokens.Get(hashToken(token))
	if err != nil {
		return models.Identity{}, models.ErrAuthenticationRequired
	}
	return identity, nil
}

func (v *Verifier) Revoke(token string) error {
	hash := hashToken(token)
	_ = v.tokens.Del(hash)
	if err := v.store.DeleteToken(hash); err != nil {
		v.logger.Errorw("failed to delete token", "error", err)
		return err
	}
	return nil
}

func hashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}
