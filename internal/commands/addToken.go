package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"palaver/internal/auth"
	"palaver/internal/config"
	"palaver/internal/models"
	"palaver/internal/storage"
)

// AddToken provisions a bearer token for a user directly against the
// database. Meant for development and bootstrap; run it while the server
// is stopped, the db file takes an exclusive lock.
func AddToken(userID string, role string, cfg *config.Config) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	r := models.Role(role)
	if r != models.RoleMember && r != models.RoleAdmin {
		return fmt.Errorf("role must be %q or %q", models.RoleMember, models.RoleAdmin)
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(ctx, store, cfg.TokenExpiry, zap.NewNop().Sugar())
	if err != nil {
		return err
	}

	token, err := verifier.Issue(models.Identity{UserID: userID, Role: r})
	if err != nil {
		return err
	}

	fmt.Printf("\nToken issued for %s (%s)\n", userID, r)
	fmt.Printf("Token:   %s\n", token)
	fmt.Printf("Expires: %s from now\n\n", cfg.TokenExpiry)
	return nil
}
