// internal/service/auth/admin_create.go
package auth

import (
	"context"
	"fmt"

	"helpdesk-service/internal/domain/auth"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// EnsureAdminExists creates the first admin account if none exists (called on startup)
func (s *AuthService) EnsureAdminExists(ctx context.Context, email, password, fullName string) error {
	exists, err := s.identities.AdminExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check admin existence: %w", err)
	}
	if exists {
		s.logger.Info("admin already exists, skipping creation")
		return nil
	}

	if email == "" || password == "" || fullName == "" {
		return fmt.Errorf("admin email, password, and name must be provided via environment variables")
	}

	emailExists, err := s.identities.ExistsByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to check email: %w", err)
	}
	if emailExists {
		return fmt.Errorf("email %s already exists but is not an admin", email)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &auth.Identity{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hashed),
		Role:         auth.RoleAdmin,
		Status:       auth.StatusActive,
	}
	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	s.logger.Info("admin created successfully",
		zap.String("email", email),
		zap.String("full_name", fullName),
		zap.Int64("identity_id", identity.ID),
	)
	return nil
}
