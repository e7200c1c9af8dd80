// internal/repository/postgres/auth_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"helpdesk-service/internal/domain/auth"
	xerrors "helpdesk-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuthRepository struct {
	db *pgxpool.Pool
}

func NewAuthRepository(db *pgxpool.Pool) *AuthRepository {
	return &AuthRepository{db: db}
}

const identityColumns = `
	id, email, full_name, password_hash, role, status,
	failed_login_attempts, locked_until, last_login,
	created_at, updated_at`

func scanIdentity(row pgx.Row) (*auth.Identity, error) {
	var identity auth.Identity
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.FullName, &identity.PasswordHash,
		&identity.Role, &identity.Status,
		&identity.FailedLoginAttempts, &identity.LockedUntil, &identity.LastLogin,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// FindIdentityByEmail retrieves an identity by email, case-insensitively
func (r *AuthRepository) FindIdentityByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	query := `SELECT` + identityColumns + `
		FROM auth_identities
		WHERE LOWER(email) = LOWER($1)
	`
	identity, err := scanIdentity(r.db.QueryRow(ctx, query, email))
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, err
}

// FindIdentityByID retrieves an identity by ID
func (r *AuthRepository) FindIdentityByID(ctx context.Context, id int64) (*auth.Identity, error) {
	query := `SELECT` + identityColumns + `
		FROM auth_identities
		WHERE id = $1
	`
	identity, err := scanIdentity(r.db.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, err
}

// CreateIdentity creates a new identity and fills in its ID and timestamps
func (r *AuthRepository) CreateIdentity(ctx context.Context, identity *auth.Identity) error {
	query := `
		INSERT INTO auth_identities (email, full_name, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, created_at, updated_at
	`
	now := time.Now()
	err := r.db.QueryRow(ctx, query,
		strings.ToLower(identity.Email), identity.FullName, identity.PasswordHash,
		identity.Role, identity.Status, now,
	).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: email %s already registered", xerrors.ErrConflict, identity.Email)
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// ExistsByEmail checks if an email is already registered
func (r *AuthRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM auth_identities WHERE LOWER(email) = LOWER($1))`

	var exists bool
	if err := r.db.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// AdminExists reports whether any admin account exists
func (r *AuthRepository) AdminExists(ctx context.Context) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM auth_identities WHERE role = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, auth.RoleAdmin).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check admin existence: %w", err)
	}
	return exists, nil
}

// UpdateIdentityLastLogin records a successful login and clears the lockout counters
func (r *AuthRepository) UpdateIdentityLastLogin(ctx context.Context, id int64) error {
	query := `
		UPDATE auth_identities
		SET last_login = NOW(), failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// IncrementFailedLoginAttempts counts a bad password and locks the account
// for lockDuration once maxAttempts is reached. It returns the new count.
func (r *AuthRepository) IncrementFailedLoginAttempts(ctx context.Context, id int64, maxAttempts int, lockDuration time.Duration) (int, error) {
	query := `
		UPDATE auth_identities
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN NOW() + $3 * INTERVAL '1 second'
		        ELSE locked_until
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING failed_login_attempts
	`
	var attempts int
	err := r.db.QueryRow(ctx, query, id, maxAttempts, int64(lockDuration.Seconds())).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, xerrors.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment failed login attempts: %w", err)
	}
	return attempts, nil
}

// UpdateIdentityStatus updates the account status
func (r *AuthRepository) UpdateIdentityStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE auth_identities SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update identity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
