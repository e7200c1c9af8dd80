// internal/domain/auth/entity.go
package auth

import (
	"database/sql"
	"strconv"
	"time"
)

// Identity statuses
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Roles
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Identity represents a helpdesk user who can sign in
type Identity struct {
	ID                  int64        `json:"id" db:"id"`
	Email               string       `json:"email" db:"email"`
	FullName            string       `json:"full_name" db:"full_name"`
	PasswordHash        string       `json:"-" db:"password_hash"`
	Role                string       `json:"role" db:"role"`
	Status              string       `json:"status" db:"status"`
	FailedLoginAttempts int          `json:"-" db:"failed_login_attempts"`
	LockedUntil         sql.NullTime `json:"-" db:"locked_until"`
	LastLogin           sql.NullTime `json:"last_login" db:"last_login"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// Principal is the identity's ID as carried in tokens and room names.
func (i *Identity) Principal() string {
	return strconv.FormatInt(i.ID, 10)
}

// Locked reports whether the account is locked at now.
func (i *Identity) Locked(now time.Time) bool {
	return i.LockedUntil.Valid && i.LockedUntil.Time.After(now)
}
