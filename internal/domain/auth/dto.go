// internal/domain/auth/dto.go
package auth

import (
	"time"

	"helpdesk-service/internal/token"
)

// LoginRequest for user login
type LoginRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required"`
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

// RefreshRequest carries the refresh token when it is not sent as a cookie
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LoginResponse successful login or refresh response
type LoginResponse struct {
	Session SessionInfo `json:"session"`
	Tokens  *token.Pair `json:"tokens"`
	User    *UserInfo   `json:"user,omitempty"`
}

// UserInfo minimal user information
type UserInfo struct {
	IdentityID int64  `json:"identity_id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
}

// SessionInfo is one entry of the active sessions list
type SessionInfo struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Current      bool      `json:"current"`
}

// CSRFResponse matches what browser clients read from /auth/token/csrf
type CSRFResponse struct {
	CSRFToken string `json:"csrfToken"`
}

type LogoutAllResponse struct {
	Terminated int `json:"terminated"`
}
