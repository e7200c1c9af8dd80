// internal/middleware/auth_middleware.go
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"helpdesk-service/internal/domain/auth"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/pkg/response"
	"helpdesk-service/internal/session"

	"github.com/gin-gonic/gin"
)

const (
	CSRFHeader       = "X-CSRF-Token"
	CSRFCookie       = "csrf_token"
	RefreshCookie    = "refresh_token"
	ctxPrincipal     = "principal"
	ctxSessionID     = "session_id"
	ctxDeviceID      = "device_id"
	ctxFamily        = "family"
	ctxClaims        = "claims"
	ctxAuthenticated = "authenticated"
)

// Authenticator is the slice of the auth service the middleware needs.
type Authenticator interface {
	ValidateToken(ctx context.Context, accessToken, source string) (*jwt.Claims, *session.Session, error)
	ValidateCSRF(ctx context.Context, family, submitted string) error
	Me(ctx context.Context, principal string) (*auth.UserInfo, error)
}

type AuthMiddleware struct {
	authService Authenticator
}

func NewAuthMiddleware(authService Authenticator) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// Auth validates the access token and that its session is still live
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", xerrors.ErrUnauthorized)
			return
		}

		claims, sess, err := m.authService.ValidateToken(c.Request.Context(), token, c.ClientIP())
		if err != nil {
			response.FromError(c, "invalid or expired token", err)
			return
		}

		setIdentity(c, claims, sess)
		c.Next()
	}
}

// OptionalAuth sets the identity when a valid token is present and never aborts
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.Next()
			return
		}
		if claims, sess, err := m.authService.ValidateToken(c.Request.Context(), token, c.ClientIP()); err == nil {
			setIdentity(c, claims, sess)
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, claims *jwt.Claims, sess *session.Session) {
	c.Set(ctxPrincipal, claims.Principal())
	c.Set(ctxSessionID, sess.ID)
	c.Set(ctxDeviceID, sess.Device.DeviceID)
	c.Set(ctxFamily, claims.Family)
	c.Set(ctxClaims, claims)
	c.Set(ctxAuthenticated, true)
}

// CSRF enforces the double submit check on state changing requests. The
// X-CSRF-Token header must match the csrf_token cookie when one was sent and,
// after Auth, the value bound to the caller's token family.
func (m *AuthMiddleware) CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		header := c.GetHeader(CSRFHeader)
		if header == "" {
			response.Error(c, http.StatusForbidden, "missing csrf token", xerrors.ErrCSRFMismatch)
			return
		}
		if cookie, err := c.Cookie(CSRFCookie); err == nil {
			if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
				response.Error(c, http.StatusForbidden, "csrf token mismatch", xerrors.ErrCSRFMismatch)
				return
			}
		}

		if family, ok := GetFamily(c); ok {
			if err := m.authService.ValidateCSRF(c.Request.Context(), family, header); err != nil {
				response.FromError(c, "csrf token mismatch", err)
				return
			}
		}
		c.Next()
	}
}

// RequireRole loads the caller's role and requires one of roles.
// MUST be used after Auth() middleware
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := GetPrincipal(c)
		if !ok {
			response.Error(c, http.StatusUnauthorized, "authentication required", xerrors.ErrUnauthorized)
			return
		}

		user, err := m.authService.Me(c.Request.Context(), principal)
		if err != nil {
			response.FromError(c, "failed to load identity", err)
			return
		}
		c.Set("role", user.Role)

		for _, role := range roles {
			if user.Role == role {
				c.Next()
				return
			}
		}
		response.Error(c, http.StatusForbidden, "insufficient permissions",
			errors.New("user does not have required role"),
			map[string]interface{}{
				"required_roles": roles,
				"user_role":      user.Role,
			})
	}
}

// AdminOnly returns middlewares for admin-only routes (Auth + RequireRole)
func (m *AuthMiddleware) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(auth.RoleAdmin),
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	// Browsers cannot set headers on a websocket upgrade
	return c.Query("token")
}
