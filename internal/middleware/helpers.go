// internal/middleware/helpers.go
package middleware

import (
	"helpdesk-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
)

func getString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// GetPrincipal returns the authenticated principal
func GetPrincipal(c *gin.Context) (string, bool) {
	return getString(c, ctxPrincipal)
}

// GetSessionID returns the session the access token belongs to
func GetSessionID(c *gin.Context) (string, bool) {
	return getString(c, ctxSessionID)
}

func GetDeviceID(c *gin.Context) (string, bool) {
	return getString(c, ctxDeviceID)
}

// GetFamily returns the refresh family of the access token
func GetFamily(c *gin.Context) (string, bool) {
	return getString(c, ctxFamily)
}

// GetClaims returns the validated access token claims
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(ctxClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// MustGetPrincipal gets the principal from context or panics
func MustGetPrincipal(c *gin.Context) string {
	principal, ok := GetPrincipal(c)
	if !ok {
		panic("principal not found in context")
	}
	return principal
}

// MustGetSessionID gets the session ID from context or panics
func MustGetSessionID(c *gin.Context) string {
	id, ok := GetSessionID(c)
	if !ok {
		panic("session_id not found in context")
	}
	return id
}

// IsAuthenticated checks if request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool(ctxAuthenticated)
}
