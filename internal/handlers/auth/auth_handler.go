// internal/handlers/auth/auth_handler.go
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helpdesk-service/internal/domain/auth"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Service is what the auth handler calls into.
type Service interface {
	Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.LoginResponse, error)
	CSRFToken(ctx context.Context, family string) (string, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutAll(ctx context.Context, principal string) (int, error)
	ListSessions(ctx context.Context, principal, current string) ([]auth.SessionInfo, error)
	SessionHistory(ctx context.Context, principal, current string, statuses []string, limit int) ([]auth.SessionInfo, error)
	TerminateSession(ctx context.Context, principal, sessionID string) error
	Me(ctx context.Context, principal string) (*auth.UserInfo, error)
}

// CookieConfig controls the refresh and CSRF cookies.
type CookieConfig struct {
	Secure bool
	Domain string
}

type AuthHandler struct {
	authService Service
	cookies     CookieConfig
	logger      *zap.Logger
}

func NewAuthHandler(authService Service, cookies CookieConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		cookies:     cookies,
		logger:      logger,
	}
}

// ========== Login ==========

// Login handles password login
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("login failed",
			zap.String("email", req.Email),
			zap.String("ip", req.IPAddress),
			zap.Error(err),
		)
		response.FromError(c, "login failed", err)
		return
	}

	h.logger.Info("user logged in",
		zap.Int64("identity_id", loginResp.User.IdentityID),
		zap.String("session_id", loginResp.Session.ID),
	)

	h.setTokenCookies(c, loginResp)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// ========== Tokens ==========

// Refresh rotates the refresh token taken from the body or the cookie
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, "invalid request", err)
			return
		}
	}
	if req.RefreshToken == "" {
		req.RefreshToken, _ = c.Cookie(middleware.RefreshCookie)
	}

	resp, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if xerrors.IsAuthFailure(err) {
			h.clearTokenCookies(c)
		}
		response.FromError(c, "token refresh failed", err)
		return
	}

	h.setTokenCookies(c, resp)
	response.Success(c, http.StatusOK, "token refreshed", resp)
}

// CSRF returns the CSRF token for the caller's family and refreshes the cookie
func (h *AuthHandler) CSRF(c *gin.Context) {
	family, ok := middleware.GetFamily(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}

	csrf, err := h.authService.CSRFToken(c.Request.Context(), family)
	if err != nil {
		response.FromError(c, "failed to issue csrf token", err)
		return
	}

	h.setCSRFCookie(c, csrf, 0)
	c.JSON(http.StatusOK, auth.CSRFResponse{CSRFToken: csrf})
}

// ========== Logout ==========

// Logout ends the current session
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID := middleware.MustGetSessionID(c)

	if err := h.authService.Logout(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("logout failed", zap.String("session_id", sessionID), zap.Error(err))
		response.FromError(c, "logout failed", err)
		return
	}

	h.clearTokenCookies(c)
	response.Success(c, http.StatusOK, "logout successful", nil)
}

// LogoutAll ends every session of the caller
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	principal := middleware.MustGetPrincipal(c)

	n, err := h.authService.LogoutAll(c.Request.Context(), principal)
	if err != nil {
		response.FromError(c, "logout all failed", err)
		return
	}

	h.clearTokenCookies(c)
	response.Success(c, http.StatusOK, "all sessions logged out", auth.LogoutAllResponse{Terminated: n})
}

// ForceLogout ends every session of another principal (admin only)
func (h *AuthHandler) ForceLogout(c *gin.Context) {
	target := c.Param("principal")
	if _, err := strconv.ParseInt(target, 10, 64); err != nil {
		response.ValidationError(c, "invalid principal", err)
		return
	}

	n, err := h.authService.LogoutAll(c.Request.Context(), target)
	if err != nil {
		response.FromError(c, "forced logout failed", err)
		return
	}

	h.logger.Info("forced logout",
		zap.String("admin", middleware.MustGetPrincipal(c)),
		zap.String("principal", target),
		zap.Int("terminated", n),
	)
	response.Success(c, http.StatusOK, "sessions terminated", auth.LogoutAllResponse{Terminated: n})
}

// ========== Sessions ==========

// ListSessions lists the caller's active sessions
func (h *AuthHandler) ListSessions(c *gin.Context) {
	principal := middleware.MustGetPrincipal(c)
	current, _ := middleware.GetSessionID(c)

	sessions, err := h.authService.ListSessions(c.Request.Context(), principal, current)
	if err != nil {
		response.FromError(c, "failed to list sessions", err)
		return
	}

	response.Success(c, http.StatusOK, "sessions retrieved", sessions)
}

// SessionHistory lists recorded sessions, ended ones included
func (h *AuthHandler) SessionHistory(c *gin.Context) {
	principal := middleware.MustGetPrincipal(c)
	current, _ := middleware.GetSessionID(c)

	var statuses []string
	for _, s := range c.QueryArray("status") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, part)
			}
		}
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		response.ValidationError(c, "invalid limit", xerrors.ErrInvalidInput)
		return
	}

	sessions, err := h.authService.SessionHistory(c.Request.Context(), principal, current, statuses, limit)
	if err != nil {
		response.FromError(c, "failed to load session history", err)
		return
	}

	response.Success(c, http.StatusOK, "session history retrieved", sessions)
}

// DeleteSession revokes one of the caller's sessions
func (h *AuthHandler) DeleteSession(c *gin.Context) {
	principal := middleware.MustGetPrincipal(c)
	sessionID := c.Param("session_id")

	if err := h.authService.TerminateSession(c.Request.Context(), principal, sessionID); err != nil {
		response.FromError(c, "failed to revoke session", err)
		return
	}

	if current, _ := middleware.GetSessionID(c); current == sessionID {
		h.clearTokenCookies(c)
	}
	response.Success(c, http.StatusOK, "session revoked", nil)
}

// Me returns the signed in user
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.authService.Me(c.Request.Context(), middleware.MustGetPrincipal(c))
	if err != nil {
		response.FromError(c, "failed to load user", err)
		return
	}
	response.Success(c, http.StatusOK, "user retrieved", user)
}

// ========== Cookies ==========

func (h *AuthHandler) setTokenCookies(c *gin.Context, resp *auth.LoginResponse) {
	if resp.Tokens == nil {
		return
	}
	maxAge := int(time.Until(resp.Tokens.RefreshExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.RefreshCookie, resp.Tokens.RefreshToken, maxAge, "/api/v1/auth", h.cookies.Domain, h.cookies.Secure, true)
	h.setCSRFCookie(c, resp.Tokens.CSRFToken, maxAge)
}

func (h *AuthHandler) setCSRFCookie(c *gin.Context, csrf string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	// readable by scripts so they can echo it in X-CSRF-Token
	c.SetCookie(middleware.CSRFCookie, csrf, maxAge, "/", h.cookies.Domain, h.cookies.Secure, false)
}

func (h *AuthHandler) clearTokenCookies(c *gin.Context) {
	c.SetCookie(middleware.RefreshCookie, "", -1, "/api/v1/auth", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(middleware.CSRFCookie, "", -1, "/", h.cookies.Domain, h.cookies.Secure, false)
}
