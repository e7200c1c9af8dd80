package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"helpdesk-service/internal/domain/auth"
	xerrors "helpdesk-service/internal/pkg/errors"
	"helpdesk-service/internal/token"

	"golang.org/x/sync/singleflight"
)

// TokenSource hands out a current access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Credentials signs in over the HTTP API and keeps the token pair fresh.
// Concurrent refreshes collapse into one request, so the server never sees
// the same refresh token twice from this process.
type Credentials struct {
	api *apiClient

	// refresh this long before the access token expires
	skew time.Duration

	mu      sync.RWMutex
	pair    *token.Pair
	session auth.SessionInfo
	user    *auth.UserInfo

	group singleflight.Group
}

// NewCredentials talks to baseURL (e.g. http://localhost:8000). Cookies the
// server sets for refresh and CSRF are kept in a jar.
func NewCredentials(baseURL string, httpClient *http.Client) (*Credentials, error) {
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar, Timeout: 15 * time.Second}
	}
	return &Credentials{
		api:  newAPIClient(baseURL, httpClient),
		skew: 10 * time.Second,
	}, nil
}

func (c *Credentials) Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResponse, error) {
	var resp auth.LoginResponse
	err := c.api.do(ctx, request{method: http.MethodPost, path: "/api/v1/auth/login", body: req}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Tokens == nil {
		return nil, fmt.Errorf("login response carried no tokens")
	}
	c.store(&resp)
	return &resp, nil
}

func (c *Credentials) store(resp *auth.LoginResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = resp.Tokens
	c.session = resp.Session
	if resp.User != nil {
		c.user = resp.User
	}
}

// AccessToken returns the current access token, refreshing it first when it
// is about to expire.
func (c *Credentials) AccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	pair := c.pair
	c.mu.RUnlock()
	if pair == nil {
		return "", xerrors.ErrUnauthorized
	}
	if time.Until(pair.AccessExpiresAt) > c.skew {
		return pair.AccessToken, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pair.AccessToken, nil
}

// Refresh rotates the refresh token.
func (c *Credentials) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		pair := c.pair
		c.mu.RUnlock()
		if pair == nil {
			return nil, xerrors.ErrUnauthorized
		}

		var resp auth.LoginResponse
		err := c.api.do(ctx, request{
			method: http.MethodPost,
			path:   "/api/v1/auth/refresh",
			body:   auth.RefreshRequest{RefreshToken: pair.RefreshToken},
			csrf:   pair.CSRFToken,
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Tokens == nil {
			return nil, fmt.Errorf("refresh response carried no tokens")
		}
		c.store(&resp)
		return nil, nil
	})
	return err
}

// Logout ends the current session on the server.
func (c *Credentials) Logout(ctx context.Context) error {
	c.mu.RLock()
	pair := c.pair
	c.mu.RUnlock()
	if pair == nil {
		return nil
	}
	err := c.api.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/logout",
		bearer: pair.AccessToken,
		csrf:   pair.CSRFToken,
	}, nil)
	c.mu.Lock()
	c.pair = nil
	c.mu.Unlock()
	return err
}

func (c *Credentials) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ID
}

// Principal is the signed in identity, empty before Login.
func (c *Credentials) Principal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return fmt.Sprintf("%d", c.user.IdentityID)
}
