package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "helpdesk-service/internal/pkg/errors"
)

// envelope mirrors the server's response format.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// APIError is a non-2xx answer from the server. It unwraps to the sentinel
// matching its code.
type APIError struct {
	Status  int
	Code    string
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "expired":
		return xerrors.ErrExpired
	case "invalid_signature":
		return xerrors.ErrInvalidSignature
	case "reuse_detected":
		return xerrors.ErrReuseDetected
	case "revoked":
		return xerrors.ErrRevoked
	case "session_expired":
		return xerrors.ErrSessionExpired
	case "csrf_mismatch":
		return xerrors.ErrCSRFMismatch
	case "room_policy_violation":
		return xerrors.ErrRoomPolicyViolation
	case "sequence_gap":
		return xerrors.ErrSequenceGap
	case "rate_limited":
		return xerrors.ErrRateLimited
	case "not_found":
		return xerrors.ErrNotFound
	}
	switch {
	case e.Status == http.StatusUnauthorized:
		return xerrors.ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return xerrors.ErrForbidden
	case e.Status == http.StatusTooManyRequests:
		return xerrors.ErrRateLimited
	case e.Status >= 500:
		return xerrors.ErrInternal
	default:
		return xerrors.ErrInvalidInput
	}
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type request struct {
	method string
	path   string
	body   interface{}
	bearer string
	csrf   string
}

// do sends req and decodes the envelope's data into out when non-nil.
func (a *apiClient) do(ctx context.Context, req request, out interface{}) error {
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, a.baseURL+req.path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	if req.csrf != "" {
		httpReq.Header.Set("X-CSRF-Token", req.csrf)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", xerrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		if resp.StatusCode >= 500 {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if env.Error != "" {
			msg = env.Message + ": " + env.Error
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: msg, Data: env.Data}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
