// internal/pkg/response/response.go
package response

import (
	"errors"
	"net/http"

	xerrors "helpdesk-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// Abort before writing so later handlers never run
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
		response.Code = ErrorCode(err)
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

// FromError picks the status code from the error taxonomy.
func FromError(c *gin.Context, message string, err error, data ...interface{}) {
	Error(c, StatusFor(err), message, err, data...)
}

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, xerrors.ErrExpired),
		errors.Is(err, xerrors.ErrInvalidSignature),
		errors.Is(err, xerrors.ErrRevoked),
		errors.Is(err, xerrors.ErrReuseDetected),
		errors.Is(err, xerrors.ErrSessionExpired),
		errors.Is(err, xerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, xerrors.ErrRoomPolicyViolation),
		errors.Is(err, xerrors.ErrCSRFMismatch),
		errors.Is(err, xerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, xerrors.ErrSequenceGap),
		errors.Is(err, xerrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, xerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, xerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, xerrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, xerrors.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the machine readable code clients branch on.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, xerrors.ErrExpired):
		return "expired"
	case errors.Is(err, xerrors.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, xerrors.ErrReuseDetected):
		return "reuse_detected"
	case errors.Is(err, xerrors.ErrRevoked):
		return "revoked"
	case errors.Is(err, xerrors.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, xerrors.ErrCSRFMismatch):
		return "csrf_mismatch"
	case errors.Is(err, xerrors.ErrRoomPolicyViolation):
		return "room_policy_violation"
	case errors.Is(err, xerrors.ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, xerrors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, xerrors.ErrNotFound):
		return "not_found"
	default:
		return ""
	}
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}

// Forbidden sends a 403 Forbidden response.
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message, nil)
}

// NotFound sends a 404 Not Found response.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message, nil)
}
