package kalshi

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/Mindburn-Labs/pulsetrader/pkg/ratelimit"
)

// ErrorCode is the fixed connector error taxonomy.
type ErrorCode string

const (
	ErrAuthenticationFailed ErrorCode = "authentication_failed"
	ErrAuthorizationFailed  ErrorCode = "authorization_failed"
	ErrNotFound             ErrorCode = "not_found"
	ErrRateLimited          ErrorCode = "rate_limited"
	ErrNetwork              ErrorCode = "network_error"
	ErrTimeout              ErrorCode = "timeout"
	ErrBadRequest           ErrorCode = "bad_request"
	ErrSchemaValidation     ErrorCode = "schema_validation"
	ErrRemote               ErrorCode = "remote_error"
	ErrUnknown              ErrorCode = "unknown"
)

// ConnectorError is the normalized error surfaced by every exchange call.
// StatusCode preserves the original HTTP status (0 when not applicable) so
// the route adapter can classify without re-parsing.
type ConnectorError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Cause      error
}

func (e *ConnectorError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error { return e.Cause }

// ValidationError marks a DTO or wire payload that failed schema validation.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

// httpStatusError carries a non-2xx exchange response through the pipeline.
type httpStatusError struct {
	statusCode int
	body       string
}

func (e *httpStatusError) Error() string { return e.body }

// MapError normalizes transport and remote errors to the taxonomy. Mapping
// order follows the HTTP status first, then transport error types, then
// message heuristics.
func MapError(err error) *ConnectorError {
	var connErr *ConnectorError
	if errors.As(err, &connErr) {
		return connErr
	}

	message := err.Error()

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		code := ErrUnknown
		switch {
		case statusErr.statusCode == 400:
			code = ErrBadRequest
		case statusErr.statusCode == 401:
			code = ErrAuthenticationFailed
		case statusErr.statusCode == 403:
			code = ErrAuthorizationFailed
		case statusErr.statusCode == 404:
			code = ErrNotFound
		case statusErr.statusCode == 429:
			code = ErrRateLimited
		case statusErr.statusCode >= 500:
			code = ErrRemote
		}
		if code != ErrUnknown {
			return &ConnectorError{Code: code, Message: message, StatusCode: statusErr.statusCode, Cause: err}
		}
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return &ConnectorError{Code: ErrRateLimited, Message: message, StatusCode: exceeded.StatusCode(), Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectorError{Code: ErrTimeout, Message: message, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectorError{Code: ErrTimeout, Message: message, Cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ConnectorError{Code: ErrNetwork, Message: message, Cause: err}
	}

	lowered := strings.ToLower(message)
	if strings.Contains(lowered, "timeout") {
		return &ConnectorError{Code: ErrTimeout, Message: message, Cause: err}
	}
	if strings.Contains(lowered, "connection") || strings.Contains(lowered, "network") {
		return &ConnectorError{Code: ErrNetwork, Message: message, Cause: err}
	}

	if statusErr != nil {
		return &ConnectorError{Code: ErrUnknown, Message: message, StatusCode: statusErr.statusCode, Cause: err}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return &ConnectorError{Code: ErrSchemaValidation, Message: message, Cause: err}
	}

	return &ConnectorError{Code: ErrUnknown, Message: message, Cause: err}
}
