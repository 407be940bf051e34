// Package errors provides the typed error kinds used across the gateway
// and their mapping onto HTTP status codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Internal is an uncategorized failure.
	Internal ErrorType = iota
	// Validation represents a malformed request or mapping (400).
	Validation
	// NotFound represents a missing mapping or resource (404).
	NotFound
	// Conflict represents a duplicate mapping key (409).
	Conflict
	// RateLimit represents a client over its ceiling (429).
	RateLimit
	// UnsupportedFormat represents a mapping naming an unknown payload format.
	UnsupportedFormat
	// Upstream represents a backend failure or a non-2xx backend answer.
	Upstream
	// Network represents transport-level failures (DNS, connection).
	Network
	// Timeout represents deadline failures.
	Timeout
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimit:
		return "rate_limit"
	case UnsupportedFormat:
		return "unsupported_format"
	case Upstream:
		return "upstream"
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Code is the machine-readable code written in error responses.
func (t ErrorType) Code() string {
	switch t {
	case Validation:
		return "ValidationError"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case RateLimit:
		return "RateLimitExceeded"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case Upstream, Network, Timeout:
		return "UpstreamFailure"
	case Cancelled:
		return "RequestCancelled"
	default:
		return "InternalError"
	}
}

// HTTPStatus is the default status code for the type.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimit:
		return http.StatusTooManyRequests
	case Upstream, Network:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout, Upstream:
		return true
	default:
		return false
	}
}

// GatewayError is a categorized gateway error.
type GatewayError struct {
	Type      ErrorType
	Operation string
	Message   string
	Details   string
	// Fields holds per-field validation messages.
	Fields map[string]string
	// StatusCode overrides the type's default status, e.g. a backend answer.
	StatusCode int
	// Body and ContentType carry a backend response surfaced as-is.
	Body        []byte
	ContentType string
	Cause       error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s: %s", e.Type.String(), e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target of the same type.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatus returns the status code to answer with.
func (e *GatewayError) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return e.Type.HTTPStatus()
}

// New creates a GatewayError.
func New(errType ErrorType, operation, message string, cause error) *GatewayError {
	return &GatewayError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewValidationError creates a validation error with per-field messages.
func NewValidationError(operation string, fields map[string]string) *GatewayError {
	err := New(Validation, operation, "validation failed", nil)
	err.Fields = fields
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for name, msg := range fields {
			parts = append(parts, name+": "+msg)
		}
		sort.Strings(parts)
		err.Details = strings.Join(parts, "; ")
	}
	return err
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(operation, what string) *GatewayError {
	return New(NotFound, operation, what+" not found", nil)
}

// NewConflictError creates a conflict error for a duplicate key.
func NewConflictError(operation, key string) *GatewayError {
	err := New(Conflict, operation, "mapping already exists", nil)
	err.Details = key
	return err
}

// NewRateLimitError creates a rate limit error naming the ceiling.
func NewRateLimitError(clientID string, limit int) *GatewayError {
	err := New(RateLimit, "rate_limit", fmt.Sprintf("rate limit of %d requests per minute exceeded", limit), nil)
	err.Details = "client " + clientID
	return err
}

// NewUnsupportedFormatError creates an error naming the unknown format.
func NewUnsupportedFormatError(operation, format string) *GatewayError {
	return New(UnsupportedFormat, operation, fmt.Sprintf("unsupported format %q", format), nil)
}

// NewUpstreamError creates an error for a failed forwarding attempt.
func NewUpstreamError(operation, target string, cause error) *GatewayError {
	err := New(Upstream, operation, "backend request failed", cause)
	err.Details = target
	return err
}

// NewUpstreamResponseError carries a non-2xx backend answer to the caller.
func NewUpstreamResponseError(target string, statusCode int, contentType string, body []byte) *GatewayError {
	err := New(Upstream, "forward", fmt.Sprintf("backend returned %d", statusCode), nil)
	err.Details = target
	err.StatusCode = statusCode
	err.ContentType = contentType
	err.Body = body
	return err
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(operation string, cause error) *GatewayError {
	return New(Internal, operation, "internal error", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(operation string) *GatewayError {
	return New(Cancelled, operation, "operation cancelled", nil)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, operation string) *GatewayError {
	if err == nil {
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(operation)
	}

	if isTimeout(err) {
		return New(Timeout, operation, "request timed out", err)
	}

	if isNetworkError(err) {
		return New(Network, operation, "network failure", err)
	}

	return NewInternalError(operation, err)
}

// CategorizeHTTPStatus creates an error from a backend status code. It
// returns nil for 2xx.
func CategorizeHTTPStatus(statusCode int, target string) *GatewayError {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	return NewUpstreamResponseError(target, statusCode, "", nil)
}

// isTimeout checks if an error is a timeout.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// isNetworkError checks if an error is network-related.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Type == Upstream && gwErr.StatusCode != 0 {
			return gwErr.StatusCode >= 500 || gwErr.StatusCode == http.StatusTooManyRequests
		}
		return gwErr.Type.IsRetryable()
	}

	return isTimeout(err) || isNetworkError(err)
}

func isType(err error, t ErrorType) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type == t
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return isType(err, Validation) }

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return isType(err, NotFound) }

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool { return isType(err, Conflict) }

// IsRateLimitError checks if an error is rate limiting.
func IsRateLimitError(err error) bool { return isType(err, RateLimit) }

// IsUpstream checks if an error came from forwarding.
func IsUpstream(err error) bool { return isType(err, Upstream) }

// IsBackendAnswer reports whether err carries a backend response that
// should be relayed to the caller verbatim.
func IsBackendAnswer(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type == Upstream && gwErr.StatusCode != 0 && gwErr.Body != nil
	}
	return false
}

// GetStatusCode returns the HTTP status an error maps to, 500 for
// uncategorized errors and 0 for nil.
func GetStatusCode(err error) int {
	if err == nil {
		return 0
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type
	}
	return Internal
}
