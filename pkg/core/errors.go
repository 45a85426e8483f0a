package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the canonical error returned by provider adapters and the
// transport boundary.
type Error struct {
	Type         ErrorType `json:"type"`
	Message      string    `json:"message"`
	Code         string    `json:"code,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	RetryAfterMS *int      `json:"retry_after_ms,omitempty"`
	Underlying   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Type)
	if e.Provider != "" {
		prefix = e.Provider + ": " + prefix
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", prefix, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrRateLimit       ErrorType = "rate_limit_error"
	ErrOverloaded      ErrorType = "overloaded_error"
	ErrTimeout         ErrorType = "timeout_error"
	ErrNetwork         ErrorType = "network_error"
	ErrInvalidResponse ErrorType = "invalid_response_error"
	ErrAuthentication  ErrorType = "authentication_error"
	ErrInvalidRequest  ErrorType = "invalid_request_error"
	ErrTransport       ErrorType = "transport_error"
	ErrAPI             ErrorType = "api_error"
)

// IsRetryable returns true for transient provider conditions.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrTimeout, ErrNetwork:
		return true
	default:
		return false
	}
}

// RetryAfterHintMS returns the provider supplied retry-after hint, or 0.
func (e *Error) RetryAfterHintMS() int {
	if e == nil || e.RetryAfterMS == nil || *e.RetryAfterMS < 0 {
		return 0
	}
	return *e.RetryAfterMS
}

// NewRateLimitError creates a rate limit error. retryAfterMS <= 0 means no hint.
func NewRateLimitError(provider, message string, retryAfterMS int) *Error {
	e := &Error{Type: ErrRateLimit, Provider: provider, Message: message, StatusCode: 429}
	if retryAfterMS > 0 {
		e.RetryAfterMS = &retryAfterMS
	}
	return e
}

// NewInvalidResponseError creates a content/validation error.
func NewInvalidResponseError(provider, message string) *Error {
	return &Error{Type: ErrInvalidResponse, Provider: provider, Message: message}
}

// NewTransportError creates a playback/transport error.
func NewTransportError(message string, underlying error) *Error {
	return &Error{Type: ErrTransport, Message: message, Underlying: underlying}
}

// FromHTTPStatus maps an upstream HTTP status to a canonical error.
func FromHTTPStatus(provider string, status int, body string, retryAfterMS int) *Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("upstream status %d", status)
	}
	e := &Error{Provider: provider, Message: msg, StatusCode: status}
	switch {
	case status == 429:
		e.Type = ErrRateLimit
	case status == 401 || status == 403:
		e.Type = ErrAuthentication
	case status == 408 || status == 504:
		e.Type = ErrTimeout
	case status == 503 || status == 529:
		e.Type = ErrOverloaded
	case status >= 500:
		e.Type = ErrAPI
	case status >= 400:
		e.Type = ErrInvalidRequest
	default:
		e.Type = ErrInvalidResponse
	}
	if retryAfterMS > 0 {
		e.RetryAfterMS = &retryAfterMS
	}
	return e
}

// RetryAfterMS parses a Retry-After header value (delta seconds or HTTP date)
// relative to now. It returns 0 when absent or unparseable.
func RetryAfterMS(value string, now time.Time) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return int(secs * 1000)
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return int(d.Milliseconds())
		}
	}
	return 0
}

// Classify converts any error into a canonical *Error. Errors that are not
// already canonical are classified from their text.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrTimeout, Provider: provider, Message: "deadline exceeded", Underlying: err}
	}

	text := strings.ToLower(err.Error())
	e := &Error{Provider: provider, Message: err.Error(), Underlying: err}
	switch {
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429") || strings.Contains(text, "throttle"):
		e.Type = ErrRateLimit
	case strings.Contains(text, "capacity") || strings.Contains(text, "503") || strings.Contains(text, "overloaded"):
		e.Type = ErrOverloaded
	case strings.Contains(text, "timeout") || strings.Contains(text, "deadline"):
		e.Type = ErrTimeout
	case strings.Contains(text, "connection") || strings.Contains(text, "network"):
		e.Type = ErrNetwork
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "401") || strings.Contains(text, "auth"):
		e.Type = ErrAuthentication
	case strings.Contains(text, "config") || strings.Contains(text, "misconfigured"):
		e.Type = ErrInvalidRequest
	default:
		e.Type = ErrAPI
	}
	return e
}

// Category is a stable failure category carried on request-failed events and
// used to pick the spoken failure phrase.
type Category string

const (
	CategoryProviderExhausted    Category = "provider_exhausted"
	CategoryInvalidResponse      Category = "invalid_response"
	CategoryAuthFailed           Category = "auth_failed"
	CategoryMisconfigured        Category = "misconfigured"
	CategoryTransportUnavailable Category = "transport_unavailable"
	CategoryCanceled             Category = "canceled"
	CategoryUnknown              Category = "unknown"
)

// CategoryFor returns the terminal category for a non-retried failure.
func CategoryFor(e *Error) Category {
	if e == nil {
		return CategoryUnknown
	}
	switch e.Type {
	case ErrInvalidResponse:
		return CategoryInvalidResponse
	case ErrAuthentication:
		return CategoryAuthFailed
	case ErrInvalidRequest:
		return CategoryMisconfigured
	case ErrTransport:
		return CategoryTransportUnavailable
	case ErrRateLimit, ErrOverloaded, ErrTimeout, ErrNetwork:
		return CategoryProviderExhausted
	default:
		return CategoryUnknown
	}
}

// EndsCall reports whether a failure of this category terminates the call
// rather than only the current turn.
func (c Category) EndsCall() bool {
	switch c {
	case CategoryProviderExhausted, CategoryAuthFailed, CategoryMisconfigured:
		return true
	default:
		return false
	}
}
