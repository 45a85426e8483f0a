package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-call/pkg/core"
)

const (
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeConflict       = "conflict_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeUnavailable    = "unavailable_error"
	TypeAPI            = "api_error"
)

// Error is the body of every JSON error response.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return &Error{
			Type:      string(coreErr.Type),
			Message:   coreErr.Message,
			Code:      coreErr.Code,
			RequestID: requestID,
		}, statusFromType(coreErr.Type)
	}

	// Unknown errors: do not leak details.
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return 529
	case core.ErrTimeout:
		return http.StatusGatewayTimeout
	case core.ErrNetwork, core.ErrTransport, core.ErrInvalidResponse, core.ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write sends e as a JSON envelope with status.
func Write(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}
