// Package proxyerr implements the error taxonomy of the video proxy: a
// small set of named failure kinds, each with a fixed HTTP status, so every
// handler maps errors to responses the same way instead of re-deriving a
// status code and a JSON shape at each call site.
package proxyerr

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind identifies one of the error categories from the error handling
// design: malformed client input, an unsatisfiable range, upstream
// failures, or anything else.
type Kind string

const (
	// MalformedRange means the client Range header failed to parse.
	MalformedRange Kind = "malformed_range"
	// RangeUnsatisfiable means Content-Length is zero or start >= total.
	RangeUnsatisfiable Kind = "range_unsatisfiable"
	// UpstreamError means the origin or CDN returned an unexpected status.
	UpstreamError Kind = "upstream_error"
	// UpstreamTimeout means a connect or read to the origin/CDN timed out.
	UpstreamTimeout Kind = "upstream_timeout"
	// ClientAborted means the client disconnected mid-response. It is never
	// written to the client: the engine cleans up silently.
	ClientAborted Kind = "client_aborted"
	// InternalError is the catch-all for anything else.
	InternalError Kind = "internal_error"
)

// statusFor maps each Kind to the HTTP status from §7 of the spec.
var statusFor = map[Kind]int{
	MalformedRange:     http.StatusBadRequest,
	RangeUnsatisfiable: http.StatusRequestedRangeNotSatisfiable,
	UpstreamError:      http.StatusBadGateway,
	UpstreamTimeout:    http.StatusGatewayTimeout,
	ClientAborted:      0,
	InternalError:      http.StatusInternalServerError,
}

// Error is the proxy's error type. It always carries a Kind and a stable
// RequestID so operators can correlate a client-visible error with the
// corresponding log line.
type Error struct {
	Kind      Kind
	Status    int
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a fresh request ID.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Status:    statusFor[kind],
		Message:   message,
		RequestID: uuid.NewString(),
		Cause:     cause,
	}
}

// Wrap is New with fmt.Sprintf-style formatting for the message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

// body is the wire shape written for both 4xx/5xx error kinds. InternalError
// additionally carries "message"; the rest only carry "error" per §7's
// table ({error, requestId} vs {error, message, requestId}).
type body struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId"`
}

// JSON renders the wire body for this error.
func (e *Error) JSON() []byte {
	b := body{Error: string(e.Kind), RequestID: e.RequestID}
	if e.Kind == InternalError {
		b.Message = e.Message
	}
	out, err := json.Marshal(b)
	if err != nil {
		// json.Marshal on this fixed shape cannot fail; fall back just in case.
		return []byte(`{"error":"internal_error"}`)
	}
	return out
}
