package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for logs and metrics. It is never serialized to
// clients; the three auth kinds all surface as the same 401 body.
type Kind string

const (
	KindNone                Kind = ""
	KindRouteNotFound       Kind = "route_not_found"
	KindUnauthenticated     Kind = "unauthenticated"
	KindInvalidToken        Kind = "invalid_token"
	KindVerificationFailed  Kind = "verification_failed"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindRPCFault            Kind = "rpc_fault"
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindBadRequest          Kind = "bad_request"
	KindRateLimited         Kind = "rate_limited"
	KindInternalFault       Kind = "internal_fault"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	kind       Kind
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Kind returns the failure classification.
func (e *GatewayError) Kind() Kind {
	return e.kind
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
		kind:    KindRouteNotFound,
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
		kind:    KindRateLimited,
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		kind:    KindUpstreamUnreachable,
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
		kind:    KindBadRequest,
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		kind:    KindInternalFault,
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
		kind:    KindPayloadTooLarge,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrTooManyRequests, ErrBadGateway,
		ErrBadRequest, ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithKind returns a copy classified as k.
func (e *GatewayError) WithKind(k Kind) *GatewayError {
	c := e.clone()
	c.kind = k
	return c
}

// WithCause returns a copy wrapping err. The cause is logged, never written.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

func (e *GatewayError) clone() *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		kind:       e.kind,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is, or wraps, a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternalFault for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if ge, ok := IsGatewayError(err); ok {
		return ge.kind
	}
	return KindInternalFault
}
