package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	if e.Code != 502 {
		t.Errorf("Code = %d, want 502", e.Code)
	}
	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithKindDoesNotMutateSingleton(t *testing.T) {
	e := ErrUnauthorized.WithKind(KindInvalidToken)

	if e.Kind() != KindInvalidToken {
		t.Errorf("Kind() = %q, want %q", e.Kind(), KindInvalidToken)
	}
	if ErrUnauthorized.Kind() != KindNone {
		t.Errorf("singleton Kind() = %q, want empty", ErrUnauthorized.Kind())
	}
	if e.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", e.Code)
	}
}

func TestWithCausePreservesFields(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.7:5003: connect: connection refused")
	e := ErrBadGateway.WithKind(KindUpstreamTimeout).WithRequestID("req-1").WithCause(cause)

	if e.Kind() != KindUpstreamTimeout {
		t.Errorf("Kind() = %q, want %q", e.Kind(), KindUpstreamTimeout)
	}
	if e.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-1")
	}
	if !errors.Is(e, cause) {
		t.Error("WithCause should keep the cause reachable")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"foreign", fmt.Errorf("boom"), KindInternalFault},
		{"gateway", ErrNotFound, KindRouteNotFound},
		{"wrapped", fmt.Errorf("ctx: %w", ErrRequestEntityTooLarge), KindPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrTooManyRequests, ErrBadGateway,
		ErrBadRequest, ErrInternalServer, ErrRequestEntityTooLarge,
	}

	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if int(body["code"].(float64)) != e.Code {
				t.Errorf("body code = %v, want %d", body["code"], e.Code)
			}
			if body["message"] != e.Message {
				t.Errorf("body message = %v, want %q", body["message"], e.Message)
			}
		})
	}
}

func TestWriteJSON_NeverLeaksCause(t *testing.T) {
	e := ErrBadGateway.WithCause(fmt.Errorf("dial tcp payment-service:5003: no such host"))

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body) != 2 {
		t.Errorf("body = %v, want only code and message", body)
	}
}

func TestWriteJSON_WithDetails(t *testing.T) {
	e := ErrBadRequest.WithDetails("missing field 'name'").WithRequestID("req-abc")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["details"] != "missing field 'name'" {
		t.Errorf("body details = %v, want %q", body["details"], "missing field 'name'")
	}
	if body["request_id"] != "req-abc" {
		t.Errorf("body request_id = %v, want %q", body["request_id"], "req-abc")
	}
}

func TestIsGatewayError(t *testing.T) {
	if _, ok := IsGatewayError(fmt.Errorf("regular error")); ok {
		t.Error("IsGatewayError should return false for regular error")
	}
	if _, ok := IsGatewayError(nil); ok {
		t.Error("IsGatewayError should return false for nil")
	}
	ge, ok := IsGatewayError(fmt.Errorf("outer: %w", New(404, "Not Found")))
	if !ok || ge.Code != 404 {
		t.Errorf("IsGatewayError(wrapped) = %v, %v; want 404, true", ge, ok)
	}
}
