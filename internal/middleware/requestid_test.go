package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		if r.Header.Get("X-Request-ID") != seen {
			t.Error("request header should carry the request ID")
		}
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if seen == "" {
		t.Fatal("request ID should be set in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated ID %q is not a UUID: %v", seen, err)
	}
	if rr.Header().Get("X-Request-ID") != seen {
		t.Errorf("response X-Request-ID = %q, want %q", rr.Header().Get("X-Request-ID"), seen)
	}
}

func TestRequestIDTrusted(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "existing-request-id")
	RequestID()(handler).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "existing-request-id" {
		t.Errorf("request ID = %q, want existing-request-id", seen)
	}
}

func TestRequestIDUntrusted(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	})

	mw := RequestIDWithConfig(RequestIDConfig{
		TrustHeader: false,
		Generator:   func() string { return "generated" },
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "generated" {
		t.Errorf("request ID = %q, want generated", seen)
	}
}

func TestRequestIDOversizedHeaderReplaced(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 500))
	RequestID()(handler).ServeHTTP(httptest.NewRecorder(), req)

	if len(seen) > maxTrustedIDLen {
		t.Errorf("oversized request ID was trusted (len %d)", len(seen))
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest("GET", "/", nil)); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}
