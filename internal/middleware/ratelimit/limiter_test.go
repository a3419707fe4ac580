package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLocalLimiterAllow(t *testing.T) {
	l := NewLocalLimiter(config.RateLimitConfig{Rate: 1, Period: time.Hour, Burst: 3}, nil)

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := l.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 2 - i; remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, remaining, reset := l.Allow("10.0.0.1")
	if allowed {
		t.Error("4th request should be rejected")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if !reset.After(time.Now()) {
		t.Error("reset should be in the future when rejected")
	}
}

func TestLocalLimiterPerClient(t *testing.T) {
	l := NewLocalLimiter(config.RateLimitConfig{Rate: 1, Period: time.Hour, Burst: 1}, nil)

	if ok, _, _ := l.Allow("10.0.0.1"); !ok {
		t.Fatal("first client should be allowed")
	}
	if ok, _, _ := l.Allow("10.0.0.2"); !ok {
		t.Error("second client has its own bucket")
	}
	if ok, _, _ := l.Allow("10.0.0.1"); ok {
		t.Error("first client should be exhausted")
	}
}

func TestLocalLimiterBoundsTrackedClients(t *testing.T) {
	l := NewLocalLimiter(config.RateLimitConfig{Rate: 10, Period: time.Second, MaxKeys: 2}, nil)
	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want 2", l.Len())
	}
}

func TestLocalLimiterMiddleware(t *testing.T) {
	m := metrics.NewCollector()
	l := NewLocalLimiter(config.RateLimitConfig{Rate: 1, Period: time.Hour, Burst: 1}, m)
	handler := l.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/products", nil)
	req.RemoteAddr = "192.0.2.10:5555"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set on rejection")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["code"] != float64(429) {
		t.Errorf("code = %v, want 429", body["code"])
	}
	n, err := testutil.GatherAndCount(m.Registry(), "gateway_rate_limited_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Errorf("rate limited series = %d, want 1", n)
	}
}

func TestNewSelectsLocalWithoutClient(t *testing.T) {
	mw := New(config.RateLimitConfig{Mode: ModeDistributed, Rate: 1, Period: time.Hour, Burst: 1}, nil, nil)
	handler := mw(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 from the local fallback", rr.Code)
	}
}
