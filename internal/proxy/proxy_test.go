package proxy

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eshop/gateway/internal/circuitbreaker"
	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/router"
)

func newRoute(t *testing.T, rc config.RouteConfig) *router.Route {
	t.Helper()
	if rc.Protocol == "" {
		rc.Protocol = config.ProtocolREST
	}
	reg, err := router.New([]config.RouteConfig{rc})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return reg.Get(rc.ID)
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestProxyForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "cart")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"method": r.Method,
			"host":   r.Host,
			"body":   string(body),
		})
	}))
	defer backend.Close()

	route := newRoute(t, config.RouteConfig{ID: "cart", Prefix: "/cart", Target: backend.URL})
	p := New(Config{})

	req := httptest.NewRequest("POST", "/cart/items?sku=42", strings.NewReader(`{"qty":2}`))
	rr := httptest.NewRecorder()
	if err := p.Forward(rr, req, route, ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rr.Code)
	}
	if rr.Header().Get("X-Upstream") != "cart" {
		t.Error("upstream response headers should be copied")
	}

	var got map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["path"] != "/cart/items" {
		t.Errorf("path = %q, want /cart/items", got["path"])
	}
	if got["query"] != "sku=42" {
		t.Errorf("query = %q, want sku=42", got["query"])
	}
	if got["body"] != `{"qty":2}` {
		t.Errorf("body = %q", got["body"])
	}
	if got["host"] != strings.TrimPrefix(backend.URL, "http://") {
		t.Errorf("host = %q, want backend host", got["host"])
	}
}

func TestProxyRewrite(t *testing.T) {
	tests := []struct {
		name    string
		rewrite config.RewriteConfig
		prefix  string
		path    string
		want    string
	}{
		{"strip and prefix", config.RewriteConfig{StripPrefix: true, Prefix: "/api/v1"}, "/order", "/order/orders", "/api/v1/orders"},
		{"strip only", config.RewriteConfig{StripPrefix: true}, "/payment", "/payment/payments", "/payments"},
		{"no rewrite", config.RewriteConfig{}, "/cart", "/cart/items", "/cart/items"},
		{"strip to root", config.RewriteConfig{StripPrefix: true}, "/payment", "/payment", "/"},
		{"encoded slash kept", config.RewriteConfig{StripPrefix: true, Prefix: "/api/v1"}, "/order", "/order/files/a%2Fb", "/api/v1/files/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.EscapedPath()
			}))
			defer backend.Close()

			route := newRoute(t, config.RouteConfig{ID: "r", Prefix: tt.prefix, Target: backend.URL, Rewrite: tt.rewrite})
			if err := New(Config{}).Forward(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil), route, ""); err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if gotPath != tt.want {
				t.Errorf("upstream path = %q, want %q", gotPath, tt.want)
			}
		})
	}
}

func TestProxyHeaders(t *testing.T) {
	var received http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
	}))
	defer backend.Close()

	route := newRoute(t, config.RouteConfig{ID: "orders", Prefix: "/order", Target: backend.URL})
	p := New(Config{IdentityHeader: "X-User-Id"})

	req := httptest.NewRequest("GET", "/order/orders", nil)
	req.Host = "shop.example.com"
	req.RemoteAddr = "198.51.100.7:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "drop-me")
	req.Header.Set("X-User-Id", "forged")
	req.Header.Set("X-Request-ID", "req-9")

	if err := p.Forward(httptest.NewRecorder(), req, route, "user-123"); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got := received.Get("X-Forwarded-For"); got != "203.0.113.1, 198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := received.Get("X-Forwarded-Host"); got != "shop.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if got := received.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if received.Get("X-Hop") != "" {
		t.Error("headers named in Connection should be removed")
	}
	if got := received.Values("X-User-Id"); len(got) != 1 || got[0] != "user-123" {
		t.Errorf("X-User-Id = %v, want [user-123]", got)
	}
	if got := received.Get("X-Request-ID"); got != "req-9" {
		t.Errorf("X-Request-ID = %q, want req-9", got)
	}
}

func TestProxyNoSubjectNoIdentityHeader(t *testing.T) {
	var received http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
	}))
	defer backend.Close()

	route := newRoute(t, config.RouteConfig{ID: "cart", Prefix: "/cart", Target: backend.URL})
	req := httptest.NewRequest("GET", "/cart", nil)
	req.Header.Set("X-User-Id", "forged")

	if err := New(Config{}).Forward(httptest.NewRecorder(), req, route, ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, ok := received["X-User-Id"]; ok {
		t.Errorf("X-User-Id should be absent, got %v", received.Values("X-User-Id"))
	}
}

func TestProxyUpstreamStatusPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"maintenance"}`))
	}))
	defer backend.Close()

	route := newRoute(t, config.RouteConfig{ID: "cart", Prefix: "/cart", Target: backend.URL})
	rr := httptest.NewRecorder()
	if err := New(Config{}).Forward(rr, httptest.NewRequest("GET", "/cart", nil), route, ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if rr.Body.String() != `{"error":"maintenance"}` {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	addr := closedAddr(t)
	route := newRoute(t, config.RouteConfig{ID: "order", Prefix: "/order", Target: "http://" + addr})

	rr := httptest.NewRecorder()
	err := New(Config{}).Forward(rr, httptest.NewRequest("GET", "/order/orders", nil), route, "")

	gwErr, ok := errors.IsGatewayError(err)
	if !ok {
		t.Fatalf("error = %v, want GatewayError", err)
	}
	if gwErr.Code != http.StatusBadGateway {
		t.Errorf("Code = %d, want 502", gwErr.Code)
	}
	if gwErr.Kind() != errors.KindUpstreamUnreachable {
		t.Errorf("Kind = %s, want upstream_unreachable", gwErr.Kind())
	}
	if strings.Contains(gwErr.Message+gwErr.Details, addr) {
		t.Error("client-facing fields must not contain the upstream address")
	}
	if rr.Body.Len() != 0 {
		t.Error("Forward should not write on failure")
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	route := newRoute(t, config.RouteConfig{ID: "slow", Prefix: "/slow", Target: backend.URL, Timeout: 50 * time.Millisecond})

	start := time.Now()
	err := New(Config{}).Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil), route, "")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Forward took %v, route timeout not applied", elapsed)
	}

	if got := errors.KindOf(err); got != errors.KindUpstreamTimeout {
		t.Errorf("Kind = %s, want upstream_timeout", got)
	}
	if gwErr, _ := errors.IsGatewayError(err); gwErr == nil || gwErr.Code != http.StatusBadGateway {
		t.Errorf("error = %v, want 502", err)
	}
}

func TestProxyCircuitBreakerOpens(t *testing.T) {
	addr := closedAddr(t)
	breakers := circuitbreaker.NewBreakerByRoute(nil)
	breakers.AddRoute("order", config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute})

	route := newRoute(t, config.RouteConfig{ID: "order", Prefix: "/order", Target: "http://" + addr})
	p := New(Config{Breakers: breakers})

	for i := 0; i < 2; i++ {
		p.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/order", nil), route, "")
	}
	if breakers.GetBreaker("order").State() != circuitbreaker.StateOpen {
		t.Fatal("breaker should be open after consecutive transport failures")
	}

	err := p.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/order", nil), route, "")
	if !stderrors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("error = %v, want wrapped ErrOpen", err)
	}
	if errors.KindOf(err) != errors.KindUpstreamUnreachable {
		t.Errorf("Kind = %s, want upstream_unreachable", errors.KindOf(err))
	}
}

func TestProxyUpstream5xxDoesNotTripBreaker(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	breakers := circuitbreaker.NewBreakerByRoute(nil)
	breakers.AddRoute("cart", config.CircuitBreakerConfig{FailureThreshold: 1})
	route := newRoute(t, config.RouteConfig{ID: "cart", Prefix: "/cart", Target: backend.URL})
	p := New(Config{Breakers: breakers})

	for i := 0; i < 3; i++ {
		if err := p.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/cart", nil), route, ""); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}
	if breakers.GetBreaker("cart").State() != circuitbreaker.StateClosed {
		t.Error("upstream 5xx responses should not trip the breaker")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/api/", "/x", "/api/x"},
		{"/api", "x", "/api/x"},
		{"/api", "/x", "/api/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
