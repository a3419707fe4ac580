package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/metadata"

	"github.com/eshop/gateway/internal/config"
)

const incomingTrace = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := newWithExporter(config.TracingConfig{Enabled: true, ServiceName: "test-gateway"}, exp)
	if err != nil {
		t.Fatalf("newWithExporter: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, exp
}

func TestTracerMiddlewareRecordsSpan(t *testing.T) {
	tr, exp := newTestTracer(t)

	var outgoing http.Header
	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outgoing = http.Header{}
		InjectHeaders(r.Context(), outgoing)
		w.WriteHeader(http.StatusBadGateway)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/products", nil))

	if rr.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID response header")
	}
	if tp := outgoing.Get("traceparent"); len(tp) != 55 {
		t.Errorf("traceparent = %q, want 55 chars", tp)
	}

	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /products" {
		t.Errorf("span name = %q, want GET /products", spans[0].Name)
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Errorf("span status = %v, want Error for 502", spans[0].Status.Code)
	}
}

func TestTracerMiddlewareContinuesIncomingTrace(t *testing.T) {
	tr, _ := newTestTracer(t)

	var outgoing http.Header
	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outgoing = http.Header{}
		InjectHeaders(r.Context(), outgoing)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", incomingTrace)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(outgoing.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("trace ID not continued: %q", outgoing.Get("traceparent"))
	}
}

func TestTracerDisabledForwardsIncomingTrace(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.IsEnabled() {
		t.Fatal("tracer should be disabled")
	}

	var outgoing http.Header
	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outgoing = http.Header{}
		InjectHeaders(r.Context(), outgoing)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", incomingTrace)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if outgoing.Get("traceparent") != incomingTrace {
		t.Errorf("traceparent = %q, want %q", outgoing.Get("traceparent"), incomingTrace)
	}
	if rr.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
}

func TestTracerDisabledWithoutIncomingTrace(t *testing.T) {
	tr, _ := New(config.TracingConfig{})

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := http.Header{}
		InjectHeaders(r.Context(), h)
		if h.Get("traceparent") != "" {
			t.Error("disabled tracer should not create trace context")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestInjectMetadata(t *testing.T) {
	tr, _ := newTestTracer(t)

	ctx, span := tr.StartSpan(context.Background(), "rpc")
	defer span.End()

	md := metadata.MD{}
	InjectMetadata(ctx, md)

	if got := md.Get("traceparent"); len(got) != 1 || len(got[0]) != 55 {
		t.Errorf("traceparent metadata = %v", got)
	}
}

func TestStartSpanNilTracer(t *testing.T) {
	var tr *Tracer
	ctx := context.Background()
	got, span := tr.StartSpan(ctx, "noop")
	span.End()
	if got != ctx {
		t.Error("nil tracer should return the input context")
	}
}
