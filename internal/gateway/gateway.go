// Package gateway wires the storefront edge: route registry, identity
// verification, reverse proxy, REST to gRPC bridge, and the ambient
// middleware around them.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/circuitbreaker"
	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/metrics"
	"github.com/eshop/gateway/internal/middleware"
	"github.com/eshop/gateway/internal/middleware/cors"
	"github.com/eshop/gateway/internal/middleware/extauth"
	"github.com/eshop/gateway/internal/middleware/ratelimit"
	"github.com/eshop/gateway/internal/proxy"
	grpcbridge "github.com/eshop/gateway/internal/proxy/protocol/grpc"
	"github.com/eshop/gateway/internal/router"
	"github.com/eshop/gateway/internal/tracing"
)

const rootBanner = "API Gateway is running"

// Gateway is the main API gateway
type Gateway struct {
	config      *config.Config
	registry    *router.Registry
	verifier    *extauth.Verifier
	proxy       *proxy.Proxy
	bridge      *grpcbridge.Bridge
	conns       *grpcbridge.ConnPool
	breakers    *circuitbreaker.BreakerByRoute
	metrics     *metrics.Collector
	tracer      *tracing.Tracer
	cors        *cors.Handler
	redisClient *redis.Client
	pipeline    *Pipeline
	handler     http.Handler
}

// New creates a new gateway. Client connections are created here and
// shared by all requests; nothing is dialed until first use or WarmUp.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		metrics: metrics.NewCollector(),
		cors:    cors.New(cfg.CORS),
	}
	g.breakers = circuitbreaker.NewBreakerByRoute(g.metrics)

	var err error
	if g.registry, err = router.New(cfg.Routes); err != nil {
		return nil, fmt.Errorf("failed to build route registry: %w", err)
	}
	for _, route := range g.registry.Routes() {
		if route.CircuitBreaker.Enabled {
			g.breakers.AddRoute(route.ID, route.CircuitBreaker)
		}
	}

	if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := g.initAuth(); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	g.proxy = proxy.New(proxy.Config{
		TransportPool:  proxy.NewTransportPool(),
		Breakers:       g.breakers,
		IdentityHeader: cfg.Auth.IdentityHeader,
	})

	if g.conns, err = grpcbridge.NewConnPool(g.registry.Routes()); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to create gRPC connections: %w", err)
	}
	g.bridge, err = grpcbridge.New(grpcbridge.Config{
		GRPC:           cfg.GRPC,
		Conns:          g.conns,
		Breakers:       g.breakers,
		Metrics:        g.metrics,
		IdentityHeader: cfg.Auth.IdentityHeader,
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize protocol bridge: %w", err)
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.Mode == ratelimit.ModeDistributed {
		g.redisClient = ratelimit.NewRedisClient(cfg.RateLimit.Redis)
	}

	pc := PipelineConfig{
		Registry:       g.registry,
		Proxy:          g.proxy,
		Bridge:         g.bridge,
		Tracer:         g.tracer,
		Metrics:        g.metrics,
		IdentityHeader: cfg.Auth.IdentityHeader,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if g.verifier != nil {
		pc.Verifier = g.verifier
	}
	if g.pipeline, err = NewPipeline(pc); err != nil {
		g.Close()
		return nil, err
	}

	g.handler = g.buildHandler()

	logging.Info("Gateway initialized",
		zap.Int("routes", len(g.registry.Routes())),
		zap.Bool("tracing", g.tracer.IsEnabled()),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
	)
	return g, nil
}

// initAuth creates the verifier when any route needs it.
func (g *Gateway) initAuth() error {
	needed := false
	for _, route := range g.registry.Routes() {
		if route.RequiresAuth {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	v, err := extauth.New(g.config.Auth, extauth.WithMetrics(g.metrics))
	if err != nil {
		return err
	}
	g.verifier = v
	return nil
}

// Handler returns the public handler with the middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) buildHandler() http.Handler {
	chain := middleware.NewBuilder().
		Use("request_id", middleware.RequestID()).
		Use("access_log", middleware.Logging()).
		Use("recovery", middleware.Recovery()).
		Use("tracing", g.tracer.Middleware()).
		Use("cors", g.cors.Middleware()).
		UseIf(g.config.RateLimit.Enabled, "rate_limit", ratelimit.New(g.config.RateLimit, g.redisClient, g.metrics))

	logging.Debug("Middleware chain built", zap.Strings("layers", chain.Names()))
	return chain.Handler(http.HandlerFunc(g.serveHTTP))
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		if _, owned := g.registry.Resolve("/"); !owned {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(rootBanner))
			return
		}
	}
	g.pipeline.ServeHTTP(w, r)
}

// WarmUp connects the RPC upstreams and waits for them to be ready.
func (g *Gateway) WarmUp(ctx context.Context) error {
	timeout := g.config.GRPC.WarmupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return g.conns.WarmUp(ctx, timeout)
}

// Ready reports whether shared dependencies can serve traffic.
func (g *Gateway) Ready(ctx context.Context) error {
	if err := g.conns.Ready(); err != nil {
		return err
	}
	if g.redisClient != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := g.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unavailable: %w", err)
		}
	}
	return nil
}

// Close closes the gateway and releases resources
func (g *Gateway) Close() error {
	var errs []error
	if g.conns != nil {
		if err := g.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("grpc connections: %w", err))
		}
	}
	if g.proxy != nil {
		g.proxy.TransportPool().CloseIdleConnections()
	}
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if g.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.tracer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return stderrors.Join(errs...)
}

// Registry returns the route registry
func (g *Gateway) Registry() *router.Registry {
	return g.registry
}

// Breakers returns the per-route circuit breakers
func (g *Gateway) Breakers() *circuitbreaker.BreakerByRoute {
	return g.breakers
}

// Conns returns the gRPC connection pool
func (g *Gateway) Conns() *grpcbridge.ConnPool {
	return g.conns
}

// Metrics returns the metrics collector
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Pipeline returns the request pipeline
func (g *Gateway) Pipeline() *Pipeline {
	return g.pipeline
}
