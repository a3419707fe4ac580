package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eshop/gateway/internal/circuitbreaker"
	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/logging"
	grpcbridge "github.com/eshop/gateway/internal/proxy/protocol/grpc"
	"github.com/eshop/gateway/internal/router"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	config      *config.Config
	startTime   time.Time
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		config:    cfg,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Run serves until ctx is canceled or a listener fails, then shuts down
// gracefully. Listen errors are returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.gateway.Close()
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		if adminLn, err = net.Listen("tcp", s.adminServer.Addr); err != nil {
			ln.Close()
			s.gateway.Close()
			return fmt.Errorf("listen %s: %w", s.adminServer.Addr, err)
		}
	}
	return s.Serve(ctx, ln, adminLn)
}

// Serve runs the servers on the given listeners. adminLn may be nil.
func (s *Server) Serve(ctx context.Context, ln, adminLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Starting gateway server", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if s.adminServer != nil && adminLn != nil {
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("address", adminLn.Addr().String()))
			if err := s.adminServer.Serve(adminLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	if s.config.GRPC.ConnectOnStart {
		go func() {
			if err := s.gateway.WarmUp(gctx); err != nil {
				logging.Warn("gRPC warm-up incomplete; readiness will report affected routes", zap.Error(err))
			}
		}()
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(s.config.Server.ShutdownTimeout)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Gateway server shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		errs = append(errs, err)
	}

	logging.Info("Server shutdown complete")
	return stderrors.Join(errs...)
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// AdminHandler creates the admin API handler
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/circuit-breakers", s.handleCircuitBreakers)
	mux.Handle("/metrics", s.gateway.Metrics().Handler())

	return mux
}

// handleHealth reports liveness only; dependencies are checked by readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"routes": len(s.gateway.Registry().Routes()),
		"rpc":    s.gateway.Conns().States(),
	}

	status := http.StatusOK
	if err := s.gateway.Ready(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		response["status"] = "not_ready"
		response["reason"] = err.Error()
	} else {
		response["status"] = "ready"
	}
	writeJSON(w, status, response)
}

type routeInfo struct {
	*router.Route
	CircuitBreaker *circuitbreaker.BreakerSnapshot `json:"circuit_breaker,omitempty"`
	Connection     *grpcbridge.ConnState           `json:"connection,omitempty"`
}

// handleRoutes lists the route table with breaker and connection state.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	snapshots := s.gateway.Breakers().Snapshots()
	conns := make(map[string]grpcbridge.ConnState)
	for _, c := range s.gateway.Conns().States() {
		conns[c.RouteID] = c
	}

	routes := s.gateway.Registry().Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		info := routeInfo{Route: route}
		if snap, ok := snapshots[route.ID]; ok {
			info.CircuitBreaker = &snap
		}
		if c, ok := conns[route.ID]; ok {
			info.Connection = &c
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Breakers().Snapshots())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
