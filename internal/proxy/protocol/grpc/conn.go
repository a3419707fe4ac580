package grpc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/router"
)

// ConnSource hands out the long-lived client connection serving a service.
type ConnSource interface {
	Conn(service string) (grpc.ClientConnInterface, bool)
}

// ConnPool holds one client connection per RPC route, created once at
// startup and shared by every request.
type ConnPool struct {
	byService map[string]*grpc.ClientConn
	byRoute   map[string]*grpc.ClientConn
	targets   map[string]string // route ID -> target
}

// NewConnPool creates a client connection for every RPC route. Connections
// are lazy; nothing is dialed until the first call or WarmUp.
func NewConnPool(routes []*router.Route, opts ...grpc.DialOption) (*ConnPool, error) {
	p := &ConnPool{
		byService: make(map[string]*grpc.ClientConn),
		byRoute:   make(map[string]*grpc.ClientConn),
		targets:   make(map[string]string),
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	for _, route := range routes {
		if route.Protocol != router.ProtocolRPC {
			continue
		}
		conn, err := grpc.NewClient(route.Target, dialOpts...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("route %s: grpc client for %s: %w", route.ID, route.Target, err)
		}
		p.byRoute[route.ID] = conn
		p.targets[route.ID] = route.Target
		for _, svc := range route.Services {
			if _, dup := p.byService[svc]; dup {
				p.Close()
				return nil, fmt.Errorf("route %s: service %s is already served by another route", route.ID, svc)
			}
			p.byService[svc] = conn
		}
	}
	return p, nil
}

// Conn implements ConnSource.
func (p *ConnPool) Conn(service string) (grpc.ClientConnInterface, bool) {
	conn, ok := p.byService[service]
	if !ok {
		return nil, false
	}
	return conn, true
}

// WarmUp connects every route and waits for Ready, retrying with
// exponential backoff until timeout. Routes that fail are logged; the
// returned error names the first of them.
func (p *ConnPool) WarmUp(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g := new(errgroup.Group)
	for id, conn := range p.byRoute {
		g.Go(func() error {
			if err := waitReady(ctx, conn); err != nil {
				logging.Warn("gRPC warm-up failed",
					zap.String("route_id", id),
					zap.String("target", p.targets[id]),
					zap.Error(err),
				)
				return fmt.Errorf("route %s: %w", id, err)
			}
			logging.Info("gRPC upstream ready", zap.String("route_id", id))
			return nil
		})
	}
	return g.Wait()
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // bounded by ctx

	op := func() error {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return backoff.Permanent(fmt.Errorf("connection shut down"))
		case connectivity.Idle:
			conn.Connect()
		}
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		conn.WaitForStateChange(waitCtx, state)
		if conn.GetState() == connectivity.Ready {
			return nil
		}
		return fmt.Errorf("connection %s", conn.GetState())
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// ConnState is the admin view of one RPC route connection.
type ConnState struct {
	RouteID string `json:"route_id"`
	Target  string `json:"target"`
	State   string `json:"state"`
}

// States reports the connectivity state of every route, sorted by route ID.
func (p *ConnPool) States() []ConnState {
	out := make([]ConnState, 0, len(p.byRoute))
	for id, conn := range p.byRoute {
		out = append(out, ConnState{RouteID: id, Target: p.targets[id], State: conn.GetState().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Ready returns an error if any connection is in TransientFailure or Shutdown.
// Idle and Connecting count as ready; connections are lazy.
func (p *ConnPool) Ready() error {
	for _, s := range p.States() {
		if s.State == connectivity.TransientFailure.String() || s.State == connectivity.Shutdown.String() {
			return fmt.Errorf("rpc route %s is %s", s.RouteID, s.State)
		}
	}
	return nil
}

// Close closes all connections.
func (p *ConnPool) Close() error {
	var first error
	for _, conn := range p.byRoute {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
