// Package grpc bridges REST calls onto unary gRPC procedures of the product
// and inventory services.
package grpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/eshop/gateway/internal/circuitbreaker"
	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/metrics"
	"github.com/eshop/gateway/internal/router"
	"github.com/eshop/gateway/internal/tracing"
	"github.com/eshop/gateway/internal/variables"
)

const maskedRPCMessage = "upstream rpc unavailable"

// Config holds bridge dependencies.
type Config struct {
	GRPC           config.GRPCConfig
	Conns          ConnSource
	Breakers       *circuitbreaker.BreakerByRoute
	Metrics        *metrics.Collector
	IdentityHeader string
	Specs          []RpcCallSpec // defaults to DefaultSpecs()
	DefaultTimeout time.Duration
}

type boundSpec struct {
	RpcCallSpec
	method protoreflect.MethodDescriptor
}

// Bridge translates REST requests into unary RPCs.
type Bridge struct {
	tree           *httprouter.Router
	conns          ConnSource
	breakers       *circuitbreaker.BreakerByRoute
	metrics        *metrics.Collector
	invoker        *invoker
	identityHeader string
	maxBody        int64
	defaultTimeout time.Duration
}

// New builds a bridge. Every spec must resolve to a unary method in the
// registered descriptors.
func New(cfg Config) (*Bridge, error) {
	descs, err := newDescriptorRegistry(cfg.GRPC.DescriptorSet)
	if err != nil {
		return nil, err
	}

	specs := cfg.Specs
	if specs == nil {
		specs = DefaultSpecs()
	}

	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.HandleMethodNotAllowed = false

	for _, spec := range specs {
		md, err := descs.findMethod(spec.Service, spec.Procedure)
		if err != nil {
			return nil, fmt.Errorf("rpc spec %s: %w", spec, err)
		}
		if err := register(tree, &boundSpec{RpcCallSpec: spec, method: md}); err != nil {
			return nil, err
		}
	}

	b := &Bridge{
		tree:           tree,
		conns:          cfg.Conns,
		breakers:       cfg.Breakers,
		metrics:        cfg.Metrics,
		invoker:        newInvoker(),
		identityHeader: strings.ToLower(cfg.IdentityHeader),
		maxBody:        cfg.GRPC.MaxBodyBytes,
		defaultTimeout: cfg.DefaultTimeout,
	}
	if b.identityHeader == "" {
		b.identityHeader = "x-user-id"
	}
	if b.maxBody <= 0 {
		b.maxBody = 50 << 20
	}
	if b.defaultTimeout <= 0 {
		b.defaultTimeout = 30 * time.Second
	}
	return b, nil
}

// register adds spec to tree, turning httprouter's conflict panics into errors.
func register(tree *httprouter.Router, spec *boundSpec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc spec %s: %v", spec, r)
		}
	}()
	tree.Handle(spec.Method, spec.Path, func(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
		if cw, ok := w.(*captureWriter); ok {
			cw.spec = spec
			cw.params = ps
		}
	})
	return nil
}

// captureWriter is a no-op ResponseWriter used to extract the matched spec
// from httprouter without writing a response.
type captureWriter struct {
	spec   *boundSpec
	params httprouter.Params
}

func (cw *captureWriter) Header() http.Header       { return nil }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

func (b *Bridge) match(method, path string) (*boundSpec, httprouter.Params) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	handle, ps, _ := b.tree.Lookup(method, path)
	if handle == nil {
		return nil, nil
	}
	cw := &captureWriter{}
	handle(cw, nil, ps)
	return cw.spec, cw.params
}

// ServeHTTP serves the bridge on its own, without auth or a route breaker.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := b.Handle(w, r, nil, ""); err != nil {
		ge, ok := errors.IsGatewayError(err)
		if !ok {
			ge = errors.ErrInternalServer
		}
		ge.WithRequestID(variables.GetFromRequest(r).RequestID).WriteJSON(w)
	}
}

// Handle performs the call matched by r's method and path. route, when set,
// limits the services reachable and selects the breaker and timeout; subject
// is sent as the identity metadata. A non-nil error is a *errors.GatewayError
// and means nothing has been written to w.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request, route *router.Route, subject string) error {
	spec, params := b.match(r.Method, r.URL.Path)
	if spec == nil {
		return errors.ErrNotFound
	}
	if route != nil && !slices.Contains(route.Services, spec.Service) {
		return errors.ErrNotFound
	}

	var body []byte
	if spec.readsBody() {
		var err error
		if body, err = b.readBody(w, r); err != nil {
			return err
		}
	}

	reqJSON, err := buildRequestJSON(&spec.RpcCallSpec, params, r, body)
	if err != nil {
		return badRequest(err)
	}

	conn, ok := b.conns.Conn(spec.Service)
	if !ok {
		return errors.ErrInternalServer.WithCause(fmt.Errorf("no connection for service %s", spec.Service))
	}

	var done func(error)
	if route != nil && b.breakers != nil {
		if cb := b.breakers.GetBreaker(route.ID); cb != nil {
			if done, err = cb.Allow(); err != nil {
				return errors.ErrBadGateway.WithCause(err)
			}
		}
	}

	timeout := b.defaultTimeout
	if route != nil && route.Timeout > 0 {
		timeout = route.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	vars := variables.GetFromRequest(r)
	md := metadata.MD{}
	if subject != "" {
		md.Set(b.identityHeader, subject)
	}
	if vars.RequestID != "" {
		md.Set("x-request-id", vars.RequestID)
	}
	tracing.InjectMetadata(ctx, md)
	ctx = metadata.NewOutgoingContext(ctx, md)

	respJSON, err := b.invoker.invokeUnary(ctx, conn, spec.method, reqJSON)

	var invalid *errInvalidMessage
	if stderrors.As(err, &invalid) {
		if done != nil {
			done(nil)
		}
		return badRequest(err)
	}

	if ge, ok := errors.IsGatewayError(err); ok {
		// The upstream answered OK; only rendering its reply failed.
		if done != nil {
			done(nil)
		}
		if b.metrics != nil {
			b.metrics.RecordRPC(spec.FullMethod(), codes.OK.String())
		}
		logging.Warn("RPC response not renderable",
			zap.String("procedure", spec.FullMethod()),
			zap.Error(ge.Unwrap()),
		)
		return ge
	}

	code := status.Code(err)
	if done != nil {
		if r.Context().Err() == nil && (code == codes.Unavailable || code == codes.DeadlineExceeded) {
			done(err)
		} else {
			done(nil)
		}
	}
	if b.metrics != nil {
		b.metrics.RecordRPC(spec.FullMethod(), code.String())
	}
	if err != nil {
		logging.Debug("RPC call failed",
			zap.String("procedure", spec.FullMethod()),
			zap.String("code", code.String()),
			zap.Error(err),
		)
		return rpcFault(err)
	}

	vars.UpstreamStatus = http.StatusOK
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(respJSON)
	return nil
}

// readBody reads the request body up to the configured ceiling. A declared
// length over the ceiling fails before anything is read.
func (b *Bridge) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > b.maxBody {
		return nil, errors.ErrRequestEntityTooLarge
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			return nil, errors.ErrRequestEntityTooLarge
		}
		return nil, errors.ErrBadRequest.WithCause(err)
	}
	return body, nil
}

func badRequest(err error) *errors.GatewayError {
	var ib *errInvalidBody
	if stderrors.As(err, &ib) {
		return errors.ErrBadRequest.WithDetails(ib.reason).WithCause(err)
	}
	return errors.ErrBadRequest.WithCause(err)
}

// rpcFault renders an RPC error as a 500 carrying the status message.
// Transport-level codes are masked since their messages name upstream hosts.
func rpcFault(err error) *errors.GatewayError {
	st := status.Convert(err)
	msg := st.Message()
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		msg = maskedRPCMessage
	}
	if msg == "" {
		msg = "Internal Server Error"
	}
	return errors.New(http.StatusInternalServerError, msg).
		WithKind(errors.KindRPCFault).
		WithCause(err)
}
