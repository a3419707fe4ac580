package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/metrics"
	"github.com/eshop/gateway/internal/middleware/extauth"
	"github.com/eshop/gateway/internal/router"
	"github.com/eshop/gateway/internal/tracing"
	"github.com/eshop/gateway/internal/variables"
)

// State is the position of an exchange in its lifecycle. Exchanges only
// move forward: Received, Matched, Authenticated or Skipped, Dispatched,
// Responded. Rejected is terminal and reachable before Dispatched.
type State string

const (
	StateReceived      State = "received"
	StateMatched       State = "matched"
	StateAuthenticated State = "authenticated"
	StateSkipped       State = "skipped"
	StateDispatched    State = "dispatched"
	StateResponded     State = "responded"
	StateRejected      State = "rejected"
)

var transitions = map[State][]State{
	StateReceived:      {StateMatched, StateRejected},
	StateMatched:       {StateAuthenticated, StateSkipped, StateRejected},
	StateAuthenticated: {StateDispatched, StateRejected},
	StateSkipped:       {StateDispatched, StateRejected},
	StateDispatched:    {StateResponded},
}

// Outcome tells the pipeline whether to run the next stage.
type Outcome int

const (
	Continue Outcome = iota
	Respond
)

// Verifier resolves the subject owning an Authorization header value.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (extauth.Result, error)
}

// Forwarder reverse-proxies REST routes.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, route *router.Route, subject string) error
}

// Caller bridges RPC routes.
type Caller interface {
	Handle(w http.ResponseWriter, r *http.Request, route *router.Route, subject string) error
}

// Exchange is one request moving through the pipeline.
type Exchange struct {
	w       http.ResponseWriter
	r       *http.Request
	vars    *variables.Context
	route   *router.Route
	subject string
	state   State
	history []State
	err     *errors.GatewayError
}

// State returns the current state.
func (ex *Exchange) State() State { return ex.state }

// Route returns the matched route, or nil before Matched.
func (ex *Exchange) Route() *router.Route { return ex.route }

// Subject returns the verified subject, empty when the route is public.
func (ex *Exchange) Subject() string { return ex.subject }

func (ex *Exchange) advance(to State) {
	for _, allowed := range transitions[ex.state] {
		if allowed == to {
			ex.state = to
			ex.history = append(ex.history, to)
			ex.vars.State = string(to)
			return
		}
	}
	panic(fmt.Sprintf("gateway: illegal exchange transition %s -> %s", ex.state, to))
}

// reject ends the exchange before dispatch with err as the response.
func (ex *Exchange) reject(err *errors.GatewayError) Outcome {
	ex.err = err
	ex.advance(StateRejected)
	return Respond
}

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	Run  func(*Exchange) Outcome
}

// PipelineConfig holds pipeline dependencies.
type PipelineConfig struct {
	Registry       *router.Registry
	Verifier       Verifier
	Proxy          Forwarder
	Bridge         Caller
	Tracer         *tracing.Tracer
	Metrics        *metrics.Collector
	IdentityHeader string
	RequestTimeout time.Duration
}

// Pipeline routes, authenticates and dispatches requests.
type Pipeline struct {
	registry       *router.Registry
	verifier       Verifier
	proxy          Forwarder
	bridge         Caller
	tracer         *tracing.Tracer
	metrics        *metrics.Collector
	identityHeader string
	requestTimeout time.Duration
	stages         []Stage
}

// NewPipeline builds the standard stage order.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gateway: pipeline needs a registry")
	}
	if cfg.Verifier == nil {
		for _, route := range cfg.Registry.Routes() {
			if route.RequiresAuth {
				return nil, fmt.Errorf("gateway: route %s requires auth but no verifier is configured", route.ID)
			}
		}
	}

	p := &Pipeline{
		registry:       cfg.Registry,
		verifier:       cfg.Verifier,
		proxy:          cfg.Proxy,
		bridge:         cfg.Bridge,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		identityHeader: cfg.IdentityHeader,
		requestTimeout: cfg.RequestTimeout,
	}
	if p.identityHeader == "" {
		p.identityHeader = "X-User-Id"
	}
	p.stages = []Stage{
		{Name: "strip_identity", Run: p.stripIdentity},
		{Name: "match_route", Run: p.matchRoute},
		{Name: "authenticate", Run: p.authenticate},
		{Name: "dispatch", Run: p.dispatch},
	}
	return p, nil
}

// Stages returns the stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.requestTimeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	ex := &Exchange{
		w:       sr,
		r:       r,
		vars:    variables.GetFromRequest(r),
		state:   StateReceived,
		history: []State{StateReceived},
	}
	ex.vars.State = string(StateReceived)

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.Error("Panic in request pipeline",
				zap.String("request_id", ex.vars.RequestID),
				zap.String("state", string(ex.state)),
				zap.String("route_id", ex.vars.RouteID),
				zap.Any("error", rec),
			)
			if !sr.wroteHeader {
				ex.err = errors.ErrInternalServer
				p.writeError(ex)
			}
		}
		p.record(ex, sr.statusCode, time.Since(start))
	}()

	p.run(ex)

	if ex.err != nil {
		p.writeError(ex)
	}
}

func (p *Pipeline) run(ex *Exchange) {
	for _, stage := range p.stages {
		if stage.Run(ex) == Respond {
			return
		}
	}
}

// stripIdentity drops any client-supplied identity header before anything
// else can read it.
func (p *Pipeline) stripIdentity(ex *Exchange) Outcome {
	ex.r.Header.Del(p.identityHeader)
	return Continue
}

func (p *Pipeline) matchRoute(ex *Exchange) Outcome {
	clean := router.CleanPath(ex.r.URL.Path)
	if clean != ex.r.URL.Path {
		ex.r.URL.Path = clean
		ex.r.URL.RawPath = ""
	}

	route, ok := p.registry.Resolve(clean)
	if !ok {
		return ex.reject(errors.ErrNotFound)
	}
	ex.route = route
	ex.vars.RouteID = route.ID
	ex.vars.Protocol = route.Protocol.String()
	ex.advance(StateMatched)
	return Continue
}

func (p *Pipeline) authenticate(ex *Exchange) Outcome {
	if !ex.route.RequiresAuth {
		ex.advance(StateSkipped)
		return Continue
	}

	ctx, span := p.tracer.StartSpan(ex.r.Context(), "auth.verify",
		attribute.String("gateway.route_id", ex.route.ID))
	res, err := p.verifier.Verify(ctx, ex.r.Header.Get("Authorization"))
	if err != nil {
		span.SetStatus(otelcodes.Error, "verification failed")
	}
	span.End()

	if err != nil {
		kind := errors.KindVerificationFailed
		if f, ok := extauth.IsFailure(err); ok {
			kind = f.Kind
		}
		return ex.reject(errors.ErrUnauthorized.WithKind(kind).WithCause(err))
	}

	ex.subject = res.Subject
	ex.vars.Authenticated = true
	ex.advance(StateAuthenticated)
	return Continue
}

func (p *Pipeline) dispatch(ex *Exchange) Outcome {
	ex.advance(StateDispatched)

	var err error
	switch ex.route.Protocol {
	case router.ProtocolREST:
		err = p.proxy.Forward(ex.w, ex.r, ex.route, ex.subject)
	case router.ProtocolRPC:
		err = p.bridge.Handle(ex.w, ex.r, ex.route, ex.subject)
	default:
		err = errors.ErrInternalServer.WithCause(fmt.Errorf("route %s has unknown protocol %s", ex.route.ID, ex.route.Protocol))
	}

	if err != nil {
		ge, ok := errors.IsGatewayError(err)
		if !ok {
			ge = errors.ErrInternalServer.WithCause(err)
		}
		ex.err = ge
	}
	ex.advance(StateResponded)
	return Respond
}

func (p *Pipeline) writeError(ex *Exchange) {
	ge := ex.err
	ex.vars.FailureKind = string(ge.Kind())

	fields := []zap.Field{
		zap.String("request_id", ex.vars.RequestID),
		zap.String("route_id", ex.vars.RouteID),
		zap.String("state", string(ex.state)),
		zap.String("kind", string(ge.Kind())),
	}
	if cause := ge.Unwrap(); cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if ge.Code >= http.StatusInternalServerError {
		logging.Warn("Exchange failed", fields...)
	} else {
		logging.Debug("Exchange rejected", fields...)
	}

	if ex.vars.RequestID != "" {
		ge = ge.WithRequestID(ex.vars.RequestID)
	}
	ge.WriteJSON(ex.w)
}

func (p *Pipeline) record(ex *Exchange, status int, d time.Duration) {
	if p.metrics == nil {
		return
	}
	routeID := ex.vars.RouteID
	if routeID == "" {
		routeID = "unmatched"
	}
	p.metrics.RecordRequest(routeID, ex.r.Method, status, d)
	if ex.vars.FailureKind != "" {
		p.metrics.RecordFailure(routeID, ex.vars.FailureKind)
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
