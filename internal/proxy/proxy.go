// Package proxy forwards matched REST routes to their HTTP upstreams.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/circuitbreaker"
	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/router"
	"github.com/eshop/gateway/internal/tracing"
	"github.com/eshop/gateway/internal/variables"
)

// Proxy handles proxying requests to backends
type Proxy struct {
	transportPool  *TransportPool
	breakers       *circuitbreaker.BreakerByRoute
	identityHeader string
	defaultTimeout time.Duration
}

// Config holds proxy configuration
type Config struct {
	TransportPool  *TransportPool
	Breakers       *circuitbreaker.BreakerByRoute
	IdentityHeader string
	DefaultTimeout time.Duration
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool()
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	identityHeader := cfg.IdentityHeader
	if identityHeader == "" {
		identityHeader = "X-User-Id"
	}

	return &Proxy{
		transportPool:  pool,
		breakers:       cfg.Breakers,
		identityHeader: identityHeader,
		defaultTimeout: timeout,
	}
}

// TransportPool returns the transport pool.
func (p *Proxy) TransportPool() *TransportPool {
	return p.transportPool
}

// Forward sends r to the route's backend and streams the response back.
// subject, when non-empty, is sent in the identity header. A non-nil error
// is a *errors.GatewayError and means nothing has been written to w yet.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *router.Route, subject string) error {
	target := route.TargetURL()
	if target == nil {
		return errors.ErrInternalServer.WithCause(stderrors.New("route " + route.ID + " has no REST target"))
	}

	var done func(error)
	if p.breakers != nil {
		if b := p.breakers.GetBreaker(route.ID); b != nil {
			var err error
			done, err = b.Allow()
			if err != nil {
				return errors.ErrBadGateway.WithCause(err)
			}
		}
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	pooledHeader := acquireProxyHeader()
	defer releaseProxyHeader(pooledHeader)
	proxyReq := p.createProxyRequest(ctx, r, target, route, subject, pooledHeader)

	resp, err := p.transportPool.Get(target.Host).RoundTrip(proxyReq)
	if done != nil {
		if err != nil && r.Context().Err() != nil {
			// The client went away; that says nothing about the upstream.
			done(nil)
		} else {
			done(err)
		}
	}
	if err != nil {
		return upstreamError(ctx, err)
	}
	defer resp.Body.Close()

	variables.GetFromRequest(r).UpstreamStatus = resp.StatusCode

	p.copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := p.copyBody(w, resp.Body, resp.ContentLength < 0); err != nil {
		logging.Debug("Upstream body copy interrupted",
			zap.String("route_id", route.ID),
			zap.Error(err),
		)
	}
	return nil
}

// upstreamError maps a transport failure to a client envelope. The cause is
// kept for logs only; hostnames never reach the client.
func upstreamError(ctx context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.ErrBadGateway.WithKind(errors.KindUpstreamTimeout).WithCause(err)
	}
	return errors.ErrBadGateway.WithCause(err)
}

var proxyHeaderPool = sync.Pool{
	New: func() any { return make(http.Header, 16) },
}

func acquireProxyHeader() http.Header {
	h := proxyHeaderPool.Get().(http.Header)
	clear(h)
	return h
}

func releaseProxyHeader(h http.Header) {
	if h == nil {
		return
	}
	// Only return reasonably-sized maps to avoid holding oversized maps
	if len(h) <= 64 {
		proxyHeaderPool.Put(h)
	}
}

// createProxyRequest creates the request to send to the backend.
// If header is non-nil it is reused (caller owns pool lifecycle); otherwise a fresh map is allocated.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL, route *router.Route, subject string, header http.Header) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, route.RewritePath(r.URL.Path))
	// Encoded separators such as %2F stay encoded on the way upstream.
	targetURL.RawPath = singleJoiningSlash(target.EscapedPath(), route.RewritePath(r.URL.EscapedPath()))
	targetURL.RawQuery = r.URL.RawQuery

	// Construct request directly; avoids URL.String() + url.Parse() round-trip.
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		proxyReq.Body = nil
	}

	// Copy headers (+4 for X-Forwarded-For/Proto/Host and identity added below)
	if header != nil {
		proxyReq.Header = header
	} else {
		proxyReq.Header = make(http.Header, len(r.Header)+4)
	}
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	removeHopHeaders(proxyReq.Header)

	if clientIP := variables.ExtractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	proxyReq.Header.Del(p.identityHeader)
	if subject != "" {
		proxyReq.Header.Set(p.identityHeader, subject)
	}

	tracing.InjectHeaders(ctx, proxyReq.Header)

	return proxyReq
}

// copyHeaders copies headers from source to destination
func (p *Proxy) copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// copyBody copies the response body, flushing after each chunk for
// responses of unknown length.
func (p *Proxy) copyBody(w http.ResponseWriter, body io.Reader, stream bool) error {
	if stream {
		if flusher, ok := w.(http.Flusher); ok {
			buf := make([]byte, 32*1024)
			for {
				n, err := body.Read(buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						return werr
					}
					flusher.Flush()
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
	}

	_, err := io.Copy(w, body)
	return err
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, f := range header.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
