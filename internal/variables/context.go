// Package variables carries per-request exchange data between middleware,
// the pipeline, and the access log.
package variables

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Context holds request-scoped values. It is written by a single request
// goroutine and never shared across requests.
type Context struct {
	RequestID      string
	RouteID        string
	Protocol       string
	State          string
	FailureKind    string
	Authenticated  bool
	UpstreamStatus int
	StartTime      time.Time
}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and initialises it.
func AcquireContext() *Context {
	c := contextPool.Get().(*Context)
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes all fields and returns c to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// RequestContextKey is the context key for storing the variable context
type RequestContextKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, RequestContextKey{}, c)
}

// FromContext returns the variable context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(RequestContextKey{}).(*Context)
	return c
}

// GetFromRequest returns the variable context of r. A request that did not
// pass through the request ID middleware gets a detached, unpooled Context.
func GetFromRequest(r *http.Request) *Context {
	if c := FromContext(r.Context()); c != nil {
		return c
	}
	return &Context{StartTime: time.Now()}
}

// ExtractClientIP returns the host of the direct peer. Forwarding headers
// are not trusted because the gateway is the edge.
func ExtractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
