package router

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/eshop/gateway/internal/config"
)

// Protocol tags how a matched route is dispatched.
type Protocol int

const (
	ProtocolREST Protocol = iota + 1
	ProtocolRPC
)

func (p Protocol) String() string {
	switch p {
	case ProtocolREST:
		return "rest"
	case ProtocolRPC:
		return "rpc"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// MarshalText lets routes render as JSON on the admin API.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Route represents a configured route. Routes are immutable after New.
type Route struct {
	ID             string                      `json:"id"`
	Prefix         string                      `json:"prefix"`
	Protocol       Protocol                    `json:"protocol"`
	Target         string                      `json:"-"`
	Services       []string                    `json:"services,omitempty"`
	Rewrite        config.RewriteConfig        `json:"rewrite"`
	RequiresAuth   bool                        `json:"requires_auth"`
	Timeout        time.Duration               `json:"timeout"`
	CircuitBreaker config.CircuitBreakerConfig `json:"-"`

	targetURL *url.URL // parsed REST target, nil for RPC
	segments  []string
	configIdx int // declaration order for tie-breaking
}

// TargetURL returns the parsed backend URL of a REST route.
func (route *Route) TargetURL() *url.URL {
	return route.targetURL
}

// RewritePath applies the route's rewrite rule to a request path.
// With StripPrefix the matched prefix is removed before Rewrite.Prefix is
// prepended; without it Rewrite.Prefix is prepended to the whole path.
// Returns the path unchanged if no rewrite is configured.
func (route *Route) RewritePath(requestPath string) string {
	suffix := requestPath
	if route.Rewrite.StripPrefix {
		suffix = stripRoutePrefix(route.Prefix, requestPath)
	}
	if route.Rewrite.Prefix != "" {
		if suffix == "" {
			return route.Rewrite.Prefix
		}
		return singleJoinSlash(route.Rewrite.Prefix, suffix)
	}
	if suffix == "" {
		return "/"
	}
	return suffix
}

// stripRoutePrefix removes the route's path prefix from the request path.
// The remainder is empty or starts with a slash because matching is by segment.
func stripRoutePrefix(prefix, p string) string {
	if prefix == "/" {
		return p
	}
	return strings.TrimPrefix(p, prefix)
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
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

// Registry is the static prefix table. It has no mutable state and is safe
// for concurrent use.
type Registry struct {
	routes   []*Route // declaration order
	byLength []*Route // longest prefix first, declaration order within a length
}

// New builds a registry from validated route configs.
func New(cfgs []config.RouteConfig) (*Registry, error) {
	reg := &Registry{}
	seen := make(map[string]string, len(cfgs))

	for i, rc := range cfgs {
		route, err := newRoute(rc, i)
		if err != nil {
			return nil, err
		}
		if owner, ok := seen[route.Prefix]; ok {
			return nil, fmt.Errorf("route %s: prefix %s already owned by route %s", route.ID, route.Prefix, owner)
		}
		seen[route.Prefix] = route.ID
		reg.routes = append(reg.routes, route)
	}

	reg.byLength = make([]*Route, len(reg.routes))
	copy(reg.byLength, reg.routes)
	sort.SliceStable(reg.byLength, func(i, j int) bool {
		return len(reg.byLength[i].segments) > len(reg.byLength[j].segments)
	})

	return reg, nil
}

func newRoute(rc config.RouteConfig, idx int) (*Route, error) {
	route := &Route{
		ID:             rc.ID,
		Prefix:         "/" + strings.Trim(rc.Prefix, "/"),
		Target:         rc.Target,
		Services:       rc.Services,
		Rewrite:        rc.Rewrite,
		RequiresAuth:   rc.RequiresAuth,
		Timeout:        rc.Timeout,
		CircuitBreaker: rc.CircuitBreaker,
		configIdx:      idx,
	}
	route.segments = splitPath(route.Prefix)

	switch rc.Protocol {
	case config.ProtocolREST:
		route.Protocol = ProtocolREST
		u, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid target: %w", rc.ID, err)
		}
		route.targetURL = u
	case config.ProtocolRPC:
		route.Protocol = ProtocolRPC
	default:
		return nil, fmt.Errorf("route %s: unknown protocol %q", rc.ID, rc.Protocol)
	}
	return route, nil
}

// Resolve returns the route owning requestPath. The longest matching prefix
// wins; prefixes of equal length resolve in declaration order.
func (reg *Registry) Resolve(requestPath string) (*Route, bool) {
	reqSegments := splitPath(requestPath)
	for _, route := range reg.byLength {
		if pathHasPrefix(reqSegments, route.segments) {
			return route, true
		}
	}
	return nil, false
}

// Get returns a route by ID
func (reg *Registry) Get(id string) *Route {
	for _, route := range reg.routes {
		if route.ID == id {
			return route
		}
	}
	return nil
}

// Routes returns all configured routes in declaration order.
func (reg *Registry) Routes() []*Route {
	result := make([]*Route, len(reg.routes))
	copy(result, reg.routes)
	return result
}

// CleanPath normalizes a request path so dot segments cannot escape the
// matched prefix. A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// splitPath splits a URL path into non-empty segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
