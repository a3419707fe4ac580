// Package ratelimit limits requests per client IP, either in process or
// shared across gateway replicas through Redis.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/metrics"
	"github.com/eshop/gateway/internal/middleware"
	"github.com/eshop/gateway/internal/variables"
)

const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// idleTTL is how long an idle client's limiter is kept before eviction.
const idleTTL = 10 * time.Minute

// LocalLimiter is an in-process token bucket limiter keyed by client IP.
type LocalLimiter struct {
	rps      rate.Limit
	burst    int
	burstStr string
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	metrics  *metrics.Collector
}

// NewLocalLimiter creates a local limiter allowing cfg.Rate requests per
// cfg.Period with bursts up to cfg.Burst. At most cfg.MaxKeys clients are tracked.
func NewLocalLimiter(cfg config.RateLimitConfig, m *metrics.Collector) *LocalLimiter {
	if cfg.Period == 0 {
		cfg.Period = time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &LocalLimiter{
		rps:      rate.Limit(float64(cfg.Rate) / cfg.Period.Seconds()),
		burst:    cfg.Burst,
		burstStr: strconv.Itoa(cfg.Burst),
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, idleTTL),
		metrics:  m,
	}
}

// Allow reports whether a request for key may proceed, the whole tokens
// left, and when the next token becomes available.
func (l *LocalLimiter) Allow(key string) (allowed bool, remaining int, resetTime time.Time) {
	l.mu.Lock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters.Add(key, lim)
	}
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0, now
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, now.Add(delay)
	}

	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	reset := now
	if missing := float64(l.burst) - tokens; missing > 0 && l.rps > 0 {
		reset = now.Add(time.Duration(missing / float64(l.rps) * float64(time.Second)))
	}
	return true, int(math.Floor(tokens)), reset
}

// Len returns the number of tracked clients.
func (l *LocalLimiter) Len() int {
	return l.limiters.Len()
}

// Middleware returns a middleware that rejects over-limit clients with 429.
func (l *LocalLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, resetTime := l.Allow(variables.ExtractClientIP(r))

			w.Header().Set("X-RateLimit-Limit", l.burstStr)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				reject(w, r, resetTime, ModeLocal, l.metrics)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, resetTime time.Time, mode string, m *metrics.Collector) {
	retryAfter := int(math.Ceil(time.Until(resetTime).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	varCtx := variables.GetFromRequest(r)
	varCtx.FailureKind = string(errors.KindRateLimited)
	if m != nil {
		m.RecordRateLimited(mode)
	}

	gwErr := errors.ErrTooManyRequests
	if varCtx.RequestID != "" {
		gwErr = gwErr.WithRequestID(varCtx.RequestID)
	}
	gwErr.WriteJSON(w)
}

// New builds the limiter selected by cfg.Mode. client is required for
// distributed mode and ignored otherwise.
func New(cfg config.RateLimitConfig, client *redis.Client, m *metrics.Collector) middleware.Middleware {
	if cfg.Mode == ModeDistributed && client != nil {
		return NewRedisLimiter(RedisLimiterConfig{
			Client:  client,
			Rate:    cfg.Rate,
			Period:  cfg.Period,
			Burst:   cfg.Burst,
			Metrics: m,
		}).Middleware()
	}
	return NewLocalLimiter(cfg, m).Middleware()
}
