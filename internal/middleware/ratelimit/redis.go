package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/metrics"
	"github.com/eshop/gateway/internal/middleware"
	"github.com/eshop/gateway/internal/variables"
)

// slidingWindowScript implements a sliding window rate limiter using Redis sorted sets.
// Returns: [allowed (0/1), remaining, resetTimestamp]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// redisCallTimeout bounds the limiter round trip so a slow Redis cannot stall requests.
const redisCallTimeout = 100 * time.Millisecond

// NewRedisClient creates the client shared by the distributed limiter and readiness checks.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// RedisLimiter provides Redis-backed distributed rate limiting.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	limit   int
	window  time.Duration
	metrics *metrics.Collector
}

// RedisLimiterConfig holds config for creating a RedisLimiter.
type RedisLimiterConfig struct {
	Client  *redis.Client
	Prefix  string
	Rate    int
	Period  time.Duration
	Burst   int
	Metrics *metrics.Collector
}

// NewRedisLimiter creates a new Redis-backed rate limiter. The window
// admits Burst requests per Period.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.Period == 0 {
		cfg.Period = time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gw:rl:"
	}
	return &RedisLimiter{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		limit:   cfg.Burst,
		window:  cfg.Period,
		metrics: cfg.Metrics,
	}
}

// Middleware creates a rate limiting middleware.
func (rl *RedisLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.prefix + variables.ExtractClientIP(r)

			ctx, cancel := context.WithTimeout(r.Context(), redisCallTimeout)
			defer cancel()

			nowMs := time.Now().UnixMilli()
			result, err := slidingWindowScript.Run(ctx, rl.client,
				[]string{key},
				nowMs,
				rl.window.Milliseconds(),
				rl.limit,
			).Int64Slice()

			if err != nil || len(result) != 3 {
				// Fail open: if Redis is unreachable, allow the request
				logging.Warn("Redis rate limit unavailable, failing open", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			allowed := result[0] == 1
			resetTime := time.UnixMilli(result[2])

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result[1], 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				reject(w, r, resetTime, ModeDistributed, rl.metrics)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
