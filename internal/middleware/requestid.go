package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/eshop/gateway/internal/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header is the header name to use for the request ID
	Header string
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader trusts incoming request ID headers
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

// maxTrustedIDLen bounds client-supplied IDs that end up in logs and upstream headers.
const maxTrustedIDLen = 128

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware with custom config.
// It also owns the per-request variables.Context lifecycle.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string

			if cfg.TrustHeader {
				requestID = r.Header.Get(cfg.Header)
				if len(requestID) > maxTrustedIDLen {
					requestID = ""
				}
			}
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(cfg.Header, requestID)
			w.Header().Set(cfg.Header, requestID)

			varCtx := variables.AcquireContext()
			varCtx.RequestID = requestID
			defer variables.ReleaseContext(varCtx)

			next.ServeHTTP(w, r.WithContext(variables.WithContext(r.Context(), varCtx)))
		})
	}
}

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if varCtx := variables.FromContext(r.Context()); varCtx != nil {
		return varCtx.RequestID
	}
	return ""
}
