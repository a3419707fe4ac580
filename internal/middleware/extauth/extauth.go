// Package extauth delegates bearer token verification to the identity service.
package extauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/errors"
	"github.com/eshop/gateway/internal/metrics"
)

const maxVerifyBody = 1 << 20 // 1MB

// Result is a successful verification.
type Result struct {
	Subject string
}

// Failure is a rejected verification. Every kind maps to the same 401; Kind
// is kept for logs and metrics.
type Failure struct {
	Kind  errors.Kind
	cause error
}

func (f *Failure) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.cause)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func fail(kind errors.Kind, cause error) *Failure {
	return &Failure{Kind: kind, cause: cause}
}

// Verifier calls the identity service's verify endpoint. It holds no
// per-request state and is safe for concurrent use.
type Verifier struct {
	url        string
	timeout    time.Duration
	precheck   bool
	httpClient *http.Client
	metrics    *metrics.Collector
	now        func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient overrides the client used for verification calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithMetrics records verification outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(v *Verifier) { v.metrics = c }
}

// New creates a Verifier from config.
func New(cfg config.AuthConfig, opts ...Option) (*Verifier, error) {
	if cfg.VerifyURL == "" {
		return nil, fmt.Errorf("extauth: verify_url is required")
	}
	v := &Verifier{
		url:      cfg.VerifyURL,
		timeout:  cfg.Timeout,
		precheck: cfg.ExpiryPrecheck,
		now:      time.Now,
	}
	if v.timeout == 0 {
		v.timeout = 5 * time.Second
	}
	for _, o := range opts {
		o(v)
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return v, nil
}

// ParseToken extracts the token from an Authorization header value: the
// segment after the scheme, whatever the scheme is. It returns
// KindUnauthenticated for an empty header and KindInvalidToken when no
// token follows the scheme.
func ParseToken(header string) (string, errors.Kind) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.KindUnauthenticated
	}
	_, rest, _ := strings.Cut(header, " ")
	token, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if token == "" {
		return "", errors.KindInvalidToken
	}
	return token, errors.KindNone
}

// Verify resolves the subject owning the token in authorization. The call is
// bounded by the verifier timeout and by ctx; it is never retried.
func (v *Verifier) Verify(ctx context.Context, authorization string) (Result, error) {
	start := time.Now()
	res, err := v.verify(ctx, authorization)
	if v.metrics != nil {
		outcome := "ok"
		if f, ok := err.(*Failure); ok {
			outcome = string(f.Kind)
		}
		v.metrics.RecordAuth(outcome, time.Since(start))
	}
	return res, err
}

func (v *Verifier) verify(ctx context.Context, authorization string) (Result, error) {
	token, kind := ParseToken(authorization)
	if kind != errors.KindNone {
		return Result{}, fail(kind, nil)
	}

	if v.precheck {
		if err := v.checkExpiry(token); err != nil {
			return Result{}, fail(errors.KindVerificationFailed, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader("{}"))
	if err != nil {
		return Result{}, fail(errors.KindVerificationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Result{}, fail(errors.KindVerificationFailed, fmt.Errorf("identity service request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		return Result{}, fail(errors.KindVerificationFailed, fmt.Errorf("read identity response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fail(errors.KindVerificationFailed, fmt.Errorf("identity service status %d", resp.StatusCode))
	}

	subject := gjson.GetBytes(body, "user_id")
	if !subject.Exists() || subject.String() == "" {
		return Result{}, fail(errors.KindVerificationFailed, fmt.Errorf("identity response has no user_id"))
	}
	return Result{Subject: subject.String()}, nil
}

// checkExpiry rejects JWTs whose exp claim has passed. Tokens that do not
// parse as JWTs are left to the identity service.
func (v *Verifier) checkExpiry(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !v.now().Before(exp.Time) {
		return fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return nil
}

// IsFailure reports whether err is a verification failure and returns it.
func IsFailure(err error) (*Failure, bool) {
	f, ok := err.(*Failure)
	return f, ok
}
