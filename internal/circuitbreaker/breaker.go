// Package circuitbreaker guards upstream routes with sony/gobreaker two-step breakers.
package circuitbreaker

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/eshop/gateway/internal/config"
	"github.com/eshop/gateway/internal/logging"
	"github.com/eshop/gateway/internal/metrics"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Failing, reject requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Breaker trips after FailureThreshold consecutive failures and rejects
// calls until Timeout elapses, then admits MaxRequests probes.
type Breaker struct {
	cb               *gobreaker.TwoStepCircuitBreaker[struct{}]
	failureThreshold int
	maxRequests      int
}

// NewBreaker creates a breaker named after its route. m may be nil.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, m *metrics.Collector) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Circuit breaker state changed",
				zap.String("route_id", name),
				zap.String("from", fromGobreaker(from).String()),
				zap.String("to", fromGobreaker(to).String()),
			)
			if m != nil {
				m.SetCircuitBreakerState(name, int(fromGobreaker(to)))
			}
		},
	}
	if m != nil {
		m.SetCircuitBreakerState(name, int(StateClosed))
	}

	return &Breaker{
		cb:               gobreaker.NewTwoStepCircuitBreaker[struct{}](st),
		failureThreshold: failureThreshold,
		maxRequests:      maxRequests,
	}
}

// Allow reserves a call. On success the caller must invoke done exactly
// once with the call's failure, or nil when the call should count as a success.
func (b *Breaker) Allow() (done func(err error), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return report, nil
}

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:               b.State().String(),
		FailureThreshold:    b.failureThreshold,
		MaxRequests:         b.maxRequests,
		Requests:            counts.Requests,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker. Counts
// reset on every state change.
type BreakerSnapshot struct {
	State               string `json:"state"`
	FailureThreshold    int    `json:"failure_threshold"`
	MaxRequests         int    `json:"max_requests"`
	Requests            uint32 `json:"requests"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
	TotalSuccesses      uint32 `json:"total_successes"`
}

// BreakerByRoute manages circuit breakers per route
type BreakerByRoute struct {
	breakers map[string]*Breaker
	metrics  *metrics.Collector
	mu       sync.RWMutex
}

// NewBreakerByRoute creates a new route-based circuit breaker manager
func NewBreakerByRoute(m *metrics.Collector) *BreakerByRoute {
	return &BreakerByRoute{
		breakers: make(map[string]*Breaker),
		metrics:  m,
	}
}

// AddRoute adds a circuit breaker for a route
func (br *BreakerByRoute) AddRoute(routeID string, cfg config.CircuitBreakerConfig) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.breakers[routeID] = NewBreaker(routeID, cfg, br.metrics)
}

// GetBreaker returns the circuit breaker for a route, or nil.
func (br *BreakerByRoute) GetBreaker(routeID string) *Breaker {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.breakers[routeID]
}

// Snapshots returns snapshots of all circuit breakers
func (br *BreakerByRoute) Snapshots() map[string]BreakerSnapshot {
	br.mu.RLock()
	defer br.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(br.breakers))
	for id, b := range br.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
