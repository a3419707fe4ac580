package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool
	CAFile             string

	// HTTP/2
	ForceHTTP2 bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // bounded by the route timeout
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// NewTransport creates a new HTTP transport with the given configuration
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}, nil
}

// DefaultTransport creates a transport with default settings
func DefaultTransport() *http.Transport {
	t, _ := NewTransport(DefaultTransportConfig)
	return t
}

// TransportPool manages a pool of transports keyed by upstream host.
// Transports are registered at startup; Get is safe for concurrent use.
type TransportPool struct {
	mu               sync.RWMutex
	defaultTransport http.RoundTripper
	transports       map[string]http.RoundTripper
}

// NewTransportPool creates a new transport pool with a default transport.
func NewTransportPool() *TransportPool {
	return NewTransportPoolWithDefault(DefaultTransport())
}

// NewTransportPoolWithDefault creates a pool falling back to rt for unknown hosts.
func NewTransportPoolWithDefault(rt http.RoundTripper) *TransportPool {
	return &TransportPool{
		defaultTransport: rt,
		transports:       make(map[string]http.RoundTripper),
	}
}

// Get returns the transport for the given host.
// Returns the default transport for empty or unknown hosts.
func (tp *TransportPool) Get(host string) http.RoundTripper {
	if host != "" {
		tp.mu.RLock()
		t, ok := tp.transports[host]
		tp.mu.RUnlock()
		if ok {
			return t
		}
	}
	return tp.defaultTransport
}

// Set adds a host transport built from the given config.
func (tp *TransportPool) Set(host string, cfg TransportConfig) error {
	t, err := NewTransport(cfg)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.transports[host] = t
	tp.mu.Unlock()
	return nil
}

// Hosts returns the hosts that have dedicated transports.
func (tp *TransportPool) Hosts() []string {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	hosts := make([]string, 0, len(tp.transports))
	for host := range tp.transports {
		hosts = append(hosts, host)
	}
	return hosts
}

type idleCloser interface {
	CloseIdleConnections()
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	if c, ok := tp.defaultTransport.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, t := range tp.transports {
		if c, ok := t.(idleCloser); ok {
			c.CloseIdleConnections()
		}
	}
}
