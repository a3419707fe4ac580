package config

import "time"

// Protocol is the dispatch protocol of a route.
type Protocol string

const (
	ProtocolREST Protocol = "rest"
	ProtocolRPC  Protocol = "rpc"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// ServerConfig defines the public listener
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // bound on a whole exchange
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful drain window
}

// AdminConfig defines the health/metrics listener
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`
}

// AuthConfig defines delegation to the identity service.
type AuthConfig struct {
	VerifyURL      string        `yaml:"verify_url"`
	Timeout        time.Duration `yaml:"timeout"`
	IdentityHeader string        `yaml:"identity_header"`
	ExpiryPrecheck bool          `yaml:"expiry_precheck"` // reject locally expired JWTs without a call
}

// CORSConfig defines cross-origin settings for browser clients.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// RateLimitConfig defines per-client request limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Mode    string        `yaml:"mode"` // "local" or "distributed"
	Rate    int           `yaml:"rate"`
	Period  time.Duration `yaml:"period"`
	Burst   int           `yaml:"burst"`
	MaxKeys int           `yaml:"max_keys"` // local limiter cache size
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig defines the Redis connection used by distributed rate limiting.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TracingConfig defines OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// GRPCConfig defines Protocol Bridge settings shared by all RPC routes.
type GRPCConfig struct {
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	DescriptorSet  string        `yaml:"descriptor_set"` // optional FileDescriptorSet (.pb)
	ConnectOnStart bool          `yaml:"connect_on_start"`
	WarmupTimeout  time.Duration `yaml:"warmup_timeout"`
}

// RouteConfig defines one registry entry.
type RouteConfig struct {
	ID             string               `yaml:"id"`
	Prefix         string               `yaml:"prefix"`
	Protocol       Protocol             `yaml:"protocol"`
	Target         string               `yaml:"target"` // URL for rest, host:port for rpc
	Services       []string             `yaml:"services"`
	Rewrite        RewriteConfig        `yaml:"rewrite"`
	RequiresAuth   bool                 `yaml:"requires_auth"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RewriteConfig defines how the matched prefix is rewritten before forwarding.
type RewriteConfig struct {
	StripPrefix bool   `yaml:"strip_prefix"`
	Prefix      string `yaml:"prefix"` // base path prepended after stripping
}

// CircuitBreakerConfig defines per-route circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8001",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Auth: AuthConfig{
			VerifyURL:      "http://auth-service:5001/api/v1/verify",
			Timeout:        5 * time.Second,
			IdentityHeader: "X-User-Id",
		},
		CORS: CORSConfig{
			Enabled:          true,
			AllowOrigins:     []string{"http://localhost:3000", "http://localhost:3002"},
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           600,
		},
		RateLimit: RateLimitConfig{
			Mode:    "local",
			Rate:    100,
			Period:  time.Second,
			Burst:   200,
			MaxKeys: 10000,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "eshop-gateway",
		},
		GRPC: GRPCConfig{
			MaxBodyBytes:  50 << 20,
			WarmupTimeout: 10 * time.Second,
		},
	}
}

// DefaultRoutes returns the storefront topology used when no routes are configured.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{
			ID:       "auth",
			Prefix:   "/auth",
			Protocol: ProtocolREST,
			Target:   "http://auth-service:5001",
			Rewrite:  RewriteConfig{StripPrefix: true, Prefix: "/api/v1"},
		},
		{
			ID:           "order",
			Prefix:       "/order",
			Protocol:     ProtocolREST,
			Target:       "http://order-service:5002",
			Rewrite:      RewriteConfig{StripPrefix: true, Prefix: "/api/v1"},
			RequiresAuth: true,
		},
		{
			ID:           "payment",
			Prefix:       "/payment",
			Protocol:     ProtocolREST,
			Target:       "http://payment-service:5003",
			Rewrite:      RewriteConfig{StripPrefix: true},
			RequiresAuth: true,
		},
		{
			ID:           "cart",
			Prefix:       "/cart",
			Protocol:     ProtocolREST,
			Target:       "http://cart-service:3001",
			RequiresAuth: true,
		},
		{
			ID:       "products",
			Prefix:   "/products",
			Protocol: ProtocolRPC,
			Target:   "product-service:5004",
			Services: []string{"product.ProductService"},
		},
		{
			ID:       "inventory",
			Prefix:   "/inventory",
			Protocol: ProtocolRPC,
			Target:   "inventory-service:5005",
			Services: []string{"inventory.InventoryService"},
		},
	}
}
