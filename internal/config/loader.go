package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from defaults and a small set of
// environment overrides, for running without a config file.
func (l *Loader) LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.Routes = DefaultRoutes()

	if addr := os.Getenv("GATEWAY_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
	if verifyURL := os.Getenv("AUTH_VERIFY_URL"); verifyURL != "" {
		cfg.Auth.VerifyURL = verifyURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.RateLimit.Redis.Address = redisAddr
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == cfg.Server.Address {
		return fmt.Errorf("admin.address must differ from server.address")
	}

	if err := l.validateAuth(cfg); err != nil {
		return err
	}
	if err := l.validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}
	if cfg.GRPC.MaxBodyBytes <= 0 {
		return fmt.Errorf("grpc.max_body_bytes must be > 0")
	}

	return l.validateRoutes(cfg)
}

func (l *Loader) validateAuth(cfg *Config) error {
	needsAuth := false
	for _, r := range cfg.Routes {
		if r.RequiresAuth {
			needsAuth = true
			break
		}
	}
	if !needsAuth {
		return nil
	}
	if cfg.Auth.VerifyURL == "" {
		return fmt.Errorf("auth.verify_url is required when any route requires auth")
	}
	u, err := url.Parse(cfg.Auth.VerifyURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("auth.verify_url %q must be an absolute URL", cfg.Auth.VerifyURL)
	}
	if cfg.Auth.Timeout <= 0 {
		return fmt.Errorf("auth.timeout must be > 0")
	}
	if cfg.Auth.IdentityHeader == "" {
		return fmt.Errorf("auth.identity_header is required")
	}
	return nil
}

func (l *Loader) validateRateLimit(rl RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.Rate <= 0 {
		return fmt.Errorf("rate_limit.rate must be > 0")
	}
	if rl.Period <= 0 {
		return fmt.Errorf("rate_limit.period must be > 0")
	}
	switch rl.Mode {
	case "", "local":
	case "distributed":
		if rl.Redis.Address == "" {
			return fmt.Errorf("rate_limit.redis.address is required for distributed mode")
		}
	default:
		return fmt.Errorf("rate_limit.mode must be local or distributed, got %q", rl.Mode)
	}
	return nil
}

func (l *Loader) validateRoutes(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	routeIDs := make(map[string]bool)
	prefixes := make(map[string]string)
	services := make(map[string]string)
	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with /", route.ID)
		}
		route.Prefix = normalizePrefix(route.Prefix)
		if owner, ok := prefixes[route.Prefix]; ok {
			return fmt.Errorf("route %s: prefix %s already owned by route %s", route.ID, route.Prefix, owner)
		}
		prefixes[route.Prefix] = route.ID

		if route.Timeout < 0 {
			return fmt.Errorf("route %s: timeout must be >= 0", route.ID)
		}
		if route.Timeout == 0 {
			route.Timeout = 30 * time.Second
		}
		if route.Rewrite.Prefix != "" && !strings.HasPrefix(route.Rewrite.Prefix, "/") {
			return fmt.Errorf("route %s: rewrite.prefix must start with /", route.ID)
		}

		switch route.Protocol {
		case ProtocolREST:
			u, err := url.Parse(route.Target)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("route %s: rest target %q must be an http(s) URL", route.ID, route.Target)
			}
			if len(route.Services) > 0 {
				return fmt.Errorf("route %s: services are only valid on rpc routes", route.ID)
			}
		case ProtocolRPC:
			if _, _, err := net.SplitHostPort(route.Target); err != nil {
				return fmt.Errorf("route %s: rpc target %q must be host:port", route.ID, route.Target)
			}
			if len(route.Services) == 0 {
				return fmt.Errorf("route %s: rpc routes must list at least one service", route.ID)
			}
			for _, svc := range route.Services {
				if owner, ok := services[svc]; ok {
					return fmt.Errorf("route %s: service %s already served by route %s", route.ID, svc, owner)
				}
				services[svc] = route.ID
			}
		default:
			return fmt.Errorf("route %s: protocol must be rest or rpc, got %q", route.ID, route.Protocol)
		}

		if cb := &route.CircuitBreaker; cb.Enabled {
			if cb.FailureThreshold <= 0 {
				cb.FailureThreshold = 5
			}
			if cb.MaxRequests <= 0 {
				cb.MaxRequests = 1
			}
			if cb.Timeout <= 0 {
				cb.Timeout = 30 * time.Second
			}
		}
	}
	return nil
}

// normalizePrefix drops a trailing slash so "/cart/" and "/cart" collide.
func normalizePrefix(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			return "/"
		}
	}
	return p
}
