// Package config handles gateway configuration from a TOML file, the
// environment and command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/mcps-gateway/config.toml",
	"configs/config.toml",
}

// defaultUpstreams is used when neither the file nor the environment names an upstream.
const defaultUpstreams = "markdownify=http://127.0.0.1:7101"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstreams     string           `kong:"help='Upstream map as name=url pairs separated by commas.',env='MCP_UPSTREAMS'"`
	StripPrefixes string           `kong:"help='Comma-separated services whose name prefix is stripped before forwarding.',env='MCP_STRIP_PREFIXES'"`
	LogLevel      string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version       kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig      `toml:"server"`
	Upstreams map[string]string `toml:"upstreams"`
	Routing   RoutingConfig     `toml:"routing"`
	Client    ClientConfig      `toml:"client"`
	Log       LogConfig         `toml:"log"`
	Metrics   MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (7000)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 disables the limit
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"` // 0 means ceil(requests_per_second)
}

// RoutingConfig holds per-service routing policy.
type RoutingConfig struct {
	StripPrefixes []string `toml:"strip_prefixes"`
}

// ClientConfig holds settings of the shared upstream HTTP client.
type ClientConfig struct {
	MaxConnections        int `toml:"max_connections"`
	MaxIdleConnections    int `toml:"max_idle_connections"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	PoolTimeoutSeconds    int `toml:"pool_timeout_seconds"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
	// ReadTimeoutSeconds bounds the wait for upstream response headers.
	// Zero leaves it unbounded so slow streaming upstreams are not cut off.
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`

	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the optional per-upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies environment and CLI
// overrides. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/mcps-gateway/config.toml then configs/config.toml; finding
// neither is not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags and environment values.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstreams != "" {
		upstreams, err := ParseUpstreams(cli.Upstreams)
		if err != nil {
			return err
		}
		c.Upstreams = upstreams
	}
	if cli.StripPrefixes != "" {
		c.Routing.StripPrefixes = ParseList(cli.StripPrefixes)
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

// ParseUpstreams parses a comma-separated list of name=url pairs.
// Blank items are skipped; an item without '=' or with an empty side is an error.
func ParseUpstreams(raw string) (map[string]string, error) {
	upstreams := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, target, ok := strings.Cut(item, "=")
		name, target = strings.TrimSpace(name), strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			return nil, fmt.Errorf("invalid upstream entry %q: expected 'name=url'", item)
		}
		upstreams[name] = target
	}
	return upstreams, nil
}

// ParseList splits a comma-separated list, dropping blank items.
func ParseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	for name, target := range c.Upstreams {
		if err := validateUpstream(name, target); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for key, v := range map[string]int{
		"server.rate_limit.burst":                  c.Server.RateLimit.Burst,
		"client.max_connections":                   c.Client.MaxConnections,
		"client.max_idle_connections":              c.Client.MaxIdleConnections,
		"client.connect_timeout_seconds":           c.Client.ConnectTimeoutSeconds,
		"client.pool_timeout_seconds":              c.Client.PoolTimeoutSeconds,
		"client.write_timeout_seconds":             c.Client.WriteTimeoutSeconds,
		"client.read_timeout_seconds":              c.Client.ReadTimeoutSeconds,
		"client.circuit_breaker.failure_threshold": c.Client.CircuitBreaker.FailureThreshold,
		"client.circuit_breaker.open_seconds":      c.Client.CircuitBreaker.OpenSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", key, v)
		}
	}
	if c.Client.MaxIdleConnections > c.Client.MaxConnections {
		return fmt.Errorf("client.max_idle_connections (%d) must not exceed client.max_connections (%d)",
			c.Client.MaxIdleConnections, c.Client.MaxConnections)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" || p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		first, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
		if first == "health" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/health")
		}
		if _, ok := c.Upstreams[first]; ok {
			return fmt.Errorf("metrics.path %q conflicts with upstream %q", p, first)
		}
	}

	return nil
}

// validateUpstream checks a single name=url entry. The gateway replaces the
// URL path on every request, so base URLs must not carry one.
func validateUpstream(name, target string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("upstream name %q must be non-empty and must not contain '/'", name)
	}
	if target == "" {
		return fmt.Errorf("upstream %q: url is required", name)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("upstream %q: url is not valid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream %q: url must use http or https; got %q", name, target)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream %q: url has no host; got %q", name, target)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("upstream %q: url must not contain a path or query; got %q", name, target)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish an
// explicit 0 from an omitted key; read_timeout_seconds and body_max_bytes are
// the exceptions where zero is the meaningful default (unbounded).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7000
	}
	if len(c.Upstreams) == 0 {
		c.Upstreams, _ = ParseUpstreams(defaultUpstreams)
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(math.Ceil(c.Server.RateLimit.RequestsPerSecond)))
	}
	if c.Client.MaxConnections == 0 {
		c.Client.MaxConnections = 100
	}
	if c.Client.MaxIdleConnections == 0 {
		c.Client.MaxIdleConnections = min(20, c.Client.MaxConnections)
	}
	if c.Client.ConnectTimeoutSeconds == 0 {
		c.Client.ConnectTimeoutSeconds = 2
	}
	if c.Client.PoolTimeoutSeconds == 0 {
		c.Client.PoolTimeoutSeconds = 5
	}
	if c.Client.WriteTimeoutSeconds == 0 {
		c.Client.WriteTimeoutSeconds = 30
	}
	if c.Client.CircuitBreaker.FailureThreshold == 0 {
		c.Client.CircuitBreaker.FailureThreshold = 5
	}
	if c.Client.CircuitBreaker.OpenSeconds == 0 {
		c.Client.CircuitBreaker.OpenSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
