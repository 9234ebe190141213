// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"hls-proxy/internal/manifest"
	"hls-proxy/internal/resolve"
	"hls-proxy/internal/target"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/hls-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicBaseURL string `kong:"help='Public URL of the proxy endpoint used in rewritten manifests (overrides config).',env='PUBLIC_BASE_URL'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Manifest ManifestConfig `toml:"manifest"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	H2C       bool            `toml:"h2c"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds settings of the proxy endpoint itself.
type ProxyConfig struct {
	Path              string   `toml:"path"`
	PublicBaseURL     string   `toml:"public_base_url"`
	DetectContentType bool     `toml:"detect_content_type"`
	BlockedNetworks   []string `toml:"blocked_networks"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	ConnectTimeoutSeconds  int    `toml:"connect_timeout_seconds"`
	MaxRedirects           int    `toml:"max_redirects"`
	IdleConnections        int    `toml:"idle_connections"`
	UserAgent              string `toml:"user_agent"`
	ManifestMaxBytes       int64  `toml:"manifest_max_bytes"`
	InsecureSkipVerify     bool   `toml:"insecure_skip_verify"`
	ForceIPv4              bool   `toml:"force_ipv4"`
	GuardResolvedAddresses bool   `toml:"guard_resolved_addresses"`
}

// ManifestConfig controls manifest rewriting.
type ManifestConfig struct {
	URITags []string `toml:"uri_tags"`
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

// reservedPaths are routes registered independently of configuration.
var reservedPaths = []string{"/healthz", "/status"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/hls-proxy/config.toml then configs/config.toml. When nothing is found
// the built-in defaults are used.
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

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicBaseURL != "" {
		c.Proxy.PublicBaseURL = cli.PublicBaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.ManifestMaxBytes < 0 {
		return fmt.Errorf("upstream.manifest_max_bytes must be non-negative; got %d", c.Upstream.ManifestMaxBytes)
	}

	// Proxy endpoint.
	if p := c.Proxy.Path; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("proxy.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved {
				return fmt.Errorf("proxy.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}
	if c.Proxy.PublicBaseURL != "" {
		if _, err := resolve.ParseProxyBase(c.Proxy.PublicBaseURL); err != nil {
			return fmt.Errorf("proxy.public_base_url: %w", err)
		}
	}
	for _, n := range c.Proxy.BlockedNetworks {
		if _, err := netip.ParsePrefix(strings.TrimSpace(n)); err != nil {
			return fmt.Errorf("proxy.blocked_networks: %q is not a CIDR prefix", n)
		}
	}
	for _, tag := range c.Manifest.URITags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("manifest.uri_tags must not contain empty entries")
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		proxyPath := c.Proxy.Path
		if proxyPath == "" {
			proxyPath = "/proxy"
		}
		for _, reserved := range append([]string{proxyPath}, reservedPaths...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/proxy"
	}
	if c.Proxy.BlockedNetworks == nil {
		c.Proxy.BlockedNetworks = append([]string(nil), target.DefaultBlockedNetworks...)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 5
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla/5.0"
	}
	if c.Upstream.ManifestMaxBytes == 0 {
		c.Upstream.ManifestMaxBytes = 8 * 1024 * 1024 // 8 MiB
	}
	if c.Manifest.URITags == nil {
		c.Manifest.URITags = append([]string(nil), manifest.DefaultURITags...)
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
