// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"pageproxy/internal/rewrite"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pageproxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicOrigin string `kong:"help='Public origin prefixed to rewritten references (overrides config).',env='PUBLIC_ORIGIN'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig lists origins allowed to call the proxy routes from a browser.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	MaxRedirects    int    `toml:"max_redirects"`
	UserAgent       string `toml:"user_agent"`
}

// ProxyConfig holds the public route layout of the proxy.
type ProxyConfig struct {
	// PublicOrigin is prefixed to rewritten references; empty keeps them relative.
	PublicOrigin     string `toml:"public_origin"`
	PageRoute        string `toml:"page_route"`
	AssetRoute       string `toml:"asset_route"`
	RelayRoute       string `toml:"relay_route"`
	InterceptorRoute string `toml:"interceptor_route"`
	MaxDocumentBytes int64  `toml:"max_document_bytes"`
	// ShellDir, when set, is served statically at "/".
	ShellDir string `toml:"shell_dir"`
}

// RewriteConfig selects the rewrite strategy and client-side policies.
type RewriteConfig struct {
	Strategy           string   `toml:"strategy"`
	SpoofLocation      []string `toml:"spoof_location"`
	KeepFramingHeaders bool     `toml:"keep_framing_headers"`
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

// DefaultUserAgent is sent when the client does not supply a meaningful one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// spoofableLocationProps are the window.location properties the interceptor may mask.
var spoofableLocationProps = map[string]bool{
	"origin": true, "host": true, "hostname": true, "protocol": true, "port": true,
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pageproxy/config.toml then configs/config.toml, and falls back to
// defaults when neither exists.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.PublicOrigin != "" {
		c.Proxy.PublicOrigin = cli.PublicOrigin
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
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Proxy.MaxDocumentBytes < 0 {
		return fmt.Errorf("proxy.max_document_bytes must be non-negative; got %d", c.Proxy.MaxDocumentBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Public origin: scheme and host only.
	if o := c.Proxy.PublicOrigin; o != "" {
		u, err := url.Parse(o)
		if err != nil {
			return fmt.Errorf("proxy.public_origin is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_origin must be an absolute http(s) origin; got %q", o)
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("proxy.public_origin must not carry a path, query or fragment; got %q", o)
		}
	}

	// Routes.
	routes := c.Proxy.Routes()
	seen := make(map[string]string, len(routes))
	for _, r := range routes {
		if r.Path == "" || r.Path[0] != '/' {
			return fmt.Errorf("proxy.%s must start with '/'; got %q", r.Name, r.Path)
		}
		if prev, ok := seen[r.Path]; ok {
			return fmt.Errorf("proxy.%s %q duplicates proxy.%s", r.Name, r.Path, prev)
		}
		seen[r.Path] = r.Name
	}

	// Rewrite policy.
	switch strings.ToLower(c.Rewrite.Strategy) {
	case rewrite.StrategyInPlace, rewrite.StrategyDOM:
		// valid
	default:
		return fmt.Errorf("rewrite.strategy must be one of: inplace, dom; got %q", c.Rewrite.Strategy)
	}
	for _, p := range c.Rewrite.SpoofLocation {
		if !spoofableLocationProps[p] {
			return fmt.Errorf("rewrite.spoof_location: unsupported property %q", p)
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
		for _, reserved := range c.ReservedPaths() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	c.Proxy.PublicOrigin = strings.TrimSuffix(c.Proxy.PublicOrigin, "/")
	if c.Proxy.PageRoute == "" {
		c.Proxy.PageRoute = "/proxy"
	}
	if c.Proxy.AssetRoute == "" {
		c.Proxy.AssetRoute = "/asset"
	}
	if c.Proxy.RelayRoute == "" {
		c.Proxy.RelayRoute = "/proxy-fetch"
	}
	if c.Proxy.InterceptorRoute == "" {
		c.Proxy.InterceptorRoute = "/proxy-helper.js"
	}
	if c.Proxy.MaxDocumentBytes == 0 {
		c.Proxy.MaxDocumentBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Rewrite.Strategy == "" {
		c.Rewrite.Strategy = rewrite.StrategyInPlace
	}
	c.Rewrite.Strategy = strings.ToLower(c.Rewrite.Strategy)
	if c.Rewrite.SpoofLocation == nil {
		c.Rewrite.SpoofLocation = []string{"origin", "host", "hostname", "protocol"}
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

// Route names one configurable proxy route.
type Route struct {
	Name string
	Path string
}

// Routes returns the proxy routes in a fixed order.
func (p *ProxyConfig) Routes() []Route {
	return []Route{
		{"page_route", p.PageRoute},
		{"asset_route", p.AssetRoute},
		{"relay_route", p.RelayRoute},
		{"interceptor_route", p.InterceptorRoute},
	}
}

// ReservedPaths returns every path the server registers besides the metrics endpoint.
func (c *Config) ReservedPaths() []string {
	paths := []string{"/healthz", "/status"}
	for _, r := range c.Proxy.Routes() {
		paths = append(paths, r.Path)
	}
	return paths
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
