// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/securechain-gateway/config.toml",
	"configs/config.toml",
}

// ReservedPaths are served by the gateway itself and cannot be used as service prefixes.
var ReservedPaths = []string{"/health", "/openapi.json", "/openapi.yaml", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AuthURL        string `kong:"name='auth-url',help='Base URL of the auth service (overrides config).',env='AUTH_SERVICE_URL'"`
	DepexURL       string `kong:"name='depex-url',help='Base URL of the depex service (overrides config).',env='DEPEX_SERVICE_URL'"`
	VexgenURL      string `kong:"name='vexgen-url',help='Base URL of the vexgen service (overrides config).',env='VEXGEN_SERVICE_URL'"`
	AllowedOrigins string `kong:"help='Comma-separated CORS origins (overrides config).',env='GATEWAY_ALLOWED_ORIGINS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Upstream UpstreamConfig  `toml:"upstream"`
	Services []ServiceConfig `toml:"services"`
	OpenAPI  OpenAPIConfig   `toml:"openapi"`
	Log      LogConfig       `toml:"log"`
	Metrics  MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request budgets per route family.
type RateLimitConfig struct {
	Enabled         bool `toml:"enabled"`
	HealthPerMinute int  `toml:"health_per_minute"`
	ProxyPerMinute  int  `toml:"proxy_per_minute"`
}

// CORSConfig lists origins allowed to call the gateway from a browser.
type CORSConfig struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowCredentials bool     `toml:"allow_credentials"`
}

// UpstreamConfig holds outbound connection settings shared by all services.
type UpstreamConfig struct {
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	IdleConnections int  `toml:"idle_connections"`
	FollowRedirects bool `toml:"follow_redirects"`
}

// ServiceConfig describes one backend behind a path prefix.
type ServiceConfig struct {
	Name     string    `toml:"name"`
	Prefix   string    `toml:"prefix"`
	BaseURL  string    `toml:"base_url"`
	Tag      string    `toml:"tag"`
	TagRules []TagRule `toml:"tag_rules"`
}

// TagRule maps a path substring to a tag suffix.
type TagRule struct {
	Match string `toml:"match"`
	Tag   string `toml:"tag"`
}

// OpenAPIConfig holds the info block of the merged document and fetch settings.
type OpenAPIConfig struct {
	Title                   string `toml:"title"`
	Version                 string `toml:"version"`
	ContactName             string `toml:"contact_name"`
	ContactURL              string `toml:"contact_url"`
	ContactEmail            string `toml:"contact_email"`
	LicenseName             string `toml:"license_name"`
	LicenseURL              string `toml:"license_url"`
	FetchTimeoutSeconds     int    `toml:"fetch_timeout_seconds"`
	PlaceholderRetrySeconds int    `toml:"placeholder_retry_seconds"` // how long a placeholder is served before refetching
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/securechain-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	c.overrideBaseURL("auth", cli.AuthURL)
	c.overrideBaseURL("depex", cli.DepexURL)
	c.overrideBaseURL("vexgen", cli.VexgenURL)
	if cli.AllowedOrigins != "" {
		var origins []string
		for _, o := range strings.Split(cli.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORS.AllowedOrigins = origins
	}
}

func (c *Config) overrideBaseURL(name, baseURL string) {
	if baseURL == "" {
		return
	}
	for i := range c.Services {
		if c.Services[i].Name == name {
			c.Services[i].BaseURL = baseURL
		}
	}
}

func (c *Config) validate() error {
	if err := c.validateServices(); err != nil {
		return err
	}

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
	if c.OpenAPI.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("openapi.fetch_timeout_seconds must be non-negative; got %d", c.OpenAPI.FetchTimeoutSeconds)
	}
	if c.OpenAPI.PlaceholderRetrySeconds < 0 {
		return fmt.Errorf("openapi.placeholder_retry_seconds must be non-negative; got %d", c.OpenAPI.PlaceholderRetrySeconds)
	}
	if c.Server.RateLimit.HealthPerMinute < 0 || c.Server.RateLimit.ProxyPerMinute < 0 {
		return fmt.Errorf("server.rate_limit budgets must be non-negative; got health=%d proxy=%d",
			c.Server.RateLimit.HealthPerMinute, c.Server.RateLimit.ProxyPerMinute)
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
		for _, reserved := range c.reservedRoutes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateServices() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one [[services]] entry is required")
	}

	names := make(map[string]bool, len(c.Services))
	prefixes := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("services[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true

		if len(s.Prefix) < 2 || s.Prefix[0] != '/' || strings.HasSuffix(s.Prefix, "/") {
			return fmt.Errorf("services.%s.prefix must start with '/' and not end with '/'; got %q", s.Name, s.Prefix)
		}
		if prefixes[s.Prefix] {
			return fmt.Errorf("services.%s.prefix %q is duplicated", s.Name, s.Prefix)
		}
		prefixes[s.Prefix] = true
		for _, reserved := range ReservedPaths {
			if s.Prefix == reserved || strings.HasPrefix(reserved, s.Prefix+"/") {
				return fmt.Errorf("services.%s.prefix %q conflicts with reserved route %q", s.Name, s.Prefix, reserved)
			}
		}

		if s.BaseURL == "" {
			return fmt.Errorf("services.%s.base_url is required", s.Name)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("services.%s.base_url is not a valid URL: %w", s.Name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("services.%s.base_url must be an absolute http(s) URL; got %q", s.Name, s.BaseURL)
		}

		if s.Tag == "" {
			return fmt.Errorf("services.%s.tag is required", s.Name)
		}
		for j, r := range s.TagRules {
			if r.Match == "" || r.Tag == "" {
				return fmt.Errorf("services.%s.tag_rules[%d] needs both match and tag", s.Name, j)
			}
		}
	}
	return nil
}

// reservedRoutes returns gateway-owned routes and every service prefix.
func (c *Config) reservedRoutes() []string {
	routes := append([]string{}, ReservedPaths...)
	for _, s := range c.Services {
		routes = append(routes, s.Prefix)
	}
	return routes
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.HealthPerMinute == 0 {
		c.Server.RateLimit.HealthPerMinute = 25
	}
	if c.Server.RateLimit.ProxyPerMinute == 0 {
		c.Server.RateLimit.ProxyPerMinute = 75
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.OpenAPI.Title == "" {
		c.OpenAPI.Title = "Secure Chain API Gateway"
	}
	if c.OpenAPI.Version == "" {
		c.OpenAPI.Version = "1.1.0"
	}
	if c.OpenAPI.ContactName == "" && c.OpenAPI.ContactURL == "" && c.OpenAPI.ContactEmail == "" {
		c.OpenAPI.ContactName = "Secure Chain Team"
		c.OpenAPI.ContactURL = "https://github.com/securechaindev"
		c.OpenAPI.ContactEmail = "hi@securechain.dev"
	}
	if c.OpenAPI.LicenseName == "" {
		c.OpenAPI.LicenseName = "GNU General Public License v3.0 or later (GPLv3+)"
		c.OpenAPI.LicenseURL = "https://www.gnu.org/licenses/gpl-3.0.html"
	}
	if c.OpenAPI.FetchTimeoutSeconds == 0 {
		c.OpenAPI.FetchTimeoutSeconds = 10
	}
	if c.OpenAPI.PlaceholderRetrySeconds == 0 {
		c.OpenAPI.PlaceholderRetrySeconds = 30
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
