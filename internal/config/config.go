// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/fuseplane-relay/config.toml",
	"configs/config.toml",
}

// DefaultGatewayURL is the gateway origin used when none is configured.
const DefaultGatewayURL = "https://gNUSNjlF.fuseplane.com"

// DefaultDevPattern matches the 8-character project token paths the frontend
// calls during local development.
const DefaultDevPattern = `^/[a-z0-9]{8}/.*`

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	GatewayURL string `kong:"help='Gateway origin (overrides config).',env='GATEWAY_URL'"`
	SecretKey  string `kong:"help='Bearer secret sent to the gateway (overrides config).',env='FUSEPLANE_SECRET_KEY,EASYBUILD_SECRET_KEY'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Dev        bool   `kong:"help='Enable the development passthrough rule.',env='DEV_PASSTHROUGH'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Dev      DevConfig      `toml:"dev"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64    `toml:"body_max_bytes"`
	Routes       []string `toml:"routes"` // wildcard prefixes served by the forwarder
}

// GatewayConfig describes the single gateway every request is forwarded to.
type GatewayConfig struct {
	BaseURL    string `toml:"base_url"`
	SecretKey  string `toml:"secret_key"`
	PathPrefix string `toml:"path_prefix"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// RelayConfig controls what is copied from the gateway response.
type RelayConfig struct {
	// CopyContentType is a pointer so an omitted key can default to true.
	CopyContentType *bool `toml:"copy_content_type"`
}

// DevConfig controls the development passthrough rule.
type DevConfig struct {
	Enabled bool   `toml:"enabled"`
	Pattern string `toml:"pattern"`
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
// /etc/fuseplane-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
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
	if cli.GatewayURL != "" {
		c.Gateway.BaseURL = cli.GatewayURL
	}
	if cli.SecretKey != "" {
		c.Gateway.SecretKey = cli.SecretKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Dev {
		c.Dev.Enabled = true
	}
}

func (c *Config) validate() error {
	// Gateway URL: must be an HTTPS origin.
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil {
		return fmt.Errorf("gateway.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("gateway.base_url must use HTTPS; got %q", c.Gateway.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway.base_url has no host; got %q", c.Gateway.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("gateway.base_url must not carry a query or fragment; got %q", c.Gateway.BaseURL)
	}
	if p := c.Gateway.PathPrefix; p != "" && p[0] != '/' {
		return fmt.Errorf("gateway.path_prefix must start with '/'; got %q", p)
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

	// Forwarding routes.
	for _, r := range c.Server.Routes {
		if r == "" || r[0] != '/' || r == "/" {
			return fmt.Errorf("server.routes entries must start with '/' and not be the root; got %q", r)
		}
		if strings.HasSuffix(r, "/") || strings.Contains(r, "*") || strings.Contains(r, ":") {
			return fmt.Errorf("server.routes entry %q must be a plain prefix without trailing slash, wildcard or parameter", r)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if r == reserved {
				return fmt.Errorf("server.routes entry %q conflicts with reserved route", r)
			}
		}
	}

	// Dev passthrough pattern.
	if c.Dev.Enabled {
		if _, err := regexp.Compile(c.Dev.Pattern); err != nil {
			return fmt.Errorf("dev.pattern is not a valid regular expression: %w", err)
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
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" || p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := append([]string{"/healthz", "/proxy/status"}, c.Server.Routes...)
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
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
	if len(c.Server.Routes) == 0 {
		c.Server.Routes = []string{"/p", "/api/p"}
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = DefaultGatewayURL
	}
	c.Gateway.BaseURL = strings.TrimRight(c.Gateway.BaseURL, "/")
	c.Gateway.PathPrefix = strings.TrimRight(c.Gateway.PathPrefix, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Relay.CopyContentType == nil {
		v := true
		c.Relay.CopyContentType = &v
	}
	if c.Dev.Pattern == "" {
		c.Dev.Pattern = DefaultDevPattern
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

// CopyContentTypeEnabled reports whether the gateway's Content-Type is relayed.
func (r RelayConfig) CopyContentTypeEnabled() bool {
	return r.CopyContentType == nil || *r.CopyContentType
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

// HasSecret reports whether a non-empty bearer secret is configured.
func (c *GatewayConfig) HasSecret() bool {
	return c.SecretKey != ""
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

// WarnMissingSecret logs a warning when the gateway will receive an empty bearer token.
func (c *Config) WarnMissingSecret(logger *slog.Logger) {
	if !c.Gateway.HasSecret() {
		logger.Warn("no gateway secret configured; forwarding with an empty bearer token",
			"env", []string{"FUSEPLANE_SECRET_KEY", "EASYBUILD_SECRET_KEY"},
		)
	}
}
