// Package config loads and validates citefetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/citefetch/internal/fetch"
	"github.com/JakeFAU/citefetch/internal/ratelimit"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// FetchConfig holds per-request defaults and identification headers.
type FetchConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	From                  string `mapstructure:"from"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `mapstructure:"read_timeout_seconds"`
	Stream                bool   `mapstructure:"stream"`
	Verify                bool   `mapstructure:"verify"`
	BackoffInitialMs      int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int    `mapstructure:"backoff_max_ms"`
	// HostRPS paces requests per host; 0 disables pacing.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// ProxyConfig routes one host through a static-IP proxy.
type ProxyConfig struct {
	Host     string `mapstructure:"host"`
	StaticIP string `mapstructure:"static_ip"`
}

// ExportConfig sets where the CLI writes fetched bodies.
type ExportConfig struct {
	Target      string `mapstructure:"target"`
	ContentType string `mapstructure:"content_type"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig picks the OpenTelemetry span exporter ("none" or "stdout").
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CITEFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("proxy.static_ip", "CITEFETCH_PROXY_STATIC_IP", "STATIC_IP_PROXY"); err != nil {
		return Config{}, fmt.Errorf("bind proxy env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("fetch.user_agent", fetch.DefaultUserAgent)
	v.SetDefault("fetch.from", fetch.DefaultFrom)
	v.SetDefault("fetch.connect_timeout_seconds", int(fetch.DefaultTimeout/time.Second))
	v.SetDefault("fetch.read_timeout_seconds", int(fetch.DefaultTimeout/time.Second))
	v.SetDefault("fetch.stream", false)
	v.SetDefault("fetch.verify", false)
	v.SetDefault("fetch.backoff_initial_ms", 0)
	v.SetDefault("fetch.backoff_max_ms", 0)
	v.SetDefault("fetch.host_rps", 0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("proxy.host", fetch.DefaultProxyHost)
	v.SetDefault("proxy.static_ip", "")
	v.SetDefault("export.target", "")
	v.SetDefault("export.content_type", "application/octet-stream")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "citefetch")
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Fetch.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.connect_timeout_seconds must be > 0")
	}
	if c.Fetch.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.read_timeout_seconds must be > 0")
	}
	if c.Fetch.BackoffInitialMs < 0 || c.Fetch.BackoffMaxMs < 0 {
		return fmt.Errorf("fetch.backoff_initial_ms and fetch.backoff_max_ms must be >= 0")
	}
	if c.Fetch.HostRPS < 0 || c.Fetch.HostBurst < 0 {
		return fmt.Errorf("fetch.host_rps and fetch.host_burst must be >= 0")
	}
	if strings.TrimSpace(c.Proxy.Host) == "" {
		return fmt.Errorf("proxy.host must be set")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}
	return nil
}

// TransportConfig maps identification and proxy settings onto the fetch layer.
func (c Config) TransportConfig() fetch.TransportConfig {
	return fetch.TransportConfig{
		UserAgent: c.Fetch.UserAgent,
		From:      c.Fetch.From,
		ProxyHost: c.Proxy.Host,
		ProxyURL:  c.Proxy.StaticIP,
	}
}

// AttemptPolicy returns the application retry policy, with backoff when configured.
func (c Config) AttemptPolicy() *fetch.AttemptPolicy {
	policy := fetch.NewAttemptPolicy()
	if c.Fetch.BackoffInitialMs > 0 {
		policy = policy.WithBackoff(
			time.Duration(c.Fetch.BackoffInitialMs)*time.Millisecond,
			time.Duration(c.Fetch.BackoffMaxMs)*time.Millisecond,
		)
	}
	return policy
}

// RateLimit returns the per-host pacing settings.
func (c Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{RPS: c.Fetch.HostRPS, Burst: c.Fetch.HostBurst}
}

// Request builds a fetch.Request for url carrying the configured defaults.
func (c Config) Request(url string) fetch.Request {
	return fetch.Request{
		URL:            url,
		ConnectTimeout: time.Duration(c.Fetch.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:    time.Duration(c.Fetch.ReadTimeoutSeconds) * time.Second,
		Stream:         c.Fetch.Stream,
		Verify:         c.Fetch.Verify,
	}
}

// RequestTimeout bounds a single API call, retries and redirects included.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
