// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Handoff   HandoffConfig   `yaml:"handoff" toml:"handoff"`
	Ingest    IngestConfig    `yaml:"ingest" toml:"ingest"`
	AutoReply AutoReplyConfig `yaml:"auto_reply" toml:"auto_reply"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins lists the browser origins permitted to open /ws.
	// Empty allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose the HTTP listener publicly so platforms can reach webhooks
}

// DatabaseConfig selects the store dialect.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver" validate:"oneof=sqlite postgres"`
	Path   string `yaml:"path" toml:"path"` // sqlite file path
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres connection string
}

// Source returns the path or DSN for the configured driver.
func (d DatabaseConfig) Source() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret" toml:"jwt_secret" validate:"required,min=32"`
	WidgetTokenTTL time.Duration `yaml:"-" toml:"-"`

	WidgetTokenTTLRaw string `yaml:"widget_token_ttl" toml:"widget_token_ttl"`
}

// HandoffConfig holds conversation lock settings
type HandoffConfig struct {
	DefaultLockTTL time.Duration `yaml:"-" toml:"-"`

	DefaultLockTTLRaw string `yaml:"default_lock_ttl" toml:"default_lock_ttl"`
}

// IngestConfig holds message ingestion settings
type IngestConfig struct {
	EchoWindow time.Duration `yaml:"-" toml:"-"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`
	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size" validate:"gte=0"`

	EchoWindowRaw string `yaml:"echo_window" toml:"echo_window"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// AutoReplyConfig holds the external auto-reply service settings
type AutoReplyConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Endpoint      string        `yaml:"endpoint" toml:"endpoint" validate:"omitempty,url"`
	APIKey        string        `yaml:"api_key" toml:"api_key"`
	Workers       int           `yaml:"workers" toml:"workers" validate:"gte=0,lte=64"`
	QueueSize     int           `yaml:"queue_size" toml:"queue_size" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second" validate:"gte=0"`
	Burst         int           `yaml:"burst" toml:"burst" validate:"gte=0"`
	Timeout       time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ChannelsConfig holds per-platform webhook and send settings
type ChannelsConfig struct {
	Zalo     PlatformConfig `yaml:"zalo" toml:"zalo"`
	Facebook PlatformConfig `yaml:"facebook" toml:"facebook"`
}

// PlatformConfig holds settings shared by the OA messaging platforms
type PlatformConfig struct {
	AppID       string `yaml:"app_id" toml:"app_id"` // Zalo only; part of the webhook MAC
	AppSecret   string `yaml:"app_secret" toml:"app_secret"`
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	APIBase     string `yaml:"api_base" toml:"api_base" validate:"omitempty,url"`
}

// SchedulerConfig holds background job intervals
type SchedulerConfig struct {
	SweepInterval        time.Duration `yaml:"-" toml:"-"`
	TokenRefreshInterval time.Duration `yaml:"-" toml:"-"`
	RefreshWindow        time.Duration `yaml:"-" toml:"-"`

	SweepIntervalRaw        string `yaml:"sweep_interval" toml:"sweep_interval"`
	TokenRefreshIntervalRaw string `yaml:"token_refresh_interval" toml:"token_refresh_interval"`
	RefreshWindowRaw        string `yaml:"refresh_window" toml:"refresh_window"`
}

// RelayConfig holds the cross-instance event relay settings
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	URL      string `yaml:"url" toml:"url" validate:"omitempty,url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// TelemetryConfig holds OpenTelemetry export settings
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

// Defaults applied when a field is left empty.
const (
	DefaultLockTTL              = 300 * time.Second
	DefaultEchoWindow           = 10 * time.Second
	DefaultDedupeTTL            = 10 * time.Minute
	DefaultDedupeSize           = 10000
	DefaultAutoReplyWorkers     = 4
	DefaultAutoReplyQueue       = 256
	DefaultAutoReplyTimeout     = 120 * time.Second
	DefaultSweepInterval        = 60 * time.Second
	DefaultTokenRefreshInterval = 30 * time.Minute
	DefaultRefreshWindow        = time.Hour
	DefaultWidgetTokenTTL       = 30 * 24 * time.Hour
	DefaultRelayExchange        = "switchboard.events"
	DefaultServiceName          = "switchboard"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.WidgetTokenTTL == 0 {
		c.Auth.WidgetTokenTTL = DefaultWidgetTokenTTL
	}
	if c.Handoff.DefaultLockTTL == 0 {
		c.Handoff.DefaultLockTTL = DefaultLockTTL
	}
	if c.Ingest.EchoWindow == 0 {
		c.Ingest.EchoWindow = DefaultEchoWindow
	}
	if c.Ingest.DedupeTTL == 0 {
		c.Ingest.DedupeTTL = DefaultDedupeTTL
	}
	if c.Ingest.DedupeSize == 0 {
		c.Ingest.DedupeSize = DefaultDedupeSize
	}
	if c.AutoReply.Workers == 0 {
		c.AutoReply.Workers = DefaultAutoReplyWorkers
	}
	if c.AutoReply.QueueSize == 0 {
		c.AutoReply.QueueSize = DefaultAutoReplyQueue
	}
	if c.AutoReply.Timeout == 0 {
		c.AutoReply.Timeout = DefaultAutoReplyTimeout
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = DefaultSweepInterval
	}
	if c.Scheduler.TokenRefreshInterval == 0 {
		c.Scheduler.TokenRefreshInterval = DefaultTokenRefreshInterval
	}
	if c.Scheduler.RefreshWindow == 0 {
		c.Scheduler.RefreshWindow = DefaultRefreshWindow
	}
	if c.Relay.Exchange == "" {
		c.Relay.Exchange = DefaultRelayExchange
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q validation", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	}

	if c.AutoReply.Enabled && c.AutoReply.Endpoint == "" {
		return fmt.Errorf("auto_reply.endpoint is required when auto_reply is enabled")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.widget_token_ttl", cfg.Auth.WidgetTokenTTLRaw, &cfg.Auth.WidgetTokenTTL},
		{"handoff.default_lock_ttl", cfg.Handoff.DefaultLockTTLRaw, &cfg.Handoff.DefaultLockTTL},
		{"ingest.echo_window", cfg.Ingest.EchoWindowRaw, &cfg.Ingest.EchoWindow},
		{"ingest.dedupe_ttl", cfg.Ingest.DedupeTTLRaw, &cfg.Ingest.DedupeTTL},
		{"auto_reply.timeout", cfg.AutoReply.TimeoutRaw, &cfg.AutoReply.Timeout},
		{"scheduler.sweep_interval", cfg.Scheduler.SweepIntervalRaw, &cfg.Scheduler.SweepInterval},
		{"scheduler.token_refresh_interval", cfg.Scheduler.TokenRefreshIntervalRaw, &cfg.Scheduler.TokenRefreshInterval},
		{"scheduler.refresh_window", cfg.Scheduler.RefreshWindowRaw, &cfg.Scheduler.RefreshWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
