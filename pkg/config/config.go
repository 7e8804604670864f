package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/platinummonkey/guardpost/pkg/auth"
	"github.com/platinummonkey/guardpost/pkg/database"
	"github.com/platinummonkey/guardpost/pkg/observability"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// EnvPrefix prefixes every environment override, e.g. GUARDPOST_SERVER_PORT
const EnvPrefix = "GUARDPOST"

// FileEnv names the environment variable holding an optional config file path
const FileEnv = "GUARDPOST_CONFIG"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Invitations   InvitationConfig    `mapstructure:"invitations"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string `mapstructure:"health_port"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string        `mapstructure:"url"`
	MaxConns    int           `mapstructure:"max_conns"`
	MinConns    int           `mapstructure:"min_conns"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
}

// RedisConfig holds the invalidation bus connection
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Password   string `mapstructure:"password"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
	Channel    string `mapstructure:"channel"`
}

// CacheConfig sizes the role permission cache
type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
	// WarmLimit caps how many tenants are primed at startup; zero disables warming
	WarmLimit int `mapstructure:"warm_limit"`
	// RebuildTimeout bounds one tenant's role permission rebuild
	RebuildTimeout time.Duration `mapstructure:"rebuild_timeout"`
}

// InvitationConfig holds invitation lifetimes and the sweep schedule
type InvitationConfig struct {
	TTL                 time.Duration `mapstructure:"ttl"`
	TenantInvitationTTL time.Duration `mapstructure:"tenant_invitation_ttl"`
	SweepSchedule       string        `mapstructure:"sweep_schedule"`
}

// AuthConfig holds session settings and the email gate
type AuthConfig struct {
	SessionSecret            string        `mapstructure:"session_secret"`
	SessionTTL               time.Duration `mapstructure:"session_ttl"`
	SessionAudience          string        `mapstructure:"session_audience"`
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
}

// CatalogConfig points at an optional permission catalog replacing the embedded one
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`

	OTelEnabled        bool   `mapstructure:"otel_enabled"`
	OTelEndpoint       string `mapstructure:"otel_endpoint"`
	OTelServiceName    string `mapstructure:"otel_service_name"`
	OTelServiceVersion string `mapstructure:"otel_service_version"`
	OTelInsecure       bool   `mapstructure:"otel_insecure"`
}

var defaults = map[string]interface{}{
	"server.host":             "0.0.0.0",
	"server.port":             "8080",
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    15 * time.Second,
	"server.idle_timeout":     60 * time.Second,
	"server.shutdown_timeout": 30 * time.Second,
	"server.health_port":      "9090",

	"database.url":           "",
	"database.max_conns":     20,
	"database.min_conns":     5,
	"database.timeout":       5 * time.Second,
	"database.max_lifetime":  30 * time.Minute,
	"database.max_idle_time": 5 * time.Minute,

	"redis.url":         "redis://localhost:6379/0",
	"redis.password":    "",
	"redis.max_retries": 3,
	"redis.pool_size":   10,
	"redis.channel":     rbac.DefaultInvalidationChannel,

	"cache.ttl":             30 * time.Second,
	"cache.size":            10000,
	"cache.warm_limit":      500,
	"cache.rebuild_timeout": 10 * time.Second,

	"invitations.ttl":                   time.Hour,
	"invitations.tenant_invitation_ttl": 7 * 24 * time.Hour,
	"invitations.sweep_schedule":        "@every 15m",

	"auth.session_secret":             "",
	"auth.session_ttl":                24 * time.Hour,
	"auth.session_audience":           "guardpost-api",
	"auth.require_email_verification": true,

	"catalog.path": "",

	"observability.log_level":            "info",
	"observability.metrics_enabled":      true,
	"observability.otel_enabled":         false,
	"observability.otel_endpoint":        "localhost:4317",
	"observability.otel_service_name":    "guardpost",
	"observability.otel_service_version": "1.0.0",
	"observability.otel_insecure":        true,
}

// Load reads defaults, the file named by GUARDPOST_CONFIG if set, and
// GUARDPOST_* environment overrides, then validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config file; an empty path skips the file
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive")
	}

	if c.Invitations.TTL <= 0 || c.Invitations.TenantInvitationTTL <= 0 {
		return fmt.Errorf("invitation TTLs must be positive")
	}
	if c.Invitations.SweepSchedule == "" {
		return fmt.Errorf("invitation sweep schedule is required")
	}

	if len(c.Auth.SessionSecret) < 32 {
		return fmt.Errorf("session secret must be at least 32 bytes")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Addr is the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr is the health and metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
}

// Options converts to database.Config
func (d DatabaseConfig) Options() database.Config {
	return database.Config{
		URL:         d.URL,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		Timeout:     d.Timeout,
		MaxLifetime: d.MaxLifetime,
		MaxIdleTime: d.MaxIdleTime,
	}
}

// Options converts to database.RedisConfig
func (r RedisConfig) Options() database.RedisConfig {
	return database.RedisConfig{
		URL:        r.URL,
		Password:   r.Password,
		MaxRetries: r.MaxRetries,
		PoolSize:   r.PoolSize,
	}
}

// Options converts to rbac.CacheConfig
func (c CacheConfig) Options() rbac.CacheConfig {
	return rbac.CacheConfig{TTL: c.TTL, Size: c.Size, RebuildTimeout: c.RebuildTimeout}
}

// Session converts to auth.SessionConfig
func (a AuthConfig) Session() auth.SessionConfig {
	return auth.SessionConfig{
		Secret:   []byte(a.SessionSecret),
		TTL:      a.SessionTTL,
		Audience: a.SessionAudience,
	}
}

// Level parses the configured log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(strings.ToLower(o.LogLevel))
}

// OTel converts to observability.OTelConfig
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}
