package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/internal/service/geocoding"
	"github.com/jwalitptl/transfer-portal/internal/service/notification"
	"github.com/jwalitptl/transfer-portal/internal/session"
	"github.com/jwalitptl/transfer-portal/pkg/messaging/redis"
	"github.com/jwalitptl/transfer-portal/pkg/worker"
)

// EnvPrefix namespaces environment overrides, e.g. PORTAL_BACKEND_URL.
const EnvPrefix = "portal"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Session       SessionConfig       `mapstructure:"session"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Locale        LocaleConfig        `mapstructure:"locale"`
	Geocoding     GeocodingConfig     `mapstructure:"geocoding"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Security      SecurityConfig      `mapstructure:"security"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Relay         RelayConfig         `mapstructure:"relay"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Mode            string        `mapstructure:"mode"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type BackendConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type RealtimeConfig struct {
	HubURL            string        `mapstructure:"hub_url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	InitialInterval   time.Duration `mapstructure:"initial_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

type NotificationsConfig struct {
	PageSize int `mapstructure:"page_size"`
}

type SessionConfig struct {
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	AutoConnect    bool          `mapstructure:"auto_connect"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

type QueueConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	LoginPath  string `mapstructure:"login_path"`
	// RoleClaims are checked in order when reading the role from the token.
	RoleClaims []string `mapstructure:"role_claims"`
	// RoleRedirects maps a lower-cased role to the landing page for "/".
	RoleRedirects   map[string]string `mapstructure:"role_redirects"`
	DefaultRedirect string            `mapstructure:"default_redirect"`
	SecureCookies   bool              `mapstructure:"secure_cookies"`
}

type LocaleConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	Supported  []string      `mapstructure:"supported"`
	Default    string        `mapstructure:"default"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

type GeocodingConfig struct {
	URL               string        `mapstructure:"url"`
	CountryCode       string        `mapstructure:"country_code"`
	Limit             int           `mapstructure:"limit"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type MonitoringConfig struct {
	Namespace   string `mapstructure:"namespace"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type RelayConfig struct {
	ServiceToken  string        `mapstructure:"service_token"`
	HealthPort    int           `mapstructure:"health_port"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// envOverrides are read with envconfig after the config file, so secrets and
// deployment endpoints never need to live in YAML.
type envOverrides struct {
	Port           int      `envconfig:"PORT"`
	LogLevel       string   `envconfig:"LOG_LEVEL"`
	BackendURL     string   `envconfig:"BACKEND_URL"`
	HubURL         string   `envconfig:"HUB_URL"`
	GeocodingURL   string   `envconfig:"GEOCODING_URL"`
	RedisURL       string   `envconfig:"REDIS_URL"`
	ServiceToken   string   `envconfig:"SERVICE_TOKEN"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	SecureCookies  *bool    `envconfig:"SECURE_COOKIES"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")

	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.breaker_failures", 5)
	v.SetDefault("backend.breaker_timeout", 30*time.Second)

	v.SetDefault("realtime.handshake_timeout", 10*time.Second)
	v.SetDefault("realtime.idle_timeout", 30*time.Second)
	v.SetDefault("realtime.keep_alive_interval", 15*time.Second)
	v.SetDefault("realtime.initial_interval", time.Second)
	v.SetDefault("realtime.max_interval", 30*time.Second)
	v.SetDefault("realtime.multiplier", 2.0)
	v.SetDefault("realtime.max_retries", 5)

	v.SetDefault("notifications.page_size", 20)

	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.auto_connect", true)
	v.SetDefault("session.refresh_timeout", 15*time.Second)

	v.SetDefault("queue.path", "/api/driver/queue")

	v.SetDefault("auth.cookie_name", "auth_token")
	v.SetDefault("auth.login_path", "/login")
	v.SetDefault("auth.role_claims", []string{
		"role",
		"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
	})
	v.SetDefault("auth.role_redirects", map[string]string{
		"admin":  "/admin",
		"driver": "/driver",
		"kiosk":  "/kiosk",
	})
	v.SetDefault("auth.default_redirect", "/login")

	v.SetDefault("locale.cookie_name", "NEXT_LOCALE")
	v.SetDefault("locale.supported", []string{"en", "ru", "kk"})
	v.SetDefault("locale.default", "ru")
	v.SetDefault("locale.max_age", 365*24*time.Hour)

	v.SetDefault("geocoding.url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoding.country_code", "kz")
	v.SetDefault("geocoding.limit", 5)
	v.SetDefault("geocoding.cache_ttl", time.Hour)
	v.SetDefault("geocoding.requests_per_second", 1.0)
	v.SetDefault("geocoding.user_agent", "transfer-portal/1.0")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("security.allowed_methods", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.allowed_headers", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"})

	v.SetDefault("monitoring.namespace", "transfer_portal")
	v.SetDefault("monitoring.metrics_path", "/metrics")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "transfer.events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("relay.health_port", 8081)
	v.SetDefault("relay.retry_attempts", 3)
	v.SetDefault("relay.retry_delay", 500*time.Millisecond)
}

// LoadConfig reads config.yml from searchPaths (or the usual locations),
// then applies .env and PORTAL_* environment overrides. A missing config
// file is not an error.
func LoadConfig(searchPaths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(searchPaths) == 0 {
		searchPaths = []string{".", "./config", "/app/config"}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	env.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e envOverrides) apply(cfg *Config) {
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
	if e.LogLevel != "" {
		cfg.Log.Level = e.LogLevel
	}
	if e.BackendURL != "" {
		cfg.Backend.URL = e.BackendURL
	}
	if e.HubURL != "" {
		cfg.Realtime.HubURL = e.HubURL
	}
	if e.GeocodingURL != "" {
		cfg.Geocoding.URL = e.GeocodingURL
	}
	if e.RedisURL != "" {
		cfg.Redis.URL = e.RedisURL
	}
	if e.ServiceToken != "" {
		cfg.Relay.ServiceToken = e.ServiceToken
	}
	if len(e.AllowedOrigins) > 0 {
		cfg.Security.AllowedOrigins = e.AllowedOrigins
	}
	if e.SecureCookies != nil {
		cfg.Auth.SecureCookies = *e.SecureCookies
	}
}

// Validate checks the settings every process needs.
func (c *Config) Validate() error {
	var problems []string
	if c.Backend.URL == "" {
		problems = append(problems, "backend.url is required")
	}
	if c.Realtime.HubURL == "" {
		if c.Backend.URL == "" {
			problems = append(problems, "realtime.hub_url is required")
		} else {
			c.Realtime.HubURL = strings.TrimRight(c.Backend.URL, "/") + "/hubs/notifications"
		}
	}
	if len(c.Locale.Supported) == 0 {
		problems = append(problems, "locale.supported must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *BackendConfig) ToClientConfig() backend.Config {
	return backend.Config{
		BaseURL:         c.URL,
		Timeout:         c.Timeout,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
		Name:            "backend",
	}
}

func (c *GeocodingConfig) ToClientConfig() backend.Config {
	return backend.Config{
		BaseURL:   c.URL,
		UserAgent: c.UserAgent,
		Name:      "geocoder",
	}
}

func (c *GeocodingConfig) ToServiceConfig(language string) geocoding.Config {
	return geocoding.Config{
		CountryCode:       c.CountryCode,
		Language:          language,
		Limit:             c.Limit,
		CacheTTL:          c.CacheTTL,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

func (c *RealtimeConfig) ToManagerConfig() realtime.Config {
	return realtime.Config{
		HubURL:            c.HubURL,
		HandshakeTimeout:  c.HandshakeTimeout,
		IdleTimeout:       c.IdleTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		InitialInterval:   c.InitialInterval,
		MaxInterval:       c.MaxInterval,
		Multiplier:        c.Multiplier,
		MaxRetries:        c.MaxRetries,
	}
}

func (c *Config) ToSessionConfig() session.Config {
	return session.Config{
		IdleTTL:        c.Session.IdleTTL,
		AutoConnect:    c.Session.AutoConnect,
		RefreshTimeout: c.Session.RefreshTimeout,
		Realtime:       c.Realtime.ToManagerConfig(),
		Store:          notification.Config{PageSize: c.Notifications.PageSize},
		QueuePath:      c.Queue.Path,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *Config) ToRelayConfig() worker.RelayConfig {
	return worker.RelayConfig{
		Channel:       c.Redis.Channel,
		RetryAttempts: c.Relay.RetryAttempts,
		RetryDelay:    c.Relay.RetryDelay,
	}
}
