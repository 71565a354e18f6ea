package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the gate core configuration
type Config struct {
	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// AlertFile, when set, receives one JSON line per alert event
	AlertFile string `mapstructure:"alert_file"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	API       APIConfig       `mapstructure:"api"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// DatabaseConfig selects the store driver
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite3, postgres
	DSN          string `mapstructure:"dsn"`    // file path for sqlite3
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// FilterConfig holds deduplication and validation thresholds
type FilterConfig struct {
	MinPlateLength      int           `mapstructure:"min_plate_length"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// LifecycleConfig holds the approval policy for new visits
type LifecycleConfig struct {
	RequireApprovalUnregistered bool          `mapstructure:"require_approval_unregistered"`
	Capacity                    int           `mapstructure:"capacity"` // 0 disables the capacity rule
	MaxVisitDuration            time.Duration `mapstructure:"max_visit_duration"`
}

// ApprovalConfig holds the approval workflow settings
type ApprovalConfig struct {
	Channels        []string                  `mapstructure:"channels"`
	Timeout         time.Duration             `mapstructure:"timeout"`
	DispatchTimeout time.Duration             `mapstructure:"dispatch_timeout"`
	CallbackKey     string                    `mapstructure:"callback_key"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig tells how requests for one channel leave the core
type ProviderConfig struct {
	Type string `mapstructure:"type"` // webhook, redis, websocket, log
	URL  string `mapstructure:"url"`
}

// MonitorConfig holds heartbeat monitor timing
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AuthConfig holds admin token settings
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
}

// RedisConfig holds the redis connection used by the redis approval channel
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds the NATS connection used by the alert sink
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty disables the NATS sink
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "",
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          "./gate.db",
			MaxOpenConns: 10,
		},
		Filter: FilterConfig{
			MinPlateLength:      4,
			ConfidenceThreshold: 0.85,
			Cooldown:            60 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			RequireApprovalUnregistered: true,
			Capacity:                    0,
			MaxVisitDuration:            12 * time.Hour,
		},
		Approval: ApprovalConfig{
			Channels:        []string{"web"},
			Timeout:         10 * time.Minute,
			DispatchTimeout: 15 * time.Second,
			Providers:       map[string]ProviderConfig{},
		},
		Monitor: MonitorConfig{
			Interval:         60 * time.Second,
			OfflineThreshold: 5 * time.Minute,
		},
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           4000,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxConcurrency: 32,
			AcquireTimeout: 2 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			JWTExpiration: 12 * time.Hour,
			BcryptCost:    10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			SubjectPrefix: "gate.alerts",
		},
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gate-event-core")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".gate-event-core"))
		}
	}

	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("alert_file", cfg.AlertFile)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)

	v.SetDefault("filter.min_plate_length", cfg.Filter.MinPlateLength)
	v.SetDefault("filter.confidence_threshold", cfg.Filter.ConfidenceThreshold)
	v.SetDefault("filter.cooldown", cfg.Filter.Cooldown)

	v.SetDefault("lifecycle.require_approval_unregistered", cfg.Lifecycle.RequireApprovalUnregistered)
	v.SetDefault("lifecycle.capacity", cfg.Lifecycle.Capacity)
	v.SetDefault("lifecycle.max_visit_duration", cfg.Lifecycle.MaxVisitDuration)

	v.SetDefault("approval.channels", cfg.Approval.Channels)
	v.SetDefault("approval.timeout", cfg.Approval.Timeout)
	v.SetDefault("approval.dispatch_timeout", cfg.Approval.DispatchTimeout)
	v.SetDefault("approval.callback_key", cfg.Approval.CallbackKey)
	v.SetDefault("approval.providers", cfg.Approval.Providers)

	v.SetDefault("monitor.interval", cfg.Monitor.Interval)
	v.SetDefault("monitor.offline_threshold", cfg.Monitor.OfflineThreshold)

	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.read_timeout", cfg.API.ReadTimeout)
	v.SetDefault("api.write_timeout", cfg.API.WriteTimeout)
	v.SetDefault("api.max_concurrency", cfg.API.MaxConcurrency)
	v.SetDefault("api.acquire_timeout", cfg.API.AcquireTimeout)
	v.SetDefault("api.allowed_origins", cfg.API.AllowedOrigins)

	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiration", cfg.Auth.JWTExpiration)
	v.SetDefault("auth.bcrypt_cost", cfg.Auth.BcryptCost)

	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)

	v.SetDefault("nats.url", cfg.NATS.URL)
	v.SetDefault("nats.subject_prefix", cfg.NATS.SubjectPrefix)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be one of: sqlite3, postgres")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Filter.MinPlateLength <= 0 {
		return fmt.Errorf("filter.min_plate_length must be positive")
	}

	if c.Filter.ConfidenceThreshold < 0 || c.Filter.ConfidenceThreshold > 1 {
		return fmt.Errorf("filter.confidence_threshold must be between 0 and 1")
	}

	if c.Filter.Cooldown < 0 {
		return fmt.Errorf("filter.cooldown must not be negative")
	}

	if c.Lifecycle.Capacity < 0 {
		return fmt.Errorf("lifecycle.capacity must not be negative")
	}

	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}

	if len(c.Approval.Channels) == 0 {
		return fmt.Errorf("approval.channels must list at least one channel")
	}

	for name, p := range c.Approval.Providers {
		switch p.Type {
		case "webhook":
			if p.URL == "" {
				return fmt.Errorf("approval.providers.%s.url is required for webhook providers", name)
			}
		case "redis", "websocket", "log":
		default:
			return fmt.Errorf("approval.providers.%s.type must be one of: webhook, redis, websocket, log", name)
		}
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}

	if c.Monitor.OfflineThreshold <= 0 {
		return fmt.Errorf("monitor.offline_threshold must be positive")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	if c.API.MaxConcurrency <= 0 {
		return fmt.Errorf("api.max_concurrency must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// ProviderFor returns the provider configured for a channel. Channels without
// an explicit provider fall back to the websocket hub for "web" and to
// logging for everything else.
func (c *Config) ProviderFor(channel string) ProviderConfig {
	if p, ok := c.Approval.Providers[channel]; ok {
		return p
	}
	if channel == "web" {
		return ProviderConfig{Type: "websocket"}
	}
	return ProviderConfig{Type: "log"}
}
