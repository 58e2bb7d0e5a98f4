package config

import (
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// SchedulingMode selects how the key selector orders candidates.
type SchedulingMode string

const (
	// ScheduleProviderPriority sorts by (provider priority, key priority).
	ScheduleProviderPriority SchedulingMode = "provider-priority"
	// ScheduleGlobalKeyPriority ignores provider grouping and sorts by
	// key priority alone.
	ScheduleGlobalKeyPriority SchedulingMode = "global-key-priority"
)

type RoutingConfig struct {
	SchedulingMode SchedulingMode `yaml:"scheduling_mode"`
	DefaultTimeout time.Duration  `yaml:"default_timeout"`

	// ModelRoutes maps a model-name prefix to a target endpoint
	// signature ("family:kind"). Longest prefix wins. Models with no
	// matching prefix route to the client family's chat signature.
	ModelRoutes map[string]string `yaml:"model_routes"`

	// ProviderTypes tunes availability tracking per provider_type.
	// The "default" entry applies to untagged endpoints.
	ProviderTypes map[string]ProviderTypeConfig `yaml:"provider_types"`
}

type ProviderTypeConfig struct {
	CooldownTTL      time.Duration `yaml:"cooldown_ttl"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// TypeConfig returns the tuning for a provider_type, falling back to
// the "default" entry and then to built-in defaults.
func (r RoutingConfig) TypeConfig(providerType string) ProviderTypeConfig {
	if c, ok := r.ProviderTypes[providerType]; ok {
		return c
	}
	if c, ok := r.ProviderTypes["default"]; ok {
		return c
	}
	return ProviderTypeConfig{CooldownTTL: 2 * time.Minute, FailureThreshold: 5}
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     300 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "relay",
			User:            "relay",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Routing: RoutingConfig{
			SchedulingMode: ScheduleProviderPriority,
			DefaultTimeout: 120 * time.Second,
			ModelRoutes: map[string]string{
				"claude-": "claude:chat",
				"gpt-":    "openai:chat",
				"o3":      "openai:chat",
				"gemini-": "gemini:chat",
			},
			ProviderTypes: map[string]ProviderTypeConfig{
				"default":     {CooldownTTL: 2 * time.Minute, FailureThreshold: 5},
				"codex":       {CooldownTTL: 5 * time.Minute, FailureThreshold: 3},
				"antigravity": {CooldownTTL: 5 * time.Minute, FailureThreshold: 3},
			},
		},
	}
}
