package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haulbase/haulbase/pkg/observability"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "HAULBASE_"

// ConfigFileEnv names the variable holding an optional YAML config path
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// Cache backends
const (
	CacheBackendMemory    = "memory"
	CacheBackendRedis     = "redis"
	CacheBackendBroadcast = "broadcast"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Authz         AuthzConfig         `yaml:"authz"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health and metrics listen here so probes bypass the admin API
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

// RedisConfig holds the Redis connection used by the shared cache backends
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthzConfig holds permission cache settings
type AuthzConfig struct {
	CacheBackend        string        `yaml:"cache_backend"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheSize           int           `yaml:"cache_size"`
	RedisKeyPrefix      string        `yaml:"redis_key_prefix"`
	InvalidationChannel string        `yaml:"invalidation_channel"`
	CacheFlushSchedule  string        `yaml:"cache_flush_schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			RunMigrations:   true,
		},
		Authz: AuthzConfig{
			CacheBackend:        CacheBackendMemory,
			CacheTTL:            5 * time.Minute,
			CacheSize:           10000,
			RedisKeyPrefix:      "authz:perms:",
			InvalidationChannel: "authz:invalidations",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "haulbase-authzd",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// HAULBASE_CONFIG_FILE if set, and then environment variables
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(ConfigFileEnv))
}

// Load is LoadConfig with an explicit file path. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every field whose variable is set
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("HEALTH_PORT", s.HealthPort)

	d := &c.Database
	d.URL = getEnv("POSTGRES_URL", d.URL)
	d.MaxOpenConns = getEnvInt("POSTGRES_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("POSTGRES_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.RunMigrations = getEnvBool("RUN_MIGRATIONS", d.RunMigrations)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	a := &c.Authz
	a.CacheBackend = strings.ToLower(getEnv("AUTHZ_CACHE_BACKEND", a.CacheBackend))
	a.CacheTTL = getEnvDuration("AUTHZ_CACHE_TTL", a.CacheTTL)
	a.CacheSize = getEnvInt("AUTHZ_CACHE_SIZE", a.CacheSize)
	a.RedisKeyPrefix = getEnv("AUTHZ_REDIS_KEY_PREFIX", a.RedisKeyPrefix)
	a.InvalidationChannel = getEnv("AUTHZ_INVALIDATION_CHANNEL", a.InvalidationChannel)
	a.CacheFlushSchedule = getEnv("AUTHZ_CACHE_FLUSH_SCHEDULE", a.CacheFlushSchedule)

	o := &c.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
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
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Authz.CacheBackend {
	case CacheBackendMemory:
	case CacheBackendRedis, CacheBackendBroadcast:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the %s cache backend", c.Authz.CacheBackend)
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, or broadcast)", c.Authz.CacheBackend)
	}
	if c.Authz.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Authz.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
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

// getEnv returns the prefixed environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
