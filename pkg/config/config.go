package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guildtools/guildgate/pkg/observability"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// Security cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all service configuration.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Cache         CacheConfig
	Perms         PermsConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig

	// OverlayPath is an optional YAML file re-applied on change for the
	// hot-reloadable settings.
	OverlayPath string
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// AuthToken enables bearer auth on /v1 routes when non-empty.
	AuthToken string

	// Rate limiting per client IP.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string

	MongoURI      string
	MongoDatabase string

	PostgresURL      string
	PostgresMaxConns int
}

// CacheConfig selects the guild security cache.
type CacheConfig struct {
	Backend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// PermsConfig tunes the permission engine.
type PermsConfig struct {
	DenialLogWindow   time.Duration
	DenialLogCapacity int
}

// RetentionConfig configures the audit retention job.
type RetentionConfig struct {
	Enabled       bool
	Days          int
	Schedule      string
	Archive       bool
	ArchiveBucket string
	ArchiveRegion string
	ArchivePrefix string

	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load builds configuration from GUILDGATE_* environment variables, applies
// the optional YAML overlay and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("GUILDGATE_HOST", "0.0.0.0"),
			Port:               getEnv("GUILDGATE_PORT", "8080"),
			ReadTimeout:        getEnvDuration("GUILDGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvDuration("GUILDGATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:        getEnvDuration("GUILDGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:    getEnvDuration("GUILDGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:         getEnv("GUILDGATE_HEALTH_PORT", "9090"),
			AuthToken:          getEnv("GUILDGATE_OPS_TOKEN", ""),
			RateLimitPerSecond: getEnvFloat("GUILDGATE_RATE_LIMIT_PER_SECOND", 10),
			RateLimitBurst:     getEnvInt("GUILDGATE_RATE_LIMIT_BURST", 20),
		},
		Store: StoreConfig{
			Backend:          getEnv("GUILDGATE_STORE_BACKEND", StoreMemory),
			MongoURI:         getEnv("GUILDGATE_MONGO_URI", ""),
			MongoDatabase:    getEnv("GUILDGATE_MONGO_DATABASE", "guildgate"),
			PostgresURL:      getEnv("GUILDGATE_POSTGRES_URL", ""),
			PostgresMaxConns: getEnvInt("GUILDGATE_POSTGRES_MAX_CONNS", 10),
		},
		Cache: CacheConfig{
			Backend:       getEnv("GUILDGATE_CACHE_BACKEND", CacheMemory),
			RedisAddr:     getEnv("GUILDGATE_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("GUILDGATE_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("GUILDGATE_REDIS_DB", 0),
			RedisTTL:      getEnvDuration("GUILDGATE_REDIS_TTL", 0),
		},
		Perms: PermsConfig{
			DenialLogWindow:   getEnvDuration("GUILDGATE_DENIAL_LOG_WINDOW", 60*time.Second),
			DenialLogCapacity: getEnvInt("GUILDGATE_DENIAL_LOG_CAPACITY", 8192),
		},
		Retention: RetentionConfig{
			Enabled:        getEnvBool("GUILDGATE_RETENTION_ENABLED", true),
			Days:           getEnvInt("GUILDGATE_RETENTION_DAYS", 90),
			Schedule:       getEnv("GUILDGATE_RETENTION_SCHEDULE", "0 4 * * *"),
			Archive:        getEnvBool("GUILDGATE_RETENTION_ARCHIVE", false),
			ArchiveBucket:  getEnv("GUILDGATE_ARCHIVE_BUCKET", ""),
			ArchiveRegion:  getEnv("GUILDGATE_ARCHIVE_REGION", "us-east-1"),
			ArchivePrefix:  getEnv("GUILDGATE_ARCHIVE_PREFIX", "audit"),
			S3Endpoint:     getEnv("GUILDGATE_S3_ENDPOINT", ""),
			S3AccessKey:    getEnv("GUILDGATE_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("GUILDGATE_S3_SECRET_KEY", ""),
			S3UsePathStyle: getEnvBool("GUILDGATE_S3_USE_PATH_STYLE", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("GUILDGATE_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("GUILDGATE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("GUILDGATE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("GUILDGATE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("GUILDGATE_OTEL_SERVICE_NAME", "guildgate"),
			OTelServiceVersion: getEnv("GUILDGATE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("GUILDGATE_OTEL_INSECURE", true),
		},
		OverlayPath: getEnv("GUILDGATE_CONFIG_FILE", ""),
	}

	if cfg.OverlayPath != "" {
		if err := cfg.ApplyOverlay(cfg.OverlayPath); err != nil {
			return nil, fmt.Errorf("failed to apply config overlay: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
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

	switch c.Store.Backend {
	case StoreMemory:
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("mongo URI is required for the mongo backend")
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, mongo, or postgres)", c.Store.Backend)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Cache.Backend)
	}

	if c.Perms.DenialLogWindow <= 0 {
		return fmt.Errorf("denial log window must be positive")
	}

	if c.Retention.Enabled {
		if c.Retention.Days <= 0 {
			return fmt.Errorf("retention days must be positive")
		}
		if c.Retention.Archive && c.Retention.ArchiveBucket == "" {
			return fmt.Errorf("archive bucket is required when audit archiving is enabled")
		}
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

func parseLogLevel(level string) observability.LogLevel {
	lv, err := observability.ParseLevel(level)
	if err != nil {
		return observability.InfoLevel
	}
	return lv
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
