// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings, optionally overlaid by a YAML file
// (GUILDGATE_CONFIG_FILE) whose hot-reloadable settings are re-applied on
// change via fsnotify.
//
// # Configuration Structure
//
// Server settings:
//
//	GUILDGATE_HOST="0.0.0.0"
//	GUILDGATE_PORT="8080"
//	GUILDGATE_HEALTH_PORT="9090"
//	GUILDGATE_READ_TIMEOUT="15s"
//	GUILDGATE_WRITE_TIMEOUT="15s"
//	GUILDGATE_OPS_TOKEN=""  # bearer auth on /v1 when set
//
// Store settings:
//
//	GUILDGATE_STORE_BACKEND="mongo"  # memory, mongo, postgres
//	GUILDGATE_MONGO_URI="mongodb://localhost:27017"
//	GUILDGATE_MONGO_DATABASE="guildgate"
//	GUILDGATE_POSTGRES_URL="postgres://localhost/guildgate"
//
// Cache settings:
//
//	GUILDGATE_CACHE_BACKEND="memory"  # memory, redis
//	GUILDGATE_REDIS_ADDR="localhost:6379"
//	GUILDGATE_REDIS_TTL="0"  # 0 = no expiry
//
// Retention settings:
//
//	GUILDGATE_RETENTION_ENABLED="true"
//	GUILDGATE_RETENTION_DAYS="90"
//	GUILDGATE_RETENTION_SCHEDULE="0 4 * * *"
//	GUILDGATE_RETENTION_ARCHIVE="false"
//	GUILDGATE_ARCHIVE_BUCKET=""
//
// Observability settings:
//
//	GUILDGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	GUILDGATE_METRICS_ENABLED="true"
//	GUILDGATE_OTEL_ENABLED="false"
//	GUILDGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Store: %s\n", cfg.Store.Backend)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
package config
