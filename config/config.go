package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	// Public base URL used to build OAuth redirect URIs
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:"http://localhost:3000"`

	// Storage backend: "postgres" or "memory"
	StorageDriver string `env:"STORAGE_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Secret used to derive the credential encryption key
	EncryptionSecret string `env:"ENCRYPTION_SECRET" env-required:"true"`
	// Secret used to sign OAuth state tokens
	StateSigningSecret string `env:"STATE_SIGNING_SECRET" env-required:"true"`
	// Lifetime of an OAuth state token
	StateTTL time.Duration `env:"STATE_TTL" env-default:"10m"`

	// Auth Enabled - when false, the X-User-ID header is trusted for local testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`
	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Accept vendor webhooks for credentials without an inbound secret (local testing only)
	WebhooksAllowUnsigned bool `env:"WEBHOOKS_ALLOW_UNSIGNED" env-default:"false"`

	// Redis enabled; when false rate limiting is in-process and webhook event logging is off
	RedisEnabled bool `env:"REDIS_ENABLED" env-default:"false"`
	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`
	// Stream receiving normalized webhook events
	RedisWebhookEventStream string `env:"REDIS_WEBHOOK_EVENT_STREAM" env-default:"clover:webhook-events"`

	// Kafka enabled
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for sync lifecycle events
	KafkaSyncTopic string `env:"KAFKA_SYNC_TOPIC" env-default:"integration-sync-events"`

	// Outbound HTTP timeout for calls to external systems
	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" env-default:"30s"`
	// Attempts per external call before giving up
	APIMaxAttempts int `env:"API_MAX_ATTEMPTS" env-default:"3"`
	// Refresh credentials expiring within this window
	RefreshSafetyWindow time.Duration `env:"REFRESH_SAFETY_WINDOW" env-default:"5m"`
	// A sync still running after this long is taken over by the next sync
	SyncStaleAfter time.Duration `env:"SYNC_STALE_AFTER" env-default:"15m"`

	// Proactive refresh sweeper
	RefreshSweepEnabled bool `env:"REFRESH_SWEEP_ENABLED" env-default:"true"`
	// Minutes between sweeps
	RefreshSweepIntervalMinutes int `env:"REFRESH_SWEEP_INTERVAL_MINUTES" env-default:"5"`
	// Sweep credentials expiring within this window
	RefreshSweepWindow time.Duration `env:"REFRESH_SWEEP_WINDOW" env-default:"15m"`

	// Provider catalog (YAML) with OAuth endpoints and client credentials
	ProvidersFile string `env:"PROVIDERS_FILE" env-default:""`

	// Tracing settings
	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
	// Print spans to stderr when OTLP export is off
	ConsoleTracing bool `env:"CONSOLE_TRACING" env-default:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	// A missing .env is normal outside local development.
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return &cfg, nil
}
