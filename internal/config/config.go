package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// SnowflakeNodeID is negative when unset. Processes sharing a database
	// must run with distinct node ids.
	SnowflakeNodeID int64

	LogLevel  string
	LogFormat string

	OTLPEndpoint      string
	OTLPProtocol      string
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	Signature SignatureConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Scheduler SchedulerConfig
	Push      MetricsPushConfig

	AdminToken string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint has been configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type SignatureConfig struct {
	// StrictMode rejects installs that have no stored secret instead of
	// trusting their first contact.
	StrictMode          bool
	ReplayWindowSeconds int64
}

type RateLimitConfig struct {
	Enabled          bool
	UsageIngestRate  float64
	UsageIngestBurst int
}

type QuotaConfig struct {
	CacheTTLSeconds int64
}

type SchedulerConfig struct {
	Enabled        bool
	ResetCron      string
	ResetBatchSize int
	LockTTLSeconds int64
}

// MetricsPushConfig ships the process registry to a remote collector, for
// deployments where nothing scrapes /metrics.
type MetricsPushConfig struct {
	Enabled         bool
	Exporter        string
	Endpoint        string
	AuthToken       string
	IntervalSeconds int64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		SnowflakeNodeID: getenvInt64("SNOWFLAKE_NODE_ID", -1),

		LogLevel:  strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat: strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),

		OTLPEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
		OtelEnabled:       getenvBool("OTEL_ENABLED", false),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "meterline.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Signature: SignatureConfig{
			StrictMode:          getenvBool("SIGNATURE_STRICT", false),
			ReplayWindowSeconds: getenvInt64("SIGNATURE_WINDOW_SECONDS", 300),
		},
		RateLimit: RateLimitConfig{
			Enabled:          getenvBool("INGEST_RATE_LIMIT_ENABLED", false),
			UsageIngestRate:  getenvFloat("INGEST_RATE", 5),
			UsageIngestBurst: int(getenvInt64("INGEST_BURST", 20)),
		},
		Quota: QuotaConfig{
			CacheTTLSeconds: getenvInt64("QUOTA_CACHE_TTL_SECONDS", 10),
		},
		Scheduler: SchedulerConfig{
			Enabled:        getenvBool("SCHEDULER_ENABLED", true),
			ResetCron:      getenv("RESET_CRON", "@hourly"),
			ResetBatchSize: int(getenvInt64("RESET_BATCH_SIZE", 200)),
			LockTTLSeconds: getenvInt64("RESET_LOCK_TTL_SECONDS", 300),
		},
		Push: MetricsPushConfig{
			Enabled:         getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:        strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "prometheus_pushgateway"))),
			Endpoint:        strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken:       strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			IntervalSeconds: getenvInt64("METRICS_PUSH_INTERVAL_SECONDS", 60),
		},
		AdminToken: strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
	}
}

// NodeID returns the configured snowflake node, or fallback when unset.
func (c Config) NodeID(fallback int64) int64 {
	if c.SnowflakeNodeID < 0 {
		return fallback
	}
	return c.SnowflakeNodeID
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
