package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the ledger service.
type Config struct {
	HTTPPort      string
	JWTSecret     []byte
	JWTTTL        time.Duration
	LogLevel      string
	Local         bool
	Database      DatabaseConfig
	Redis         RedisConfig
	Idempotency   IdempotencyConfig
	PendingSpend  PendingSpendConfig
	Webhooks      WebhookConfig
	Tiers         TierConfig
	Refill        RefillConfig
	Mirror        MirrorConfig
	Reconcile     ReconcileConfig
	AnalyticsSink AnalyticsSinkConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// IdempotencyConfig controls webhook marker lifetimes.
type IdempotencyConfig struct {
	LockTTL      time.Duration // how long a "processing" marker blocks redelivery
	ProcessedTTL time.Duration // how long a "processed" marker is kept
}

type PendingSpendConfig struct {
	Window time.Duration
}

// WebhookConfig holds per-provider secrets and payment rules.
type WebhookConfig struct {
	PolarSecret            string
	StripeSecret           string
	NOWPaymentsSecret      string
	Tolerance              time.Duration
	CardPromoMultiplier    decimal.Decimal
	CryptoPartialThreshold decimal.Decimal
	MaxBodyBytes           int64
}

// TierConfig selects the tier catalogue and the platform environment
// whose product IDs are used.
type TierConfig struct {
	CatalogPath          string
	Environment          string
	TrustScoreThresholds string // "seed:0.5,flower:0.8"
}

type RefillConfig struct {
	Enabled  bool
	Interval time.Duration
}

// MirrorConfig controls the outbound subscription mirroring queue and the
// subscription platform client.
type MirrorConfig struct {
	QueueName      string
	UseRedis       bool
	MaxRetries     int
	RetryBackoff   time.Duration
	PlatformURL    string
	PlatformToken  string
	RequestTimeout time.Duration
}

type ReconcileConfig struct {
	Concurrency int
	PageSize    int
}

// AnalyticsSinkConfig holds configuration for the S3-based analytics sink
type AnalyticsSinkConfig struct {
	Enabled       bool          // Whether to ship ledger records to S3
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string // Pod identifier for multi-pod deployments
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "":
		return defaultValue
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func getEnvDecimal(key string, defaultValue string) (decimal.Decimal, error) {
	val := getEnvString(key, defaultValue)
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, val, err)
	}
	return d, nil
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	multiplier, err := getEnvDecimal("CARD_PROMO_MULTIPLIER", "2")
	if err != nil {
		return nil, err
	}
	threshold, err := getEnvDecimal("CRYPTO_PARTIAL_THRESHOLD", "0.90")
	if err != nil {
		return nil, err
	}
	if multiplier.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("CARD_PROMO_MULTIPLIER must be positive")
	}
	if threshold.LessThanOrEqual(decimal.Zero) || threshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("CRYPTO_PARTIAL_THRESHOLD must be in (0, 1]")
	}

	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		JWTSecret: []byte(getEnvString("JWT_SECRET", "supersecretkey")),
		JWTTTL:    getEnvDuration("JWT_TTL", time.Hour),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		Local:     getEnvBool("LOCAL", false),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Idempotency: IdempotencyConfig{
			LockTTL:      getEnvDuration("IDEMPOTENCY_LOCK_TTL", 2*time.Minute),
			ProcessedTTL: getEnvDuration("IDEMPOTENCY_PROCESSED_TTL", 72*time.Hour),
		},
		PendingSpend: PendingSpendConfig{
			Window: getEnvDuration("PENDING_SPEND_WINDOW", 10*time.Minute),
		},
		Webhooks: WebhookConfig{
			PolarSecret:            getEnvString("POLAR_WEBHOOK_SECRET", ""),
			StripeSecret:           getEnvString("STRIPE_WEBHOOK_SECRET", ""),
			NOWPaymentsSecret:      getEnvString("NOWPAYMENTS_IPN_SECRET", ""),
			Tolerance:              getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
			CardPromoMultiplier:    multiplier,
			CryptoPartialThreshold: threshold,
			MaxBodyBytes:           getEnvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		},
		Tiers: TierConfig{
			CatalogPath:          getEnvString("TIER_CATALOG_PATH", ""),
			Environment:          getEnvString("PLATFORM_ENVIRONMENT", "production"),
			TrustScoreThresholds: getEnvString("TRUST_SCORE_THRESHOLDS", "seed:0.5"),
		},
		Refill: RefillConfig{
			Enabled:  getEnvBool("REFILL_ENABLED", true),
			Interval: getEnvDuration("REFILL_INTERVAL", 5*time.Minute),
		},
		Mirror: MirrorConfig{
			QueueName:      getEnvString("MIRROR_QUEUE_NAME", "subscription_mirror"),
			UseRedis:       getEnvBool("MIRROR_QUEUE_REDIS", true),
			MaxRetries:     getEnvInt("MIRROR_MAX_RETRIES", 5),
			RetryBackoff:   getEnvDuration("MIRROR_RETRY_BACKOFF", 2*time.Second),
			PlatformURL:    getEnvString("POLAR_API_URL", "https://api.polar.sh"),
			PlatformToken:  getEnvString("POLAR_ACCESS_TOKEN", ""),
			RequestTimeout: getEnvDuration("POLAR_REQUEST_TIMEOUT", 15*time.Second),
		},
		Reconcile: ReconcileConfig{
			Concurrency: getEnvInt("RECONCILE_CONCURRENCY", 8),
			PageSize:    getEnvInt("RECONCILE_PAGE_SIZE", 200),
		},
		AnalyticsSink: AnalyticsSinkConfig{
			Enabled:       getEnvBool("ANALYTICS_SINK_ENABLED", false),
			BufferSize:    getEnvInt("ANALYTICS_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("ANALYTICS_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("ANALYTICS_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("ANALYTICS_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("ANALYTICS_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("ANALYTICS_SINK_S3_PREFIX", "ledger/"),
			PodName:       getEnvString("POD_NAME", "ledger-0"),
		},
	}

	return cfg, nil
}
