package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Batch         BatchConfig
	Workflow      WorkflowConfig
	Notifications NotificationConfig
	Cache         CacheConfig
	RateLimit     RateLimitConfig
	Platform      PlatformConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig only carries verification material; tokens are issued elsewhere.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BatchConfig tunes bulk operation dispatch.
type BatchConfig struct {
	Workers         int
	ItemTimeout     time.Duration
	ItemsPerSecond  float64
	Burst           int
	StoreRetries    int
	StoreRetryDelay time.Duration
	QueueWorkers    int
	QueueBuffer     int
	QueueRetries    int
	QueueRetryDelay time.Duration
	BreakerEnabled  bool
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// WorkflowConfig controls approval workflow defaults and the escalation sweep.
type WorkflowConfig struct {
	DefaultSLA         time.Duration
	EscalationInterval time.Duration
}

// NotificationConfig toggles event publishing to Redis.
type NotificationConfig struct {
	Enabled bool
	Channel string
	Timeout time.Duration
}

// CacheConfig governs the status projection cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// RateLimitConfig throttles API callers per client IP.
type RateLimitConfig struct {
	Enabled   bool
	PerMinute int64
}

// PlatformConfig points at the membership/team platform the engine drives.
type PlatformConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: v.GetString("JWT_AUDIENCE"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Batch = BatchConfig{
		Workers:         v.GetInt("BATCH_WORKERS"),
		ItemTimeout:     parseDuration(v.GetString("BATCH_ITEM_TIMEOUT"), 30*time.Second),
		ItemsPerSecond:  v.GetFloat64("BATCH_ITEMS_PER_SECOND"),
		Burst:           v.GetInt("BATCH_BURST"),
		StoreRetries:    v.GetInt("BATCH_STORE_RETRIES"),
		StoreRetryDelay: parseDuration(v.GetString("BATCH_STORE_RETRY_DELAY"), 200*time.Millisecond),
		QueueWorkers:    v.GetInt("BATCH_QUEUE_WORKERS"),
		QueueBuffer:     v.GetInt("BATCH_QUEUE_BUFFER"),
		QueueRetries:    v.GetInt("BATCH_QUEUE_RETRIES"),
		QueueRetryDelay: parseDuration(v.GetString("BATCH_QUEUE_RETRY_DELAY"), 5*time.Second),
		BreakerEnabled:  v.GetBool("BATCH_BREAKER_ENABLED"),
		BreakerFailures: v.GetInt("BATCH_BREAKER_FAILURES"),
		BreakerTimeout:  parseDuration(v.GetString("BATCH_BREAKER_TIMEOUT"), 30*time.Second),
	}

	cfg.Workflow = WorkflowConfig{
		DefaultSLA:         parseDuration(v.GetString("WORKFLOW_DEFAULT_SLA"), 0),
		EscalationInterval: parseDuration(v.GetString("WORKFLOW_ESCALATION_INTERVAL"), time.Minute),
	}

	cfg.Notifications = NotificationConfig{
		Enabled: v.GetBool("ENABLE_NOTIFICATIONS"),
		Channel: v.GetString("NOTIFICATIONS_CHANNEL"),
		Timeout: parseDuration(v.GetString("NOTIFICATIONS_TIMEOUT"), 2*time.Second),
	}

	cfg.Cache = CacheConfig{
		Enabled: v.GetBool("ENABLE_STATUS_CACHE"),
		TTL:     parseDuration(v.GetString("STATUS_CACHE_TTL"), 10*time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:   v.GetBool("RATE_LIMIT_ENABLED"),
		PerMinute: v.GetInt64("RATE_LIMIT_PER_MINUTE"),
	}

	cfg.Platform = PlatformConfig{
		BaseURL: strings.TrimRight(v.GetString("PLATFORM_API_URL"), "/"),
		Token:   v.GetString("PLATFORM_API_TOKEN"),
		Timeout: parseDuration(v.GetString("PLATFORM_API_TIMEOUT"), 10*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "training_ops")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BATCH_WORKERS", 5)
	v.SetDefault("BATCH_ITEM_TIMEOUT", "30s")
	v.SetDefault("BATCH_ITEMS_PER_SECOND", 0)
	v.SetDefault("BATCH_BURST", 5)
	v.SetDefault("BATCH_STORE_RETRIES", 3)
	v.SetDefault("BATCH_STORE_RETRY_DELAY", "200ms")
	v.SetDefault("BATCH_QUEUE_WORKERS", 2)
	v.SetDefault("BATCH_QUEUE_BUFFER", 32)
	v.SetDefault("BATCH_QUEUE_RETRIES", 3)
	v.SetDefault("BATCH_QUEUE_RETRY_DELAY", "5s")
	v.SetDefault("BATCH_BREAKER_ENABLED", false)
	v.SetDefault("BATCH_BREAKER_FAILURES", 10)
	v.SetDefault("BATCH_BREAKER_TIMEOUT", "30s")

	v.SetDefault("WORKFLOW_DEFAULT_SLA", "")
	v.SetDefault("WORKFLOW_ESCALATION_INTERVAL", "1m")

	v.SetDefault("ENABLE_NOTIFICATIONS", false)
	v.SetDefault("NOTIFICATIONS_CHANNEL", "training-ops:events")
	v.SetDefault("NOTIFICATIONS_TIMEOUT", "2s")

	v.SetDefault("ENABLE_STATUS_CACHE", false)
	v.SetDefault("STATUS_CACHE_TTL", "10m")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 300)

	v.SetDefault("PLATFORM_API_URL", "http://localhost:9000")
	v.SetDefault("PLATFORM_API_TOKEN", "")
	v.SetDefault("PLATFORM_API_TIMEOUT", "10s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
