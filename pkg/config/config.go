// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName  string
	LogLevel     string
	Server       ServerConfig
	Store        StoreConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Queue        QueueConfig
	Webhook      WebhookConfig
	Verification VerificationConfig
	Events       EventsConfig
	Provider     ProviderConfig
	Security     SecurityConfig
}

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	IdempotencyTTL time.Duration

	// RateLimit is requests per RateLimitWindow per tenant; 0 disables it.
	RateLimit       int
	RateLimitWindow time.Duration
}

// StoreConfig selects the persistence backends. "postgres"/"redis" in
// production, "memory" for local development.
type StoreConfig struct {
	Driver      string
	QueueDriver string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type QueueConfig struct {
	Name               string
	Concurrency        int
	LeaseDuration      time.Duration
	RenewInterval      time.Duration
	PollInterval       time.Duration
	StallCheckInterval time.Duration
	MaxStalls          int
	DefaultAttempts    int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	JobTimeout         time.Duration
	CompletedMaxAge    time.Duration
	CompletedMaxCount  int
	FailedMaxAge       time.Duration
	FailedMaxCount     int
	PurgeInterval      time.Duration
}

type WebhookConfig struct {
	Timeout          time.Duration
	DefaultAttempts  int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RatePerSecond    float64
	Burst            int
	MaxResponseBytes int64
	UserAgent        string
}

type VerificationConfig struct {
	DefaultTTL      time.Duration
	PollInterval    time.Duration
	StatusTimeout   time.Duration
	InitiateTimeout time.Duration
	ExecuteAttempts int
	SweepInterval   time.Duration
	SweepBatchSize  int
}

type EventsConfig struct {
	BridgeEnabled bool
	BridgeChannel string
	SNSTopicARN   string
	SNSRegion     string
}

// ProviderConfig configures the generic HTTP provider adapter.
type ProviderConfig struct {
	HTTPEnabled   bool
	Name          string
	BaseURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	Async         bool
	Simulated     bool
}

type SecurityConfig struct {
	MasterKey string
}

func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "verifyd"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			IdempotencyTTL:  getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
			RateLimit:       getIntEnv("RATE_LIMIT_REQUESTS", 600),
			RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			QueueDriver: strings.ToLower(getEnv("QUEUE_DRIVER", "redis")),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Name:               getEnv("QUEUE_NAME", "verifyd"),
			Concurrency:        getIntEnv("QUEUE_CONCURRENCY", 4),
			LeaseDuration:      getDurationEnv("QUEUE_LEASE_DURATION", 30*time.Second),
			RenewInterval:      getDurationEnv("QUEUE_RENEW_INTERVAL", 10*time.Second),
			PollInterval:       getDurationEnv("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			StallCheckInterval: getDurationEnv("QUEUE_STALL_CHECK_INTERVAL", 15*time.Second),
			MaxStalls:          getIntEnv("QUEUE_MAX_STALLS", 2),
			DefaultAttempts:    getIntEnv("QUEUE_DEFAULT_ATTEMPTS", 3),
			BackoffBase:        getDurationEnv("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:         getDurationEnv("QUEUE_BACKOFF_MAX", 5*time.Minute),
			JobTimeout:         getDurationEnv("QUEUE_JOB_TIMEOUT", 2*time.Minute),
			CompletedMaxAge:    getDurationEnv("QUEUE_COMPLETED_MAX_AGE", time.Hour),
			CompletedMaxCount:  getIntEnv("QUEUE_COMPLETED_MAX_COUNT", 1000),
			FailedMaxAge:       getDurationEnv("QUEUE_FAILED_MAX_AGE", 7*24*time.Hour),
			FailedMaxCount:     getIntEnv("QUEUE_FAILED_MAX_COUNT", 10000),
			PurgeInterval:      getDurationEnv("QUEUE_PURGE_INTERVAL", 5*time.Minute),
		},
		Webhook: WebhookConfig{
			Timeout:          getDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second),
			DefaultAttempts:  getIntEnv("WEBHOOK_DEFAULT_ATTEMPTS", 5),
			BackoffBase:      getDurationEnv("WEBHOOK_BACKOFF_BASE", 5*time.Second),
			BackoffMax:       getDurationEnv("WEBHOOK_BACKOFF_MAX", 30*time.Minute),
			RatePerSecond:    getFloatEnv("WEBHOOK_RATE_PER_SECOND", 10),
			Burst:            getIntEnv("WEBHOOK_BURST", 20),
			MaxResponseBytes: int64(getIntEnv("WEBHOOK_MAX_RESPONSE_BYTES", 4096)),
			UserAgent:        getEnv("WEBHOOK_USER_AGENT", "verifyd-webhooks/1.0"),
		},
		Verification: VerificationConfig{
			DefaultTTL:      getDurationEnv("VERIFICATION_DEFAULT_TTL", 24*time.Hour),
			PollInterval:    getDurationEnv("VERIFICATION_POLL_INTERVAL", 15*time.Second),
			StatusTimeout:   getDurationEnv("VERIFICATION_STATUS_TIMEOUT", 5*time.Second),
			InitiateTimeout: getDurationEnv("VERIFICATION_INITIATE_TIMEOUT", 10*time.Second),
			ExecuteAttempts: getIntEnv("VERIFICATION_EXECUTE_ATTEMPTS", 5),
			SweepInterval:   getDurationEnv("VERIFICATION_SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:  getIntEnv("VERIFICATION_SWEEP_BATCH_SIZE", 200),
		},
		Events: EventsConfig{
			BridgeEnabled: getBoolEnv("EVENTS_BRIDGE_ENABLED", false),
			BridgeChannel: getEnv("EVENTS_BRIDGE_CHANNEL", "verifyd:events"),
			SNSTopicARN:   getEnv("EVENTS_SNS_TOPIC_ARN", ""),
			SNSRegion:     getEnv("EVENTS_SNS_REGION", "us-east-1"),
		},
		Provider: ProviderConfig{
			HTTPEnabled:   getBoolEnv("PROVIDER_HTTP_ENABLED", false),
			Name:          getEnv("PROVIDER_HTTP_NAME", "http"),
			BaseURL:       getEnv("PROVIDER_HTTP_BASE_URL", ""),
			TokenURL:      getEnv("PROVIDER_HTTP_TOKEN_URL", ""),
			ClientID:      getEnv("PROVIDER_HTTP_CLIENT_ID", ""),
			ClientSecret:  getEnv("PROVIDER_HTTP_CLIENT_SECRET", ""),
			Scopes:        getListEnv("PROVIDER_HTTP_SCOPES"),
			RatePerSecond: getFloatEnv("PROVIDER_HTTP_RATE_PER_SECOND", 5),
			Burst:         getIntEnv("PROVIDER_HTTP_BURST", 10),
			Timeout:       getDurationEnv("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
			Async:         getBoolEnv("PROVIDER_HTTP_ASYNC", true),
			Simulated:     getBoolEnv("PROVIDER_SIMULATED", true),
		},
		Security: SecurityConfig{
			MasterKey: getEnv("MASTER_KEY", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
