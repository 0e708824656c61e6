package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mailsync"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL string
	RedisURL    string
	RabbitMQURL string

	// Security
	JWTSecret     string
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Worker
	WorkerID         string
	WorkerCount      int
	WorkerBatchSize  int
	WorkerJobTimeout time.Duration
	WorkerMaxRetries int

	// Consumer (Redis Stream)
	ConsumerGroup           string
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int

	// Sync
	SyncSchedule            string
	SyncIncrementalInterval time.Duration
	SyncPageSize            int
	SyncIncrementalLimit    int
	SyncLeaseTTL            time.Duration
	SyncInflightTTL         time.Duration
	SyncMaxRetries          int

	// Sanitizer
	TrustedSources []string

	// Notifications
	NotifyExchange string

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		WorkerID:         getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:      getEnvInt("WORKER_COUNT", 8),
		WorkerBatchSize:  getEnvInt("WORKER_BATCH_SIZE", 1),
		WorkerJobTimeout: time.Duration(getEnvInt("WORKER_JOB_TIMEOUT_SEC", 120)) * time.Second,
		WorkerMaxRetries: getEnvInt("WORKER_MAX_RETRIES", 3),

		ConsumerGroup:           getEnv("CONSUMER_GROUP", "mailsync-workers"),
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 20),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),

		SyncSchedule:            getEnv("SYNC_SCHEDULE", "*/30 * * * * *"),
		SyncIncrementalInterval: time.Duration(getEnvInt("SYNC_INCREMENTAL_INTERVAL_SEC", 300)) * time.Second,
		SyncPageSize:            getEnvInt("SYNC_PAGE_SIZE", 50),
		SyncIncrementalLimit:    getEnvInt("SYNC_INCREMENTAL_LIMIT", 200),
		SyncLeaseTTL:            time.Duration(getEnvInt("SYNC_LEASE_TTL_SEC", 30)) * time.Second,
		SyncInflightTTL:         time.Duration(getEnvInt("SYNC_INFLIGHT_TTL_SEC", 300)) * time.Second,
		SyncMaxRetries:          getEnvInt("SYNC_MAX_RETRIES", 5),

		TrustedSources: getEnvSlice("SANITIZE_TRUSTED_SOURCES", []string{"gmail", "outlook"}),

		NotifyExchange: getEnv("NOTIFY_EXCHANGE", "mailsync.events"),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sync engine cannot run with.
func (c *Config) Validate() error {
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.SyncPageSize)
	}
	if c.SyncIncrementalInterval <= 0 {
		return fmt.Errorf("SYNC_INCREMENTAL_INTERVAL_SEC must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
