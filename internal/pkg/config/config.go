package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/BillFox/internal/pkg/env"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	AppHost string `validate:"required"`
	AppPort string `validate:"required,numeric"`
	// PublicBaseURL is used to build demo checkout and success URLs.
	PublicBaseURL string `validate:"required,url"`

	DBDriver string `validate:"omitempty,oneof=mysql postgres sqlite"`
	DBURL    string
	DBHost   string
	DBPort   string
	DBUser   string
	DBPass   string
	DBName   string

	CacheHost     string `validate:"required"`
	CachePort     int    `validate:"min=1,max=65535"`
	CachePassword string
	CacheDB       int `validate:"min=0,max=15"`

	// SecretKey seals tenant processor credentials (32 bytes, hex encoded).
	SecretKey string `validate:"required,hexadecimal,len=64"`

	ProcessorTimeout time.Duration `validate:"min=1s"`
	ProcessorAPIURL  string        `validate:"omitempty,url"`

	RetryBaseDelay   time.Duration `validate:"gt=0"`
	RetryMaxDelay    time.Duration `validate:"gtefield=RetryBaseDelay"`
	RetryMaxAttempts int           `validate:"min=1,max=10"`
	RetryJitter      float64       `validate:"min=0,max=1"`

	JobQueueWorkers int `validate:"min=1,max=64"`
	// Pending ledger rows older than ReprocessMinAge are re-queued every ReprocessInterval.
	ReprocessInterval time.Duration `validate:"min=1s"`
	ReprocessMinAge   time.Duration `validate:"min=0"`

	LockBackend string `validate:"oneof=memory redis"`

	AMQPURL      string `validate:"omitempty,url"`
	AMQPExchange string `validate:"required_with=AMQPURL"`

	// APIToken guards the management API. Empty disables it.
	APIToken        string `validate:"omitempty,min=16"`
	RateLimitMax    int    `validate:"min=1"`
	MonitorUser     string
	MonitorPassword string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPSender   string `validate:"omitempty,email"`
}

// Load reads the configuration from env and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost:       env.GetEnv("APP_HOST", "localhost"),
		AppPort:       env.GetEnv("APP_PORT", "4000"),
		PublicBaseURL: env.GetEnv("PUBLIC_BASE_URL", "http://localhost:4000"),

		DBDriver: env.GetEnv("DB_DRIVER", ""),
		DBURL:    env.GetEnv("DB_URL", ""),
		DBHost:   env.GetEnv("DB_HOST", "127.0.0.1"),
		DBPort:   env.GetEnv("DB_PORT", "3306"),
		DBUser:   env.GetEnv("DB_USER", ""),
		DBPass:   env.GetEnv("DB_PASSWORD", ""),
		DBName:   env.GetEnv("DB_NAME", "billfox"),

		CacheHost:     env.GetEnv("CACHE_HOST", "localhost"),
		CachePort:     env.GetEnvInt("CACHE_PORT", 6379),
		CachePassword: env.GetEnv("CACHE_PASSWORD", ""),
		CacheDB:       env.GetEnvInt("CACHE_DB", 0),

		SecretKey: env.GetEnv("BILLING_SECRET_KEY", ""),

		ProcessorTimeout: env.GetEnvDuration("PROCESSOR_TIMEOUT", 10*time.Second),
		ProcessorAPIURL:  env.GetEnv("PROCESSOR_API_URL", ""),

		RetryBaseDelay:   env.GetEnvDuration("RETRY_BASE_DELAY", 24*time.Hour),
		RetryMaxDelay:    env.GetEnvDuration("RETRY_MAX_DELAY", 72*time.Hour),
		RetryMaxAttempts: env.GetEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryJitter:      0.2,

		JobQueueWorkers:   env.GetEnvInt("JOBQUEUE_WORKERS", 3),
		ReprocessInterval: env.GetEnvDuration("REPROCESS_INTERVAL", 5*time.Minute),
		ReprocessMinAge:   env.GetEnvDuration("REPROCESS_MIN_AGE", 2*time.Minute),
		LockBackend:       env.GetEnv("LOCK_BACKEND", "redis"),
		AMQPURL:           env.GetEnv("AMQP_URL", ""),
		AMQPExchange:      env.GetEnv("AMQP_EXCHANGE", "billing.events"),

		APIToken:        env.GetEnv("API_TOKEN", ""),
		RateLimitMax:    env.GetEnvInt("API_RATE_LIMIT", 120),
		MonitorUser:     env.GetEnv("MONITOR_USER", ""),
		MonitorPassword: env.GetEnv("MONITOR_PASSWORD", ""),

		SMTPHost:     env.GetEnv("SMTP_HOST", ""),
		SMTPPort:     env.GetEnv("SMTP_PORT", "25"),
		SMTPUsername: env.GetEnv("SMTP_USERNAME", ""),
		SMTPPassword: env.GetEnv("SMTP_PASSWORD", ""),
		SMTPSender:   env.GetEnv("SMTP_SENDER", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}
