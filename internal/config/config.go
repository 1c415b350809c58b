package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion              string
	SESFromAddress         string // SES is used when set
	SESFromName            string
	AlertsTopicARN         string // SNS topic for permanently failed jobs
	DeliveryEventsQueueURL string // SQS queue receiving delivery events

	// Transactional mail API, used when SES is not configured
	MailAPIURL   string
	MailAPIToken string
	MailAPIFrom  string

	MailSendTimeout   time.Duration
	MailRatePerSecond float64

	// Secrets
	CronSecret           string
	ShopifyWebhookSecret string

	// Queue
	QueuePollInterval    time.Duration
	QueueCleanupInterval time.Duration
	QueueBatchSize       int
	QueueConcurrency     int
	QueueRetention       time.Duration
	QueueRetryDelay      time.Duration
	QueueStaleAfter      time.Duration
	QueueCronCleanupHour int

	SettingsCacheTTL time.Duration

	// Storefront
	SubscribeRateLimit  int
	SubscribeRateWindow time.Duration
	CORSAllowedOrigins  []string

	// Tracing is enabled when an OTLP endpoint is set
	OTLPEndpoint string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "stockalert",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDB:   0,

		AWSRegion:   "us-east-1",
		SESFromName: "Back in Stock",

		MailSendTimeout:   15 * time.Second,
		MailRatePerSecond: 10,

		CronSecret: "dev-secret",

		QueuePollInterval:    30 * time.Second,
		QueueCleanupInterval: 60 * time.Minute,
		QueueBatchSize:       10,
		QueueConcurrency:     1,
		QueueRetention:       7 * 24 * time.Hour,
		QueueRetryDelay:      5 * time.Minute,
		QueueStaleAfter:      15 * time.Minute,
		QueueCronCleanupHour: 2,

		SettingsCacheTTL: time.Minute,

		SubscribeRateLimit:  20,
		SubscribeRateWindow: time.Minute,
		CORSAllowedOrigins:  []string{"*"},
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.SESFromAddress = os.Getenv("SES_FROM_ADDRESS")
	if name := os.Getenv("SES_FROM_NAME"); name != "" {
		cfg.SESFromName = name
	}
	cfg.AlertsTopicARN = os.Getenv("ALERTS_TOPIC_ARN")
	cfg.DeliveryEventsQueueURL = os.Getenv("DELIVERY_EVENTS_QUEUE_URL")
	cfg.MailAPIURL = os.Getenv("MAIL_API_URL")
	cfg.MailAPIToken = os.Getenv("MAIL_API_TOKEN")
	cfg.MailAPIFrom = os.Getenv("MAIL_API_FROM")

	if secret := os.Getenv("CRON_SECRET"); secret != "" {
		cfg.CronSecret = secret
	}
	cfg.ShopifyWebhookSecret = os.Getenv("SHOPIFY_WEBHOOK_SECRET")

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitList(origins)
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"QUEUE_BATCH_SIZE", &cfg.QueueBatchSize},
		{"QUEUE_CONCURRENCY", &cfg.QueueConcurrency},
		{"QUEUE_CRON_CLEANUP_HOUR", &cfg.QueueCronCleanupHour},
		{"SUBSCRIBE_RATE_LIMIT", &cfg.SubscribeRateLimit},
	}
	for _, v := range ints {
		if err := intFromEnv(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"QUEUE_POLL_INTERVAL", &cfg.QueuePollInterval},
		{"QUEUE_CLEANUP_INTERVAL", &cfg.QueueCleanupInterval},
		{"QUEUE_RETENTION", &cfg.QueueRetention},
		{"QUEUE_RETRY_DELAY", &cfg.QueueRetryDelay},
		{"QUEUE_STALE_AFTER", &cfg.QueueStaleAfter},
		{"MAIL_SEND_TIMEOUT", &cfg.MailSendTimeout},
		{"SETTINGS_CACHE_TTL", &cfg.SettingsCacheTTL},
		{"SUBSCRIBE_RATE_WINDOW", &cfg.SubscribeRateWindow},
	}
	for _, v := range durations {
		if err := durationFromEnv(v.key, v.dst); err != nil {
			return nil, err
		}
	}

	if rate := os.Getenv("MAIL_RATE_PER_SECOND"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid MAIL_RATE_PER_SECOND: %q", rate)
		}
		cfg.MailRatePerSecond = r
	}

	if cfg.QueueStaleAfter <= cfg.MailSendTimeout {
		return nil, fmt.Errorf("invalid QUEUE_STALE_AFTER: %v must exceed MAIL_SEND_TIMEOUT %v", cfg.QueueStaleAfter, cfg.MailSendTimeout)
	}

	if cfg.QueueCronCleanupHour < 0 || cfg.QueueCronCleanupHour > 23 {
		return nil, fmt.Errorf("invalid QUEUE_CRON_CLEANUP_HOUR: %d", cfg.QueueCronCleanupHour)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func intFromEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func durationFromEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", key)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
