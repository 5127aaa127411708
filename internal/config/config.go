package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis (rate limiting, idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Worker pool
	WorkerCount   int
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	StaleClaimAge time.Duration

	// Default per-tenant throughput caps, used when a tenant has no
	// settings row of its own.
	MessagesPerSecond int
	DailyLimit        int

	// AWS providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Lifecycle event stream (optional)
	SQSRegion   string
	SQSQueueURL string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		// Worker defaults
		WorkerCount:   4,
		PollInterval:  2 * time.Second,
		BatchSize:     25,
		MaxAttempts:   3,
		BackoffBase:   30 * time.Second,
		BackoffCap:    1 * time.Hour,
		StaleClaimAge: 10 * time.Minute,

		MessagesPerSecond: 10,
		DailyLimit:        5000,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",
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

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
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

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Worker config
	if count := os.Getenv("WORKER_COUNT"); count != "" {
		c, err := strconv.Atoi(count)
		if err != nil || c < 1 {
			return nil, fmt.Errorf("invalid WORKER_COUNT: %q", count)
		}
		cfg.WorkerCount = c
	}

	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if size := os.Getenv("BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s < 1 {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %q", size)
		}
		cfg.BatchSize = s
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil || a < 1 {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %q", attempts)
		}
		cfg.MaxAttempts = a
	}

	if base := os.Getenv("RETRY_BACKOFF_BASE"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BACKOFF_BASE: %w", err)
		}
		cfg.BackoffBase = d
	}

	if limit := os.Getenv("RETRY_BACKOFF_CAP"); limit != "" {
		d, err := time.ParseDuration(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BACKOFF_CAP: %w", err)
		}
		cfg.BackoffCap = d
	}

	if age := os.Getenv("STALE_CLAIM_AGE"); age != "" {
		d, err := time.ParseDuration(age)
		if err != nil {
			return nil, fmt.Errorf("invalid STALE_CLAIM_AGE: %w", err)
		}
		cfg.StaleClaimAge = d
	}

	// Throughput defaults
	if mps := os.Getenv("MESSAGES_PER_SECOND"); mps != "" {
		m, err := strconv.Atoi(mps)
		if err != nil || m < 1 {
			return nil, fmt.Errorf("invalid MESSAGES_PER_SECOND: %q", mps)
		}
		cfg.MessagesPerSecond = m
	}

	if daily := os.Getenv("DAILY_LIMIT"); daily != "" {
		d, err := strconv.Atoi(daily)
		if err != nil || d < 1 {
			return nil, fmt.Errorf("invalid DAILY_LIMIT: %q", daily)
		}
		cfg.DailyLimit = d
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	return cfg, nil
}
