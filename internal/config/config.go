/**
 * Configuration for the OCR extraction worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// Database configuration
	DatabaseDriver string // postgres or sqlite3
	DatabaseURL    string

	// Queue configuration
	QueueBackend string // redis or asynq
	QueueName    string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	DownloadRetries   int

	// HTTP API; empty disables the server
	HTTPAddr string
	// Directory HTTP clients may name images in; empty refuses paths
	ImageRoot string

	// Logging
	LogLevel  string
	LogFormat string

	// OCR engine settings file (YAML); empty uses built-in defaults
	SettingsFile string

	// Tesseract language data directory
	TessdataPrefix string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		DatabaseDriver:    getEnvOrDefault("DATABASE_DRIVER", "postgres"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		QueueBackend:      getEnvOrDefault("QUEUE_BACKEND", "redis"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "ocr:jobs"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800),  // 50MB
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		DownloadRetries:   getEnvAsIntOrDefault("DOWNLOAD_RETRIES", 3),
		HTTPAddr:          getEnvOrDefault("HTTP_ADDR", ":8097"),
		ImageRoot:         getEnvOrDefault("OCR_IMAGE_ROOT", ""),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
		SettingsFile:      getEnvOrDefault("OCR_SETTINGS_FILE", ""),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		NodeEnv:           getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite3":
		if c.DatabaseURL == "" {
			c.DatabaseURL = "file:ocr_jobs.db?_busy_timeout=5000"
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.DownloadRetries < 0 || c.DownloadRetries > 10 {
		return fmt.Errorf("DOWNLOAD_RETRIES must be between 0 and 10, got %d", c.DownloadRetries)
	}

	return nil
}

// Timeout returns the per-job processing timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
