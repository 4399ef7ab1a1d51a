package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Deploy Lock Configuration
	LockTTL          time.Duration
	LockPollInterval time.Duration
	LockWaitTimeout  time.Duration

	// Rollout Defaults
	DefaultBatchSize     int
	DefaultBatchFraction float64

	// Health Check Defaults
	HealthCheckTimeout  time.Duration
	HealthCheckRetries  int
	HealthCheckInterval time.Duration

	// Cloud Provisioning
	FleetsFile       string
	ProvisionCommand []string
	RestoreCommand   []string
	ProvisionTimeout time.Duration

	// Worker Pool Configuration
	WorkerPoolSize int
	JobQueueSize   int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Outcome Notifications
	NotifyWebhookURL     string
	NotifyWebhookTimeout time.Duration

	// CORS Configuration
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int

	// Verifier Configuration
	VerifierEnabled      bool
	VerifierTickInterval time.Duration
	VerifierLockTTL      time.Duration
	VerifierConcurrency  int
	VerifierBatchLimit   int
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// MongoDB
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/convoy?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "convoy"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Deploy Lock
		LockTTL:          getDurationEnv("LOCK_TTL_SEC", 600) * time.Second,
		LockPollInterval: getDurationEnv("LOCK_POLL_INTERVAL_MS", 250) * time.Millisecond,
		LockWaitTimeout:  getDurationEnv("LOCK_WAIT_TIMEOUT_SEC", 0) * time.Second,

		// Rollout Defaults
		DefaultBatchSize:     getIntEnv("DEFAULT_BATCH_SIZE", 1),
		DefaultBatchFraction: getFloatEnv("DEFAULT_BATCH_FRACTION", 0),

		// Health Check Defaults
		HealthCheckTimeout:  getDurationEnv("HEALTH_CHECK_TIMEOUT_SEC", 10) * time.Second,
		HealthCheckRetries:  getIntEnv("HEALTH_CHECK_RETRIES", 3),
		HealthCheckInterval: getDurationEnv("HEALTH_CHECK_INTERVAL_SEC", 2) * time.Second,

		// Cloud Provisioning
		FleetsFile:       getEnv("FLEETS_FILE", ""),
		ProvisionCommand: getSliceEnv("PROVISION_COMMAND"),
		RestoreCommand:   getSliceEnv("RESTORE_COMMAND"),
		ProvisionTimeout: getDurationEnv("PROVISION_TIMEOUT_SEC", 300) * time.Second,

		// Worker Pool
		WorkerPoolSize: getIntEnv("WORKER_POOL_SIZE", 4),
		JobQueueSize:   getIntEnv("JOB_QUEUE_SIZE", 64),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Outcome Notifications
		NotifyWebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookTimeout: getDurationEnv("NOTIFY_WEBHOOK_TIMEOUT_SEC", 10) * time.Second,

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, PUT, DELETE, OPTIONS, PATCH"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),

		// Verifier
		VerifierEnabled:      getBoolEnv("VERIFIER_ENABLED", true),
		VerifierTickInterval: getDurationEnv("VERIFIER_TICK_INTERVAL_SEC", 60) * time.Second,
		VerifierLockTTL:      getDurationEnv("VERIFIER_LOCK_TTL_SEC", 300) * time.Second,
		VerifierConcurrency:  getIntEnv("VERIFIER_CONCURRENCY", 4),
		VerifierBatchLimit:   getIntEnv("VERIFIER_BATCH_LIMIT", 50),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		log.Printf("Warning: Invalid float value for %s, using default %f", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}

// getSliceEnv splits a whitespace-separated command into argv form.
func getSliceEnv(key string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return nil
}
