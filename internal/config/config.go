// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration values loaded from environment
// variables. It provides a centralized, type-safe way to access
// configuration throughout the application.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Timeout for one complete upstream call
	MaxRequestSize int64         // Maximum size of incoming request bodies in bytes

	// Environment
	APIEnv string // 'production', 'development', 'test'

	// Provider configuration
	ProviderConfigPath string // Path to the provider definitions YAML file
	DefaultProvider    string // Provider used when resolution finds no match

	// Streaming
	MaxConnections    int           // Connection pool capacity
	ConnectionTimeout time.Duration // Idle timeout before the sweep closes a connection
	BufferSize        int           // Per-connection buffer capacity in bytes

	// Response cache
	CacheEnabled    bool          // Whether completed responses are cached
	CacheMaxEntries int           // Entry bound for the in-memory store
	CacheDefaultTTL time.Duration // TTL applied when callers supply none
	CacheStrategy   string        // Eviction strategy: lru, lfu, or fifo
	RedisCacheURL   string        // Enables the Redis-backed store when non-empty
	RedisKeyPrefix  string        // Namespace for Redis cache keys

	// Rate limiting
	UsageRetention time.Duration // How long idle usage records are kept

	// Moderation
	ProfanityTerms       []string // Terms for the profanity moderator
	ModerationMaxRecords int      // Per-user history retention bound (0 = unbounded)

	// Maintenance intervals
	ConnectionSweepInterval time.Duration
	UsageCleanupInterval    time.Duration
	CacheSweepInterval      time.Duration

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Monitoring
	EnableMetrics bool   // Whether to expose the Prometheus endpoint
	MetricsPath   string // Path for the metrics endpoint
}

// New creates a new configuration with values from environment variables,
// applying defaults where variables are not set.
func New() (*Config, error) {
	config := &Config{
		// Server defaults
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		MaxRequestSize: getEnvInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB

		// Environment
		APIEnv: getEnvString("API_ENV", "development"),

		// Provider settings
		ProviderConfigPath: getEnvString("PROVIDER_CONFIG_PATH", ""),
		DefaultProvider:    getEnvString("DEFAULT_PROVIDER", "openai"),

		// Streaming defaults
		MaxConnections:    getEnvInt("MAX_CONNECTIONS", 1000),
		ConnectionTimeout: getEnvDuration("CONNECTION_TIMEOUT", 5*time.Minute),
		BufferSize:        getEnvInt("STREAM_BUFFER_SIZE", 64*1024),

		// Cache defaults
		CacheEnabled:    getEnvBool("CACHE_ENABLED", true),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		CacheDefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", time.Hour),
		CacheStrategy:   getEnvString("CACHE_STRATEGY", "lru"),
		RedisCacheURL:   getEnvString("REDIS_CACHE_URL", ""),
		RedisKeyPrefix:  getEnvString("REDIS_CACHE_KEY_PREFIX", ""),

		// Rate limiting defaults
		UsageRetention: getEnvDuration("USAGE_RETENTION", 7*24*time.Hour),

		// Moderation defaults
		ProfanityTerms:       getEnvStringSlice("PROFANITY_TERMS", nil),
		ModerationMaxRecords: getEnvInt("MODERATION_MAX_RECORDS", 1000),

		// Maintenance defaults
		ConnectionSweepInterval: getEnvDuration("CONNECTION_SWEEP_INTERVAL", 30*time.Second),
		UsageCleanupInterval:    getEnvDuration("USAGE_CLEANUP_INTERVAL", time.Hour),
		CacheSweepInterval:      getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute),

		// Logging defaults
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),

		// Monitoring defaults
		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		MetricsPath:   getEnvString("METRICS_PATH", "/metrics"),
	}

	return config, nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment
// variable, falling back to the provided default value if the variable is
// not set or cannot be parsed.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an
// environment variable and splits it into a slice of strings.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
