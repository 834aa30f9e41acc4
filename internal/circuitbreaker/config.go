package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Per-dependency breaker tuning, overridable through CB_<DEP>_* variables.
// Provider settings cover Azure OpenAI chat and embedding calls; HTTP covers
// Qdrant and Content Safety.

// RedisConfig returns the breaker configuration for Redis calls.
func RedisConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         envDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          envDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: envUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseConfig returns the breaker configuration for Postgres calls.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         envDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          envDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: envUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// HTTPConfig returns the breaker configuration for plain HTTP dependencies.
func HTTPConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         envDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          envDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: envUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// ProviderConfig returns the breaker configuration for model provider calls.
// Thresholds are looser because transient provider throttling is routine.
func ProviderConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_PROVIDER_MAX_REQUESTS", 3),
		Interval:         envDuration("CB_PROVIDER_INTERVAL", 60*time.Second),
		Timeout:          envDuration("CB_PROVIDER_TIMEOUT", 30*time.Second),
		FailureThreshold: envUint32("CB_PROVIDER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 1),
	}
}

func envUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
