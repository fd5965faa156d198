package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// BreakerConfig is the env-tunable subset of Config for one dependency
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetRedisConfig returns the session-store Redis breaker configuration
func GetRedisConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("DEEPDIVE_CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("DEEPDIVE_CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("DEEPDIVE_CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("DEEPDIVE_CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("DEEPDIVE_CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// GetCompletionConfig returns the completion-gateway breaker configuration.
// Model calls are slow and expensive, so the breaker stays open longer.
func GetCompletionConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("DEEPDIVE_CB_LLM_MAX_REQUESTS", 2),
		Interval:         getEnvDuration("DEEPDIVE_CB_LLM_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("DEEPDIVE_CB_LLM_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("DEEPDIVE_CB_LLM_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("DEEPDIVE_CB_LLM_SUCCESS_THRESHOLD", 1),
	}
}

// GetHTTPConfig returns configuration for search backends and page fetches
func GetHTTPConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("DEEPDIVE_CB_HTTP_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("DEEPDIVE_CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("DEEPDIVE_CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("DEEPDIVE_CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("DEEPDIVE_CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// GetDatabaseConfig returns the report-store SQL breaker configuration
func GetDatabaseConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("DEEPDIVE_CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("DEEPDIVE_CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("DEEPDIVE_CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("DEEPDIVE_CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("DEEPDIVE_CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts BreakerConfig to a circuit breaker Config
func (bc BreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      bc.MaxRequests,
		Interval:         bc.Interval,
		Timeout:          bc.Timeout,
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
