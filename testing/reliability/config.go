package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
	MaxRegistry   int           // Registry entries tolerated after churn
}

// getReliabilityConfig reads configuration from environment variables
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         getEnv("WAITZ_RELIABILITY_LEVEL", ""),
		Duration:      parseDuration(getEnv("WAITZ_RELIABILITY_DURATION", "10s")),
		MaxGoroutines: parseInt(getEnv("WAITZ_RELIABILITY_MAX_GOROUTINES", "100")),
		MaxRegistry:   parseInt(getEnv("WAITZ_RELIABILITY_MAX_REGISTRY", "64")),
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses integer from string with default fallback
func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil {
		return value
	}
	return 0
}

// parseDuration parses duration from string with default fallback
func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil {
		return duration
	}
	return 10 * time.Second
}
