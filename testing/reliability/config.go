package reliability

import (
	"os"
	"strconv"
	"testing"
	"time"
)

// Environment variables controlling reliability test intensity.
const (
	EnvLevel            = "POCKETZ_RELIABILITY_LEVEL"
	EnvDuration         = "POCKETZ_RELIABILITY_DURATION"
	EnvMaxGoroutines    = "POCKETZ_RELIABILITY_MAX_GOROUTINES"
	EnvMaxMemoryMB      = "POCKETZ_RELIABILITY_MAX_MEMORY_MB"
	EnvFailureThreshold = "POCKETZ_RELIABILITY_FAILURE_THRESHOLD"
)

// ReliabilityConfig holds configuration for reliability testing
type ReliabilityConfig struct {
	Level            string        // "basic" or "stress"
	Duration         time.Duration // Test duration for stress tests
	MaxGoroutines    int           // Maximum goroutines for concurrent tests
	MaxMemoryMB      int           // Heap growth limit for tests
	FailureThreshold float64       // Tolerated receiver failure rate (0.0-1.0)
}

// getReliabilityConfig reads configuration from environment variables
func getReliabilityConfig() ReliabilityConfig {
	config := ReliabilityConfig{
		Level:            getEnv(EnvLevel, ""),
		Duration:         parseDuration(getEnv(EnvDuration, "30s")),
		MaxGoroutines:    parseInt(getEnv(EnvMaxGoroutines, "100")),
		MaxMemoryMB:      parseInt(getEnv(EnvMaxMemoryMB, "512")),
		FailureThreshold: parseFloat(getEnv(EnvFailureThreshold, "0.05")),
	}

	return config
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

// parseFloat parses float from string with default fallback
func parseFloat(s string) float64 {
	if value, err := strconv.ParseFloat(s, 64); err == nil {
		return value
	}
	return 0.0
}

// parseDuration parses duration from string with default fallback
func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil {
		return duration
	}
	return 30 * time.Second
}

// skipUnless skips t unless the configured level is one of levels.
func skipUnless(t *testing.T, levels ...string) ReliabilityConfig {
	t.Helper()
	config := getReliabilityConfig()
	for _, level := range levels {
		if config.Level == level {
			return config
		}
	}
	if config.Level == "" {
		t.Skip(EnvLevel + " not set, skipping reliability tests")
	}
	t.Skipf("%s=%s, test needs one of %v", EnvLevel, config.Level, levels)
	return config
}
