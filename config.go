package pocketz

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultBufferCapacity bounds exporter buffers when no capacity is configured.
const DefaultBufferCapacity = 1000

// Environment variables that override file configuration.
const (
	EnvTracePrefix    = "POCKETZ_TRACE_PREFIX"
	EnvTraceChance    = "POCKETZ_TRACE_CHANCE"
	EnvBufferCapacity = "POCKETZ_BUFFER_CAPACITY"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid tracer config")

// Config holds process-wide tracer settings. It is set once at startup.
type Config struct {
	// Metadata is merged into every span. Caller metadata wins on conflict.
	Metadata Metadata `yaml:"metadata"`
	// TracePrefix identifies this tracer in generated ids. Random if empty.
	TracePrefix string `yaml:"trace_prefix"`
	// TraceChance is the probability a trace is recorded. Nil records all.
	TraceChance *float64 `yaml:"trace_chance"`
	// BufferCapacity bounds exporter buffers. Zero means DefaultBufferCapacity.
	BufferCapacity int `yaml:"buffer_capacity"`
}

// Chance is a helper for setting Config.TraceChance inline.
func Chance(p float64) *float64 {
	return &p
}

// Validate reports whether the config can be used to build a tracer.
func (c Config) Validate() error {
	if c.TraceChance != nil && (*c.TraceChance < 0 || *c.TraceChance > 1) {
		return errors.Wrapf(ErrInvalidConfig, "trace_chance %v outside [0,1]", *c.TraceChance)
	}
	if c.BufferCapacity < 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffer_capacity %d is negative", c.BufferCapacity)
	}
	if strings.Contains(c.TracePrefix, carrierSep) {
		return errors.Wrapf(ErrInvalidConfig, "trace_prefix %q contains %q", c.TracePrefix, carrierSep)
	}
	for _, field := range reservedFields {
		if _, ok := c.Metadata[field]; ok {
			return errors.Wrapf(ErrInvalidConfig, "metadata key %q is reserved", field)
		}
	}
	return nil
}

// capacity returns the effective buffer capacity.
func (c Config) capacity() int {
	if c.BufferCapacity <= 0 {
		return DefaultBufferCapacity
	}
	return c.BufferCapacity
}

// LoadConfig reads a YAML config file and applies environment overrides.
// An empty path skips the file and only reads the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "decoding config %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from POCKETZ_* variables when they are set.
func (c *Config) applyEnv() error {
	if v := getEnv(EnvTracePrefix, ""); v != "" {
		c.TracePrefix = v
	}
	if v := getEnv(EnvTraceChance, ""); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvTraceChance, v, err)
		}
		c.TraceChance = &p
	}
	if v := getEnv(EnvBufferCapacity, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", EnvBufferCapacity, v, err)
		}
		c.BufferCapacity = n
	}
	return nil
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
