// env_config.go: Environment variable support for hermes configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// EnvConfig represents configuration loaded from environment variables
type EnvConfig struct {
	// Timing
	InitialRequestTimeout time.Duration `env:"HERMES_INITIAL_REQUEST_TIMEOUT"`
	ValueTimeout          time.Duration `env:"HERMES_VALUE_TIMEOUT"`
	CacheLookupTimeout    time.Duration `env:"HERMES_CACHE_LOOKUP_TIMEOUT"`
	QuiescenceInterval    time.Duration `env:"HERMES_QUIESCENCE_INTERVAL"`
	TickInterval          time.Duration `env:"HERMES_TICK_INTERVAL"`

	// Retry ceilings
	MaxListRetries  int `env:"HERMES_MAX_LIST_RETRIES"`
	MaxReadRetries  int `env:"HERMES_MAX_READ_RETRIES"`
	MaxWriteRetries int `env:"HERMES_MAX_WRITE_RETRIES"`

	// Engine
	QueueCapacity        int64   `env:"HERMES_QUEUE_CAPACITY"`
	ProgressStep         float64 `env:"HERMES_PROGRESS_STEP"`
	PreferredComponentID int     `env:"HERMES_PREFERRED_COMPONENT"`
	CachePath            string  `env:"HERMES_CACHE_PATH"`

	// Audit
	AuditEnabled       bool          `env:"HERMES_AUDIT_ENABLED"`
	AuditOutputFile    string        `env:"HERMES_AUDIT_OUTPUT_FILE"`
	AuditMinLevel      string        `env:"HERMES_AUDIT_MIN_LEVEL"`
	AuditBufferSize    int           `env:"HERMES_AUDIT_BUFFER_SIZE"`
	AuditFlushInterval time.Duration `env:"HERMES_AUDIT_FLUSH_INTERVAL"`
}

// LoadConfigFromEnv loads engine configuration from HERMES_* environment
// variables and applies defaults for anything unset
func LoadConfigFromEnv() (*Config, error) {
	envConfig := &EnvConfig{}
	if err := loadEnvVars(envConfig); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to load environment configuration")
	}

	config := &Config{}
	if err := convertEnvToConfig(envConfig, config); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to convert environment configuration")
	}
	return config.WithDefaults(), nil
}

// ValidateEnvironmentConfig loads and validates the environment configuration
func ValidateEnvironmentConfig() error {
	config, err := LoadConfigFromEnv()
	if err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to load config from environment")
	}
	return config.Validate()
}

func loadEnvVars(envConfig *EnvConfig) error {
	if err := loadTimingConfig(envConfig); err != nil {
		return err
	}
	if err := loadRetryConfig(envConfig); err != nil {
		return err
	}
	if err := loadEngineConfig(envConfig); err != nil {
		return err
	}
	return loadAuditConfig(envConfig)
}

func loadTimingConfig(envConfig *EnvConfig) error {
	for _, item := range []struct {
		key string
		dst *time.Duration
	}{
		{"HERMES_INITIAL_REQUEST_TIMEOUT", &envConfig.InitialRequestTimeout},
		{"HERMES_VALUE_TIMEOUT", &envConfig.ValueTimeout},
		{"HERMES_CACHE_LOOKUP_TIMEOUT", &envConfig.CacheLookupTimeout},
		{"HERMES_QUIESCENCE_INTERVAL", &envConfig.QuiescenceInterval},
		{"HERMES_TICK_INTERVAL", &envConfig.TickInterval},
	} {
		value := os.Getenv(item.key)
		if value == "" {
			continue
		}
		duration, err := time.ParseDuration(value)
		if err != nil {
			return errors.New(ErrCodeInvalidConfig, "invalid "+item.key+" format")
		}
		*item.dst = duration
	}
	return nil
}

func loadRetryConfig(envConfig *EnvConfig) error {
	for _, item := range []struct {
		key string
		dst *int
	}{
		{"HERMES_MAX_LIST_RETRIES", &envConfig.MaxListRetries},
		{"HERMES_MAX_READ_RETRIES", &envConfig.MaxReadRetries},
		{"HERMES_MAX_WRITE_RETRIES", &envConfig.MaxWriteRetries},
	} {
		value := os.Getenv(item.key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return errors.New(ErrCodeInvalidConfig, "invalid "+item.key+" value")
		}
		*item.dst = n
	}
	return nil
}

func loadEngineConfig(envConfig *EnvConfig) error {
	if capacityStr := os.Getenv("HERMES_QUEUE_CAPACITY"); capacityStr != "" {
		capacity, err := strconv.ParseInt(capacityStr, 10, 64)
		if err != nil || capacity <= 0 {
			return errors.New(ErrCodeInvalidConfig, "invalid HERMES_QUEUE_CAPACITY value")
		}
		envConfig.QueueCapacity = capacity
	}

	if stepStr := os.Getenv("HERMES_PROGRESS_STEP"); stepStr != "" {
		step, err := strconv.ParseFloat(stepStr, 64)
		if err != nil {
			return errors.New(ErrCodeInvalidConfig, "invalid HERMES_PROGRESS_STEP value")
		}
		envConfig.ProgressStep = step
	}

	if preferredStr := os.Getenv("HERMES_PREFERRED_COMPONENT"); preferredStr != "" {
		preferred, err := strconv.Atoi(preferredStr)
		if err != nil {
			return errors.New(ErrCodeInvalidConfig, "invalid HERMES_PREFERRED_COMPONENT value")
		}
		envConfig.PreferredComponentID = preferred
	}

	envConfig.CachePath = os.Getenv("HERMES_CACHE_PATH")
	return nil
}

func loadAuditConfig(envConfig *EnvConfig) error {
	if auditStr := os.Getenv("HERMES_AUDIT_ENABLED"); auditStr != "" {
		envConfig.AuditEnabled = parseBool(auditStr)
	}

	envConfig.AuditOutputFile = os.Getenv("HERMES_AUDIT_OUTPUT_FILE")
	envConfig.AuditMinLevel = os.Getenv("HERMES_AUDIT_MIN_LEVEL")

	if bufferStr := os.Getenv("HERMES_AUDIT_BUFFER_SIZE"); bufferStr != "" {
		if buffer, err := strconv.Atoi(bufferStr); err == nil && buffer > 0 {
			envConfig.AuditBufferSize = buffer
		}
	}

	if flushStr := os.Getenv("HERMES_AUDIT_FLUSH_INTERVAL"); flushStr != "" {
		if duration, err := time.ParseDuration(flushStr); err == nil {
			envConfig.AuditFlushInterval = duration
		}
	}
	return nil
}

func convertEnvToConfig(envConfig *EnvConfig, config *Config) error {
	config.InitialRequestTimeout = envConfig.InitialRequestTimeout
	config.ValueTimeout = envConfig.ValueTimeout
	config.CacheLookupTimeout = envConfig.CacheLookupTimeout
	config.QuiescenceInterval = envConfig.QuiescenceInterval
	config.TickInterval = envConfig.TickInterval

	config.MaxListRetries = envConfig.MaxListRetries
	config.MaxReadRetries = envConfig.MaxReadRetries
	config.MaxWriteRetries = envConfig.MaxWriteRetries

	config.QueueCapacity = envConfig.QueueCapacity
	config.ProgressStep = envConfig.ProgressStep
	config.PreferredComponentID = envConfig.PreferredComponentID
	config.CachePath = envConfig.CachePath

	return convertAuditConfig(envConfig, config)
}

func convertAuditConfig(envConfig *EnvConfig, config *Config) error {
	if !envConfig.AuditEnabled && envConfig.AuditOutputFile == "" {
		return nil
	}
	config.Audit.Enabled = envConfig.AuditEnabled
	config.Audit.OutputFile = envConfig.AuditOutputFile

	if envConfig.AuditMinLevel != "" {
		level, err := parseAuditLevel(envConfig.AuditMinLevel)
		if err != nil {
			return err
		}
		config.Audit.MinLevel = level
	}
	if envConfig.AuditBufferSize > 0 {
		config.Audit.BufferSize = envConfig.AuditBufferSize
	}
	if envConfig.AuditFlushInterval > 0 {
		config.Audit.FlushInterval = envConfig.AuditFlushInterval
	}
	return nil
}

// parseAuditLevel parses an audit level name
func parseAuditLevel(levelStr string) (AuditLevel, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "info":
		return AuditInfo, nil
	case "warn", "warning":
		return AuditWarn, nil
	case "critical", "error":
		return AuditCritical, nil
	case "security":
		return AuditSecurity, nil
	default:
		return AuditInfo, errors.New(ErrCodeInvalidConfig, "invalid audit level").
			WithContext("level", levelStr)
	}
}

// parseBool parses boolean values from environment variables
// Supports: true/false, 1/0, yes/no, on/off, enabled/disabled
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

// GetEnvWithDefault returns environment variable value or default if not set
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDurationWithDefault returns environment variable as duration or default
func GetEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvIntWithDefault returns environment variable as int or default
func GetEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
