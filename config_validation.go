// config_validation.go: Configuration validation for the hermes engine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// Validation errors
var (
	ErrInvalidTimeout       = errors.New(ErrCodeInvalidTimeout, "timeouts and intervals must be positive")
	ErrInvalidRetryLimit    = errors.New(ErrCodeInvalidRetryLimit, "retry ceilings must be positive")
	ErrInvalidQueueCapacity = errors.New(ErrCodeInvalidQueueCapacity, "queue capacity must be a positive power of 2")
	ErrInvalidProgressStep  = errors.New(ErrCodeInvalidProgressStep, "progress step must be in (0, 1)")
	ErrTickTooSlow          = errors.New(ErrCodeTickTooSlow, "tick interval must not exceed value timeout")
	ErrInvalidComponentID   = errors.New(ErrCodeInvalidConfig, "preferred component id must not be negative")
	ErrInvalidAuditConfig   = errors.New(ErrCodeInvalidAuditConfig, "audit configuration is invalid")
	ErrInvalidBufferSize    = errors.New(ErrCodeInvalidBufferSize, "audit buffer size must not be negative")
	ErrInvalidFlushInterval = errors.New(ErrCodeInvalidFlushInterval, "audit flush interval must not be negative")
	ErrInvalidOutputFile    = errors.New(ErrCodeInvalidOutputFile, "audit output file path is invalid")
	ErrUnwritableOutputFile = errors.New(ErrCodeUnwritableOutputFile, "audit output file is not writable")
)

var validationSentinels = []error{
	ErrInvalidTimeout,
	ErrInvalidRetryLimit,
	ErrInvalidQueueCapacity,
	ErrInvalidProgressStep,
	ErrTickTooSlow,
	ErrInvalidComponentID,
	ErrInvalidAuditConfig,
	ErrInvalidBufferSize,
	ErrInvalidFlushInterval,
	ErrInvalidOutputFile,
	ErrUnwritableOutputFile,
}

// ValidationResult contains errors and warnings found in a configuration
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// String returns a human-readable representation of validation results
func (vr ValidationResult) String() string {
	if vr.Valid {
		if len(vr.Warnings) == 0 {
			return "Configuration is valid"
		}
		return fmt.Sprintf("Configuration is valid with %d warning(s)", len(vr.Warnings))
	}
	return fmt.Sprintf("Configuration is invalid: %d error(s), %d warning(s)",
		len(vr.Errors), len(vr.Warnings))
}

// Validate returns the first configuration error, mapped back to its
// sentinel when there is one
func (c *Config) Validate() error {
	result := c.ValidateDetailed()
	if result.Valid || len(result.Errors) == 0 {
		return nil
	}
	firstError := result.Errors[0]
	for _, sentinel := range validationSentinels {
		if firstError == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(ErrCodeInvalidConfig, firstError)
}

// ValidateDetailed performs every check and returns errors and warnings
func (c *Config) ValidateDetailed() ValidationResult {
	result := ValidationResult{
		Valid:    true,
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	c.validateTimeouts(&result)
	c.validateRetries(&result)
	c.validateQueue(&result)
	c.validateReporting(&result)
	c.validateCachePath(&result)
	c.validateAuditConfig(&result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (c *Config) validateTimeouts(result *ValidationResult) {
	for _, d := range []time.Duration{
		c.InitialRequestTimeout,
		c.ValueTimeout,
		c.CacheLookupTimeout,
		c.QuiescenceInterval,
		c.TickInterval,
	} {
		if d <= 0 {
			result.Errors = append(result.Errors, ErrInvalidTimeout.Error())
			return
		}
	}

	if c.TickInterval > c.ValueTimeout {
		result.Errors = append(result.Errors, ErrTickTooSlow.Error())
	}
	if c.TickInterval < time.Millisecond {
		result.Warnings = append(result.Warnings, "Tick interval below 1ms keeps the owner loop busy")
	}
	if c.InitialRequestTimeout < c.ValueTimeout {
		result.Warnings = append(result.Warnings,
			"Initial request timeout is shorter than value timeout; list requests may be resent while values stream in")
	}
}

func (c *Config) validateRetries(result *ValidationResult) {
	if c.MaxListRetries <= 0 || c.MaxReadRetries <= 0 || c.MaxWriteRetries <= 0 {
		result.Errors = append(result.Errors, ErrInvalidRetryLimit.Error())
		return
	}
	if c.MaxReadRetries > 100 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Read retry ceiling %d may flood a slow link", c.MaxReadRetries))
	}
	if c.MaxWriteRetries > 10 {
		result.Warnings = append(result.Warnings,
			"Many write retries can wear components with limited write endurance")
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	if c.QueueCapacity <= 0 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		result.Errors = append(result.Errors, ErrInvalidQueueCapacity.Error())
		return
	}
	if c.QueueCapacity < 64 {
		result.Warnings = append(result.Warnings, "Small queue capacity drops value reports during bursts")
	}
}

func (c *Config) validateReporting(result *ValidationResult) {
	if c.ProgressStep <= 0 || c.ProgressStep >= 1 {
		result.Errors = append(result.Errors, ErrInvalidProgressStep.Error())
	}
	if c.PreferredComponentID < 0 {
		result.Errors = append(result.Errors, ErrInvalidComponentID.Error())
	}
}

func (c *Config) validateCachePath(result *ValidationResult) {
	if c.CachePath == "" {
		return
	}
	if err := ValidateSecurePath(c.CachePath); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
}

func (c *Config) validateAuditConfig(result *ValidationResult) {
	if !c.Audit.Enabled {
		return
	}
	if c.Audit.BufferSize < 0 {
		result.Errors = append(result.Errors, ErrInvalidBufferSize.Error())
	} else if c.Audit.BufferSize > 10000 {
		result.Warnings = append(result.Warnings, "Large audit buffer size may consume significant memory")
	}
	if c.Audit.FlushInterval < 0 {
		result.Errors = append(result.Errors, ErrInvalidFlushInterval.Error())
	} else if c.Audit.FlushInterval == 0 {
		result.Warnings = append(result.Warnings, "Audit flush interval is 0, events are written only when the buffer fills")
	}
	if c.Audit.OutputFile != "" {
		if err := validateOutputFile(c.Audit.OutputFile); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
}

// validateOutputFile checks that the audit output directory exists
func validateOutputFile(outputFile string) error {
	cleanPath := filepath.Clean(outputFile)
	if cleanPath == "." || cleanPath == "/" {
		return ErrInvalidOutputFile
	}
	if err := ValidateSecurePath(outputFile); err != nil {
		return ErrInvalidOutputFile
	}

	dir := filepath.Dir(cleanPath)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ErrUnwritableOutputFile
	}
	return nil
}

// GetValidationErrorCode extracts the error code from a hermes error
func GetValidationErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := ErrorCode(err); code != "" {
		return code
	}
	errStr := err.Error()
	if len(errStr) > 3 && errStr[0] == '[' {
		if end := strings.IndexByte(errStr, ']'); end > 0 {
			return errStr[1:end]
		}
	}
	return errStr
}

// IsValidationError checks if an error is a hermes configuration error
func IsValidationError(err error) bool {
	code := GetValidationErrorCode(err)
	if code == "" {
		return false
	}
	if code == ErrCodeInvalidConfig || code == ErrCodeInvalidAuditConfig {
		return true
	}
	for _, sentinel := range validationSentinels {
		if code == ErrorCode(sentinel) {
			return true
		}
	}
	return false
}
