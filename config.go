// config.go: Engine configuration and defaults
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// Config configures an Engine
type Config struct {
	// InitialRequestTimeout bounds the wait for the first answer to a list
	// request before it is resent.
	// Default: 5 seconds
	InitialRequestTimeout time.Duration

	// ValueTimeout is the quiet period after which outstanding reads and
	// writes are re-issued. It restarts on every response.
	// Default: 1 second
	ValueTimeout time.Duration

	// CacheLookupTimeout is how long a refresh waits for the remote's
	// identity hash before falling back to the network protocol.
	// Default: 2 seconds
	CacheLookupTimeout time.Duration

	// QuiescenceInterval is the write-free period after which a single
	// persist command is sent.
	// Default: 2 seconds
	QuiescenceInterval time.Duration

	// TickInterval is the supervisor's polling period
	// Default: 50 milliseconds
	TickInterval time.Duration

	// Retry ceilings. A list request is sent at most 1+MaxListRetries times.
	// Defaults: 2, 10, 3
	MaxListRetries  int
	MaxReadRetries  int
	MaxWriteRetries int

	// QueueCapacity sizes the event ring (power of 2)
	// Default: 1024
	QueueCapacity int64

	// ProgressStep is the minimum progress change that is reported
	// Default: 0.01
	ProgressStep float64

	// PreferredComponentID wins the default component rule when present.
	// 0 means no preference.
	PreferredComponentID int

	// CachePath enables the identity-hash cache when non-empty
	CachePath string

	// Metadata supplies per-parameter metadata; nil means generic only
	Metadata MetadataProvider

	// Audit configures the audit trail. The zero value disables it.
	Audit AuditConfig

	// Logger receives structured engine logs. Default: zap.NewNop()
	Logger *zap.Logger

	// ErrorHandler observes every absorbed error
	ErrorHandler ErrorHandler

	// Metrics receives counters; nil disables them
	Metrics *Metrics

	// OnReady fires once per cycle; missing reports gaps
	OnReady func(missing bool)

	// OnProgress reports progress in [0, 1]; 1 is reported exactly once,
	// immediately before OnReady
	OnProgress func(fraction float64)

	// OnWriteFailed reports a write abandoned after MaxWriteRetries
	OnWriteFailed func(componentID int, name string, err error)

	// Clock returns the current time. Default: timecache.CachedTime
	Clock func() time.Time
}

// WithDefaults applies sensible defaults to the configuration
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.InitialRequestTimeout <= 0 {
		config.InitialRequestTimeout = 5 * time.Second
	}
	if config.ValueTimeout <= 0 {
		config.ValueTimeout = time.Second
	}
	if config.CacheLookupTimeout <= 0 {
		config.CacheLookupTimeout = 2 * time.Second
	}
	if config.QuiescenceInterval <= 0 {
		config.QuiescenceInterval = 2 * time.Second
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 50 * time.Millisecond
	}

	// GUARD RAIL: the supervisor must tick at least once per value window
	if config.TickInterval > config.ValueTimeout {
		config.TickInterval = config.ValueTimeout
	}

	if config.MaxListRetries <= 0 {
		config.MaxListRetries = 2
	}
	if config.MaxReadRetries <= 0 {
		config.MaxReadRetries = 10
	}
	if config.MaxWriteRetries <= 0 {
		config.MaxWriteRetries = 3
	}

	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 1024
	}
	if config.QueueCapacity&(config.QueueCapacity-1) != 0 {
		capacity := int64(1)
		for capacity < config.QueueCapacity {
			capacity <<= 1
		}
		config.QueueCapacity = capacity
	}

	if config.ProgressStep <= 0 {
		config.ProgressStep = 0.01
	}

	if config.Audit != (AuditConfig{}) && config.Audit.Enabled {
		if config.Audit.BufferSize <= 0 {
			config.Audit.BufferSize = 1000
		}
		if config.Audit.FlushInterval <= 0 {
			config.Audit.FlushInterval = 5 * time.Second
		}
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = timecache.CachedTime
	}

	return &config
}
