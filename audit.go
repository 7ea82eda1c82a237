// audit.go: Audit trail for parameter writes, persists and synchronization outcomes
//
// Every write issued through the engine, every persist command, every cache
// hit and every ready signal can be recorded with a tamper-detection checksum.
// Events are buffered and flushed in batches by a background goroutine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// AuditLevel represents the severity of audit events
type AuditLevel int

const (
	AuditInfo AuditLevel = iota
	AuditWarn
	AuditCritical
	AuditSecurity
)

func (al AuditLevel) String() string {
	switch al {
	case AuditInfo:
		return "INFO"
	case AuditWarn:
		return "WARN"
	case AuditCritical:
		return "CRITICAL"
	case AuditSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// AuditEvent is a single auditable event
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       AuditLevel             `json:"level"`
	Event       string                 `json:"event"`
	SessionID   string                 `json:"session_id"`
	ComponentID int                    `json:"component_id"`
	Parameter   string                 `json:"parameter,omitempty"`
	OldValue    interface{}            `json:"old_value,omitempty"`
	NewValue    interface{}            `json:"new_value,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"`
}

// AuditConfig configures the audit trail
type AuditConfig struct {
	Enabled bool `json:"enabled"`

	// OutputFile selects the backend: a .jsonl file gets one JSON object
	// per line, anything else (including empty) uses SQLite. An empty path
	// or one without the .db extension uses the shared database under
	// os.TempDir()/hermes.
	OutputFile string `json:"output_file"`

	MinLevel      AuditLevel    `json:"min_level"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// DefaultAuditConfig returns an enabled audit configuration using the
// shared SQLite database
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		MinLevel:      AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// AuditLogger buffers audit events and writes them to a pluggable backend.
// A logger created from a disabled configuration accepts and drops every
// event.
type AuditLogger struct {
	config      AuditConfig
	sessionID   string
	backend     auditBackend
	buffer      []AuditEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
	processID   int
	processName string
}

// NewAuditLogger creates an audit logger tagging every event with sessionID
func NewAuditLogger(config AuditConfig, sessionID string) (*AuditLogger, error) {
	logger := &AuditLogger{
		config:      config,
		sessionID:   sessionID,
		stopCh:      make(chan struct{}),
		processID:   os.Getpid(),
		processName: getProcessName(),
	}
	if !config.Enabled {
		return logger, nil
	}

	if config.BufferSize <= 0 {
		config.BufferSize = 1000
		logger.config.BufferSize = config.BufferSize
	}
	backend, err := createAuditBackend(config)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidAuditConfig, "failed to initialize audit backend")
	}
	logger.backend = backend
	logger.buffer = make([]AuditEvent, 0, config.BufferSize)

	if config.FlushInterval > 0 {
		logger.flushTicker = time.NewTicker(config.FlushInterval)
		go logger.flushLoop()
	}
	return logger, nil
}

// Enabled reports whether events are recorded
func (al *AuditLogger) Enabled() bool {
	return al != nil && al.backend != nil && al.config.Enabled
}

// Log records an audit event. componentID is AllComponents for events that
// concern the whole session.
func (al *AuditLogger) Log(level AuditLevel, event string, componentID int, param string, oldVal, newVal interface{}, context map[string]interface{}) {
	if !al.Enabled() || level < al.config.MinLevel {
		return
	}

	auditEvent := AuditEvent{
		Timestamp:   timecache.CachedTime(),
		Level:       level,
		Event:       event,
		SessionID:   al.sessionID,
		ComponentID: componentID,
		Parameter:   param,
		OldValue:    oldVal,
		NewValue:    newVal,
		ProcessID:   al.processID,
		ProcessName: al.processName,
		Context:     context,
	}
	auditEvent.Checksum = auditChecksum(auditEvent)

	al.bufferMu.Lock()
	al.buffer = append(al.buffer, auditEvent)
	if len(al.buffer) >= al.config.BufferSize {
		_ = al.flushBufferUnsafe() // retried on the next flush
	}
	al.bufferMu.Unlock()
}

// LogParameterWrite records a parameter write
func (al *AuditLogger) LogParameterWrite(componentID int, param string, oldVal, newVal interface{}) {
	al.Log(AuditInfo, "param_write", componentID, param, oldVal, newVal, nil)
}

// LogSecurityEvent records a security-relevant event
func (al *AuditLogger) LogSecurityEvent(event string, context map[string]interface{}) {
	al.Log(AuditSecurity, event, AllComponents, "", nil, nil, context)
}

// Flush writes every buffered event to the backend
func (al *AuditLogger) Flush() error {
	if !al.Enabled() {
		return nil
	}
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	if err := al.flushBufferUnsafe(); err != nil {
		return err
	}
	return al.backend.Flush()
}

// Stats returns statistics from the backend
func (al *AuditLogger) Stats() (*AuditDatabaseStats, error) {
	if !al.Enabled() {
		return nil, errors.New(ErrCodeInvalidAuditConfig, "audit trail is disabled")
	}
	if err := al.Flush(); err != nil {
		return nil, err
	}
	return al.backend.GetStats()
}

// Close flushes and releases the backend. It is safe to call more than once.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	var err error
	al.closeOnce.Do(func() {
		close(al.stopCh)
		if al.flushTicker != nil {
			al.flushTicker.Stop()
		}
		if !al.Enabled() {
			return
		}
		if flushErr := al.Flush(); flushErr != nil {
			err = errors.Wrap(flushErr, ErrCodeIOError, "failed to flush audit logger during close")
		}
		if closeErr := al.backend.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, ErrCodeIOError, "failed to close audit backend")
		}
	})
	return err
}

func (al *AuditLogger) flushLoop() {
	for {
		select {
		case <-al.flushTicker.C:
			_ = al.Flush()
		case <-al.stopCh:
			return
		}
	}
}

// flushBufferUnsafe writes the buffer to the backend (caller holds bufferMu)
func (al *AuditLogger) flushBufferUnsafe() error {
	if len(al.buffer) == 0 {
		return nil
	}
	if err := al.backend.Write(al.buffer); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to write audit events")
	}
	al.buffer = al.buffer[:0]
	return nil
}

// auditChecksum is a SHA-256 over the identifying fields of an event
func auditChecksum(event AuditEvent) string {
	data := fmt.Sprintf("%s:%s:%s:%d:%s:%v:%v",
		event.Timestamp.Format(time.RFC3339Nano),
		event.SessionID, event.Event, event.ComponentID, event.Parameter,
		event.OldValue, event.NewValue)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// VerifyAuditChecksum reports whether an event's checksum matches its content
func VerifyAuditChecksum(event AuditEvent) bool {
	return event.Checksum == auditChecksum(event)
}

func getProcessName() string {
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "hermes"
}
