// audit_backend_test.go: SQLite and JSONL audit backend tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sqliteAuditConfig(t *testing.T) AuditConfig {
	return AuditConfig{
		Enabled:       true,
		OutputFile:    filepath.Join(t.TempDir(), "audit.db"),
		MinLevel:      AuditInfo,
		BufferSize:    100,
		FlushInterval: time.Hour,
	}
}

func logSampleEvents(t *testing.T, config AuditConfig, session string) {
	t.Helper()
	al, err := NewAuditLogger(config, session)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	al.LogParameterWrite(1, "ATT_ROLL_P", "6.5", "7")
	al.LogParameterWrite(2, "CAM_MODE", nil, "3")
	al.Log(AuditWarn, "protocol_error", 1, "", nil, nil, map[string]interface{}{"reason": "bad index"})
	if err := al.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestSQLiteAudit_Stats(t *testing.T) {
	config := sqliteAuditConfig(t)
	al, err := NewAuditLogger(config, "session-1")
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer func() { _ = al.Close() }()

	al.LogParameterWrite(1, "ATT_ROLL_P", "6.5", "7")
	al.LogParameterWrite(2, "CAM_MODE", nil, "3")
	al.Log(AuditWarn, "protocol_error", 1, "", nil, nil, map[string]interface{}{"reason": "bad index"})

	stats, err := al.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Backend != "sqlite" || stats.Path != config.OutputFile {
		t.Errorf("backend %q at %q", stats.Backend, stats.Path)
	}
	if stats.TotalEvents != 3 || stats.Sessions != 1 || stats.SchemaVersion != auditSchemaVersion {
		t.Errorf("totals = %d events, %d sessions, schema %d", stats.TotalEvents, stats.Sessions, stats.SchemaVersion)
	}
	if stats.EventsByLevel["INFO"] != 2 || stats.EventsByLevel["WARN"] != 1 {
		t.Errorf("by level = %v", stats.EventsByLevel)
	}
	if stats.EventsByType["param_write"] != 2 || stats.EventsByComponent[1] != 2 || stats.EventsByComponent[2] != 1 {
		t.Errorf("by type %v, by component %v", stats.EventsByType, stats.EventsByComponent)
	}
	if stats.OldestEvent == nil || stats.NewestEvent == nil || stats.NewestEvent.Before(*stats.OldestEvent) {
		t.Errorf("time range = %v .. %v", stats.OldestEvent, stats.NewestEvent)
	}
	if stats.DatabaseSize <= 0 {
		t.Error("database size should be reported")
	}
}

func TestSQLiteAudit_SharedAcrossSessions(t *testing.T) {
	config := sqliteAuditConfig(t)
	logSampleEvents(t, config, "session-1")
	logSampleEvents(t, config, "session-2")

	stats, err := OpenAuditStats(config.OutputFile)
	if err != nil {
		t.Fatalf("OpenAuditStats failed: %v", err)
	}
	if stats.TotalEvents != 6 || stats.Sessions != 2 {
		t.Errorf("totals = %d events, %d sessions", stats.TotalEvents, stats.Sessions)
	}
}

func TestJSONLAudit_Stats(t *testing.T) {
	config := jsonlAuditConfig(t)
	logSampleEvents(t, config, "session-1")

	f, err := os.OpenFile(config.OutputFile, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	stats, err := OpenAuditStats(config.OutputFile)
	if err != nil {
		t.Fatalf("OpenAuditStats failed: %v", err)
	}
	if stats.Backend != "jsonl" || stats.TotalEvents != 3 || stats.Sessions != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.EventsByLevel["WARN"] != 1 || stats.EventsByComponent[2] != 1 {
		t.Errorf("by level %v, by component %v", stats.EventsByLevel, stats.EventsByComponent)
	}
}

func TestOpenAuditStats_Errors(t *testing.T) {
	if _, err := OpenAuditStats(filepath.Join(t.TempDir(), "none.db")); ErrorCode(err) != ErrCodeIOError {
		t.Errorf("missing store: code = %q", ErrorCode(err))
	}
	if _, err := OpenAuditStats("../audit.jsonl"); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("unsafe path: code = %q", ErrorCode(err))
	}
}

func TestAuditDatabasePath(t *testing.T) {
	if got := auditDatabasePath("/var/lib/hermes/audit.db"); got != "/var/lib/hermes/audit.db" {
		t.Errorf("explicit .db = %q", got)
	}
	shared := filepath.Join(os.TempDir(), "hermes", "param-audit.db")
	for _, in := range []string{"", "audit.log"} {
		if got := auditDatabasePath(in); got != shared {
			t.Errorf("auditDatabasePath(%q) = %q, want %q", in, got, shared)
		}
	}
}

func TestSQLiteAudit_ClosedBackend(t *testing.T) {
	backend, err := newSQLiteBackend(sqliteAuditConfig(t))
	if err != nil {
		t.Fatalf("newSQLiteBackend failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := backend.GetStats(); ErrorCode(err) != ErrCodeIOError {
		t.Errorf("GetStats after Close: code = %q", ErrorCode(err))
	}
	if err := backend.Write([]AuditEvent{{Event: "late"}}); err == nil {
		t.Error("Write after Close should fail")
	}
}
