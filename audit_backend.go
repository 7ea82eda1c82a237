// audit_backend.go: Storage backends for the hermes audit trail
//
// Two backends implement the same contract: SQLite (default, queryable,
// shared across sessions) and JSONL (one JSON object per line, selected by
// a .jsonl output file).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

const auditSchemaVersion = 2

// auditBackend is the storage contract shared by every audit backend
type auditBackend interface {
	// Write persists a batch of events; safe for concurrent use
	Write(events []AuditEvent) error

	// Flush commits pending writes to storage
	Flush() error

	// Close releases every resource; the backend is unusable afterwards
	Close() error

	// Maintenance applies retention and optimization
	Maintenance() error

	GetStats() (*AuditDatabaseStats, error)
}

// AuditDatabaseStats summarizes the contents of an audit store
type AuditDatabaseStats struct {
	Backend           string           `json:"backend"`
	Path              string           `json:"path"`
	TotalEvents       int64            `json:"total_events"`
	EventsByLevel     map[string]int64 `json:"events_by_level"`
	EventsByType      map[string]int64 `json:"events_by_type"`
	EventsByComponent map[int]int64    `json:"events_by_component"`
	Sessions          int64            `json:"sessions"`
	OldestEvent       *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent       *time.Time       `json:"newest_event,omitempty"`
	DatabaseSize      int64            `json:"database_size_bytes"`
	SchemaVersion     int              `json:"schema_version"`
}

func newAuditStats(backend, path string) *AuditDatabaseStats {
	return &AuditDatabaseStats{
		Backend:           backend,
		Path:              path,
		EventsByLevel:     make(map[string]int64),
		EventsByType:      make(map[string]int64),
		EventsByComponent: make(map[int]int64),
	}
}

// createAuditBackend selects the backend for a configuration: .jsonl files
// get the JSONL backend, everything else tries SQLite first and falls back
// to JSONL when SQLite cannot be opened and an output file was given.
func createAuditBackend(config AuditConfig) (auditBackend, error) {
	if config.OutputFile != "" {
		if err := ValidateSecurePath(config.OutputFile); err != nil {
			return nil, err
		}
	}
	if config.OutputFile != "" && filepath.Ext(config.OutputFile) == ".jsonl" {
		return newJSONLBackend(config.OutputFile)
	}

	backend, err := newSQLiteBackend(config)
	if err == nil {
		return backend, nil
	}
	if config.OutputFile == "" {
		return nil, err
	}

	jsonlBackend, jsonlErr := newJSONLBackend(config.OutputFile + ".jsonl")
	if jsonlErr != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "all audit backends failed").
			WithContext("jsonl_error", jsonlErr.Error())
	}
	return jsonlBackend, nil
}

// OpenAuditStats opens an existing audit store read-only and returns its
// statistics. The backend is chosen the same way as for writing.
func OpenAuditStats(outputFile string) (*AuditDatabaseStats, error) {
	path := auditDatabasePath(outputFile)
	if outputFile != "" && filepath.Ext(outputFile) == ".jsonl" {
		path = outputFile
	}
	if err := ValidateSecurePath(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "audit store not found").WithContext("path", path)
	}

	backend, err := createAuditBackend(AuditConfig{Enabled: true, OutputFile: outputFile})
	if err != nil {
		return nil, err
	}
	defer func() { _ = backend.Close() }()
	return backend.GetStats()
}

// auditDatabasePath returns the SQLite file used for a configured output
func auditDatabasePath(outputFile string) string {
	if outputFile != "" && filepath.Ext(outputFile) == ".db" {
		return outputFile
	}
	return filepath.Join(os.TempDir(), "hermes", "param-audit.db")
}

// sqliteAuditBackend stores events in the param_events table. Several
// sessions and processes may share one database file.
type sqliteAuditBackend struct {
	db         *sql.DB
	dbPath     string
	sourceFile string
	insertStmt *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

func newSQLiteBackend(config AuditConfig) (*sqliteAuditBackend, error) {
	dbPath := auditDatabasePath(config.OutputFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to create audit database directory")
	}

	db, err := openSQLiteDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	backend := &sqliteAuditBackend{
		db:         db,
		dbPath:     dbPath,
		sourceFile: config.OutputFile,
	}
	if err := backend.ensureSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to initialize audit database schema")
	}
	if err := backend.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to prepare audit database statements")
	}

	// retention is best effort
	_ = backend.performMaintenance()
	return backend, nil
}

// openSQLiteDatabase opens the database in WAL mode: readers never block the
// writer and a 5s busy timeout covers processes sharing the file
func openSQLiteDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=1000", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to open audit database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to ping audit database")
	}
	return db, nil
}

func (s *sqliteAuditBackend) ensureSchemaVersion() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("failed to create schema_info table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}
	if version >= auditSchemaVersion {
		return nil
	}

	if err := s.migrateSchema(version, auditSchemaVersion); err != nil {
		return fmt.Errorf("schema migration from v%d to v%d failed: %w", version, auditSchemaVersion, err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_info (version, updated_at) VALUES (?, CURRENT_TIMESTAMP)`,
		auditSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

func (s *sqliteAuditBackend) migrateSchema(oldVersion, newVersion int) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for version := oldVersion; version < newVersion; version++ {
		switch version {
		case 0:
			err = migrateToV1(tx)
		case 1:
			err = migrateToV2(tx)
		default:
			err = fmt.Errorf("unknown migration path from version %d", version)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// migrateToV1 creates the event table
func migrateToV1(tx *sql.Tx) error {
	if _, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS param_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		session_id TEXT NOT NULL,
		component_id INTEGER NOT NULL,
		parameter TEXT,
		old_value TEXT,
		new_value TEXT,
		original_output_file TEXT NOT NULL,
		process_id INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		context TEXT,
		checksum TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("failed to create param_events table: %w", err)
	}

	for _, indexSQL := range []string{
		"CREATE INDEX IF NOT EXISTS idx_param_events_timestamp ON param_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_param_events_level ON param_events(level)",
		"CREATE INDEX IF NOT EXISTS idx_param_events_session ON param_events(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_param_events_created_at ON param_events(created_at)",
	} {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds the per-parameter lookup indexes
func migrateToV2(tx *sql.Tx) error {
	for _, indexSQL := range []string{
		"CREATE INDEX IF NOT EXISTS idx_param_events_component_param ON param_events(component_id, parameter, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_param_events_event_time ON param_events(event, timestamp)",
	} {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create composite index: %w", err)
		}
	}
	return nil
}

// performMaintenance drops events older than 90 days and checkpoints the WAL
func (s *sqliteAuditBackend) performMaintenance() error {
	const retentionDays = 90

	if _, err := s.db.Exec(`DELETE FROM param_events WHERE created_at < datetime('now', '-' || ? || ' days')`,
		retentionDays); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to clean up old audit events")
	}
	for _, task := range []string{"PRAGMA optimize", "PRAGMA wal_checkpoint(FULL)"} {
		_, _ = s.db.Exec(task)
	}
	return nil
}

func (s *sqliteAuditBackend) prepareStatements() error {
	stmt, err := s.db.Prepare(`
	INSERT INTO param_events (
		timestamp, level, event, session_id, component_id, parameter,
		old_value, new_value, original_output_file, process_id, process_name,
		context, checksum
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.insertStmt = stmt
	return nil
}

// Write inserts a batch of events in one transaction
func (s *sqliteAuditBackend) Write(events []AuditEvent) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeIOError, "cannot write to closed SQLite audit backend")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to begin audit transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.Stmt(s.insertStmt)
	defer func() { _ = stmt.Close() }()

	for _, event := range events {
		if err = s.insertEvent(stmt, event); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "failed to insert audit event").
				WithContext("event", event.Event)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to commit audit transaction")
	}
	return nil
}

func (s *sqliteAuditBackend) insertEvent(stmt *sql.Stmt, event AuditEvent) error {
	oldValue, err := jsonColumn(event.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonColumn(event.NewValue)
	if err != nil {
		return err
	}
	context := ""
	if len(event.Context) > 0 {
		if context, err = jsonColumn(event.Context); err != nil {
			return err
		}
	}

	_, err = stmt.Exec(
		event.Timestamp.Format(time.RFC3339Nano),
		event.Level.String(),
		event.Event,
		event.SessionID,
		event.ComponentID,
		event.Parameter,
		oldValue,
		newValue,
		s.sourceFile,
		event.ProcessID,
		event.ProcessName,
		context,
		event.Checksum,
	)
	return err
}

func jsonColumn(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Flush forces a WAL checkpoint
func (s *sqliteAuditBackend) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to flush SQLite audit backend")
	}
	return nil
}

func (s *sqliteAuditBackend) Maintenance() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.performMaintenance()
}

// GetStats aggregates the event table
func (s *sqliteAuditBackend) GetStats() (*AuditDatabaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeIOError, "audit backend is closed")
	}

	stats := newAuditStats("sqlite", s.dbPath)
	if err := s.db.QueryRow("SELECT COUNT(*), COUNT(DISTINCT session_id) FROM param_events").
		Scan(&stats.TotalEvents, &stats.Sessions); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to count audit events")
	}
	if err := s.groupCount("SELECT level, COUNT(*) FROM param_events GROUP BY level", func(key string, n int64) {
		stats.EventsByLevel[key] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount("SELECT event, COUNT(*) FROM param_events GROUP BY event", func(key string, n int64) {
		stats.EventsByType[key] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount("SELECT component_id, COUNT(*) FROM param_events GROUP BY component_id", func(key string, n int64) {
		if id, err := strconv.Atoi(key); err == nil {
			stats.EventsByComponent[id] = n
		}
	}); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM param_events").
		Scan(&oldest, &newest); err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to read audit time range")
	}
	stats.OldestEvent = parseAuditTime(oldest)
	stats.NewestEvent = parseAuditTime(newest)

	if err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").
		Scan(&stats.SchemaVersion); err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to read audit schema version")
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

func (s *sqliteAuditBackend) groupCount(query string, fn func(key string, n int64)) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to group audit events")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "failed to scan audit statistics")
		}
		fn(key, n)
	}
	return rows.Err()
}

func parseAuditTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Close checkpoints the WAL and closes the database. Safe to call twice.
func (s *sqliteAuditBackend) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	if s.insertStmt != nil {
		first = s.insertStmt.Close()
	}
	if err := s.db.Close(); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return errors.Wrap(first, ErrCodeIOError, "errors closing SQLite audit backend")
	}
	return nil
}

// jsonlAuditBackend appends one JSON object per line
type jsonlAuditBackend struct {
	file   *os.File
	path   string
	mu     sync.Mutex
	closed bool
}

func newJSONLBackend(path string) (*jsonlAuditBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to create JSONL audit log directory")
	}
	// #nosec G304 -- path validated by createAuditBackend
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to open JSONL audit log file")
	}
	return &jsonlAuditBackend{file: file, path: path}, nil
}

func (j *jsonlAuditBackend) Write(events []AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New(ErrCodeIOError, "cannot write to closed JSONL audit backend")
	}

	w := bufio.NewWriter(j.file)
	enc := json.NewEncoder(w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "failed to serialize audit event")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to write audit events to JSONL")
	}
	return nil
}

func (j *jsonlAuditBackend) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to sync JSONL audit file")
	}
	return nil
}

// Maintenance is a no-op; JSONL files are rotated externally
func (j *jsonlAuditBackend) Maintenance() error {
	return nil
}

// GetStats scans the file. Malformed lines are skipped.
func (j *jsonlAuditBackend) GetStats() (*AuditDatabaseStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := newAuditStats("jsonl", j.path)
	stats.SchemaVersion = 1

	// #nosec G304 -- path validated by createAuditBackend
	f, err := os.Open(j.path)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to open JSONL audit file")
	}
	defer func() { _ = f.Close() }()

	sessions := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		stats.TotalEvents++
		stats.EventsByLevel[event.Level.String()]++
		stats.EventsByType[event.Event]++
		stats.EventsByComponent[event.ComponentID]++
		sessions[event.SessionID] = struct{}{}

		ts := event.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			stats.OldestEvent = &ts
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			stats.NewestEvent = &ts
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to read JSONL audit file")
	}
	stats.Sessions = int64(len(sessions))
	if info, err := f.Stat(); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

func (j *jsonlAuditBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to close JSONL audit file")
	}
	return nil
}
