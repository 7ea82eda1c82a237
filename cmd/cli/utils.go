// Utility functions for the hermes CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/hermes"
)

var extendedDuration = regexp.MustCompile(`^(\d+)(d|w)$`)

func (m *Manager) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(m.out, format, args...)
}

// audit records a CLI operation when an audit logger is attached
func (m *Manager) audit(event string, context map[string]interface{}) {
	if m.auditLogger != nil {
		m.auditLogger.Log(hermes.AuditInfo, event, hermes.AllComponents, "", nil, nil, context)
	}
}

// openCache validates the path and opens a cache store
func (m *Manager) openCache(path string) (*hermes.CacheStore, error) {
	if path == "" {
		return nil, errors.New(hermes.ErrCodeInvalidConfig, "cache file is required")
	}
	return hermes.NewCacheStore(path, m.logger)
}

// cachedParameters turns cached snapshots into stream parameters. A
// componentID of 0 selects every valid component.
func cachedParameters(store *hermes.CacheStore, componentID int) ([]hermes.Parameter, error) {
	var ids []int
	if componentID != hermes.AllComponents {
		ids = []int{componentID}
	} else {
		summaries, err := store.Components()
		if err != nil {
			return nil, err
		}
		for _, s := range summaries {
			if s.Valid {
				ids = append(ids, s.ComponentID)
			}
		}
		sort.Ints(ids)
	}

	var params []hermes.Parameter
	for _, id := range ids {
		snapshot, err := store.Snapshot(id)
		if err != nil {
			return nil, err
		}
		for _, p := range snapshot.Params {
			params = append(params, hermes.Parameter{
				ComponentID: id,
				Name:        p.Name,
				Index:       p.Index,
				Value:       p.Value,
			})
		}
	}
	return params, nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseExtendedDuration parses duration strings with extended units (d, w).
// Supports all Go standard units (ns, us, ms, s, m, h) plus:
// - d: days (24 hours)
// - w: weeks (7 days)
func parseExtendedDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	matches := extendedDuration.FindStringSubmatch(s)
	if len(matches) != 3 {
		_, err := time.ParseDuration(s)
		return 0, err
	}

	value, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", matches[1])
	}

	switch matches[2] {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	}
}

// checkFileWriteable verifies if a file can be written to.
// Returns error if file exists but is not writable (e.g., read-only permissions).
func checkFileWriteable(filePath string) error {
	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return checkDirectoryWriteable(filepath.Dir(filePath))
	}
	if err != nil {
		return fmt.Errorf("cannot stat file: %w", err)
	}

	if mode := info.Mode(); mode&0200 == 0 {
		return fmt.Errorf("file is read-only (mode: %v)", mode)
	}
	return nil
}

// checkDirectoryWriteable verifies if a directory can be written to.
func checkDirectoryWriteable(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err != nil {
		return fmt.Errorf("cannot access directory %s: %w", dirPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dirPath)
	}
	if mode := info.Mode(); mode&0200 == 0 {
		return fmt.Errorf("directory is not writable (mode: %v)", mode)
	}
	return nil
}
