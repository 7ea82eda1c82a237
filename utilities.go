// utilities.go: Path validation and small helpers shared across hermes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"
)

const (
	maxPathLength = 4096
	maxPathDepth  = 50
)

var traversalPatterns = []string{"..", "../", "..\\", "/..", "\\.."}

var encodedPatterns = []string{
	"%2e%2e",
	"%252e%252e",
	"%2f",
	"%252f",
	"%5c",
	"%255c",
	"%00",
	"%2500",
}

var sensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/hosts",
	"/proc/",
	"/sys/",
	"/dev/",
	"windows/system32",
	"program files",
	"system volume information",
	".ssh/",
	".aws/",
	".docker/",
}

var windowsDevices = []string{
	"CON", "PRN", "AUX", "NUL",
	"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
	"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
}

// ValidateSecurePath rejects paths that could escape the intended directory
// or reach sensitive system locations. It is applied to every cache file,
// audit file and catalog path before any file operation.
//
// Rejected: empty paths, traversal sequences (plain and URL-encoded),
// known system files, Windows device names and alternate data streams,
// paths longer than 4096 bytes or deeper than 50 levels, null bytes and
// control characters.
func ValidateSecurePath(path string) error {
	if path == "" {
		return errors.New(ErrCodeInvalidConfig, "empty path not allowed")
	}

	for _, pattern := range traversalPatterns {
		if strings.Contains(path, pattern) {
			return pathError(path, "path contains traversal pattern: "+pattern)
		}
	}

	lower := strings.ToLower(path)
	for _, pattern := range encodedPatterns {
		if strings.Contains(lower, pattern) {
			return pathError(path, "path contains URL-encoded traversal pattern: "+pattern)
		}
	}

	for _, sensitive := range sensitivePaths {
		if strings.Contains(lower, sensitive) {
			return pathError(path, "access to system file or directory not allowed: "+sensitive)
		}
	}

	base := strings.ToUpper(filepath.Base(path))
	if dot := strings.LastIndex(base, "."); dot != -1 {
		base = base[:dot]
	}
	for _, device := range windowsDevices {
		if base == device {
			return pathError(path, "windows device name not allowed: "+device)
		}
	}

	// filename.ext:stream; drive letters and URL schemes are allowed
	if colon := strings.Index(path, ":"); colon > 1 && colon < len(path)-1 {
		after := path[colon+1:]
		if !strings.HasPrefix(after, "//") && !strings.HasPrefix(after, "\\\\") && !strings.HasPrefix(after, ".") {
			return pathError(path, "windows alternate data streams not allowed")
		}
	}

	if len(path) > maxPathLength {
		return pathError(path, fmt.Sprintf("path too long (max %d characters): %d", maxPathLength, len(path)))
	}
	if depth := strings.Count(path, "/") + strings.Count(path, "\\"); depth > maxPathDepth {
		return pathError(path, fmt.Sprintf("path too complex (max %d directory levels): %d", maxPathDepth, depth))
	}

	for _, char := range path {
		if char == 0 {
			return pathError(path, "null byte in path not allowed")
		}
		if char < 32 && char != '\t' && char != '\n' && char != '\r' {
			return pathError(path, fmt.Sprintf("control character in path not allowed: %d", char))
		}
	}
	return nil
}

func pathError(path, msg string) error {
	if len(path) > 128 {
		path = path[:128] + "..."
	}
	return errors.New(ErrCodeInvalidConfig, msg).WithContext("path", path)
}

// clamp01 bounds a fraction to [0, 1]
func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
