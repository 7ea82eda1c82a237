// flags_test.go: Command-line flag binding tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	goerrors "errors"
	"testing"
	"time"
)

func TestConfigFromFlags_Defaults(t *testing.T) {
	config, err := ConfigFromFlags("hermestest", []string{})
	if err != nil {
		t.Fatalf("ConfigFromFlags failed: %v", err)
	}
	if config.ValueTimeout != time.Second || config.MaxReadRetries != 10 || config.QueueCapacity != 1024 {
		t.Errorf("defaults = %v, %d, %d", config.ValueTimeout, config.MaxReadRetries, config.QueueCapacity)
	}
	if config.ProgressStep != 0.01 {
		t.Errorf("ProgressStep = %v", config.ProgressStep)
	}
	if config.Audit.Enabled {
		t.Error("audit should be off by default")
	}
}

func TestConfigFromFlags_Overrides(t *testing.T) {
	args := []string{
		"--value-timeout", "300ms",
		"--tick", "20ms",
		"--read-retries", "4",
		"--queue-capacity", "256",
		"--progress-step", "0.1",
		"--preferred-component", "3",
		"--cache-path", "params.yaml",
		"--audit=true",
		"--audit-level", "critical",
	}
	config, err := ConfigFromFlags("hermestest", args)
	if err != nil {
		t.Fatalf("ConfigFromFlags failed: %v", err)
	}

	if config.ValueTimeout != 300*time.Millisecond || config.TickInterval != 20*time.Millisecond {
		t.Errorf("timing = %v, %v", config.ValueTimeout, config.TickInterval)
	}
	if config.MaxReadRetries != 4 || config.QueueCapacity != 256 || config.ProgressStep != 0.1 {
		t.Errorf("engine = %d, %d, %v", config.MaxReadRetries, config.QueueCapacity, config.ProgressStep)
	}
	if config.PreferredComponentID != 3 || config.CachePath != "params.yaml" {
		t.Errorf("component/cache = %d, %q", config.PreferredComponentID, config.CachePath)
	}
	if !config.Audit.Enabled || config.Audit.MinLevel != AuditCritical || config.Audit.BufferSize != 1000 {
		t.Errorf("audit = %+v", config.Audit)
	}
}

func TestConfigFromFlags_Rejects(t *testing.T) {
	tests := map[string][]string{
		"unknown flag":        {"--no-such-flag", "1"},
		"slow tick":           {"--tick", "2s"},
		"odd queue":           {"--queue-capacity", "100"},
		"zero retries":        {"--write-retries", "0"},
		"bad progress step":   {"--progress-step", "lots"},
		"negative component":  {"--preferred-component=-2"},
		"unknown audit level": {"--audit=true", "--audit-level", "verbose"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ConfigFromFlags("hermestest", args); err == nil {
				t.Errorf("ConfigFromFlags(%v) should fail", args)
			}
		})
	}
}

func TestEngineFlags_Help(t *testing.T) {
	for _, arg := range []string{"-h", "--help"} {
		ef := NewEngineFlags("hermestest")
		if err := ef.Parse([]string{"--tick", "10ms", arg}); !goerrors.Is(err, ErrHelpRequested) {
			t.Errorf("Parse(%s) = %v, want ErrHelpRequested", arg, err)
		}
	}
}

func TestEngineFlags_NamesAndEnvKeys(t *testing.T) {
	ef := NewEngineFlags("hermes").SetDescription("test").SetVersion("v0")
	ef.Flags().String("target", "default", "extra application flag")

	names := ef.FlagNames()
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	for _, want := range []string{"target", "value-timeout", "progress-step", "audit-file"} {
		if !seen[want] {
			t.Errorf("flag %q missing from %v", want, names)
		}
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}

	if got := ef.EnvKey("value-timeout"); got != "HERMES_VALUE_TIMEOUT" {
		t.Errorf("EnvKey = %q", got)
	}
}
