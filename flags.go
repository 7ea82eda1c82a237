// flags.go: Command-line binding of engine configuration through FlashFlags
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"sort"
	"strconv"
	"strings"
	"time"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

// ErrHelpRequested is returned by EngineFlags.Parse for -h and --help
var ErrHelpRequested = errors.New(ErrCodeInvalidConfig, "help requested")

// EngineFlags exposes every engine knob as a command-line flag. Values
// can also come from environment variables named APPNAME_FLAG_NAME.
type EngineFlags struct {
	flags   *flashflags.FlagSet
	appName string
}

// NewEngineFlags registers the engine flags for an application
func NewEngineFlags(appName string) *EngineFlags {
	fs := flashflags.New(appName)
	ef := &EngineFlags{flags: fs, appName: appName}

	fs.Duration("initial-timeout", 5*time.Second, "Wait for the first answer to a list request")
	fs.Duration("value-timeout", time.Second, "Quiet period before outstanding reads and writes are re-issued")
	fs.Duration("cache-timeout", 2*time.Second, "Wait for the identity hash before skipping the cache")
	fs.Duration("quiescence", 2*time.Second, "Write-free period before the persist command")
	fs.Duration("tick", 50*time.Millisecond, "Supervisor polling period")
	fs.Int("list-retries", 2, "List request retry ceiling")
	fs.Int("read-retries", 10, "Read retry ceiling")
	fs.Int("write-retries", 3, "Write retry ceiling")
	fs.Int("queue-capacity", 1024, "Event queue capacity (power of 2)")
	fs.String("progress-step", "0.01", "Minimum reported progress change")
	fs.Int("preferred-component", 0, "Component preferred as default (0 = none)")
	fs.String("cache-path", "", "Parameter cache file (empty disables the cache)")
	fs.Bool("audit", false, "Enable the audit trail")
	fs.String("audit-file", "", "Audit output file (.jsonl or SQLite database)")
	fs.String("audit-level", "info", "Minimum audit level (info, warn, critical, security)")
	return ef
}

// Flags returns the underlying flag set so applications can register
// their own flags next to the engine ones
func (ef *EngineFlags) Flags() *flashflags.FlagSet {
	return ef.flags
}

// SetDescription sets the help text description
func (ef *EngineFlags) SetDescription(description string) *EngineFlags {
	ef.flags.SetDescription(description)
	return ef
}

// SetVersion sets the version shown in help text
func (ef *EngineFlags) SetVersion(version string) *EngineFlags {
	ef.flags.SetVersion(version)
	return ef
}

// Parse parses args; environment variables fill unset flags
func (ef *EngineFlags) Parse(args []string) error {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return ErrHelpRequested
		}
	}
	ef.flags.SetEnvPrefix(strings.ToUpper(ef.appName))
	if err := ef.flags.Parse(args); err != nil {
		return errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse command-line flags")
	}
	return nil
}

// Config builds and validates an engine configuration from the parsed flags
func (ef *EngineFlags) Config() (*Config, error) {
	config := &Config{
		InitialRequestTimeout: ef.flags.GetDuration("initial-timeout"),
		ValueTimeout:          ef.flags.GetDuration("value-timeout"),
		CacheLookupTimeout:    ef.flags.GetDuration("cache-timeout"),
		QuiescenceInterval:    ef.flags.GetDuration("quiescence"),
		TickInterval:          ef.flags.GetDuration("tick"),
		MaxListRetries:        ef.flags.GetInt("list-retries"),
		MaxReadRetries:        ef.flags.GetInt("read-retries"),
		MaxWriteRetries:       ef.flags.GetInt("write-retries"),
		QueueCapacity:         int64(ef.flags.GetInt("queue-capacity")),
		PreferredComponentID:  ef.flags.GetInt("preferred-component"),
		CachePath:             ef.flags.GetString("cache-path"),
	}
	step, err := strconv.ParseFloat(ef.flags.GetString("progress-step"), 64)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid progress step")
	}
	config.ProgressStep = step

	if ef.flags.GetBool("audit") {
		level, err := parseAuditLevel(ef.flags.GetString("audit-level"))
		if err != nil {
			return nil, err
		}
		config.Audit = AuditConfig{
			Enabled:    true,
			OutputFile: ef.flags.GetString("audit-file"),
			MinLevel:   level,
		}
	}

	// raw values are validated first so that explicit garbage is reported
	// instead of silently replaced by defaults
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config.WithDefaults(), nil
}

// FlagNames lists the registered flags in alphabetical order
func (ef *EngineFlags) FlagNames() []string {
	var names []string
	ef.flags.VisitAll(func(flag *flashflags.Flag) {
		names = append(names, flag.Name())
	})
	sort.Strings(names)
	return names
}

// EnvKey returns the environment variable that feeds a flag
func (ef *EngineFlags) EnvKey(flagName string) string {
	return strings.ToUpper(ef.appName + "_" + strings.ReplaceAll(flagName, "-", "_"))
}

// PrintUsage prints help for every flag
func (ef *EngineFlags) PrintUsage() {
	ef.flags.PrintHelp()
}

// ConfigFromFlags parses args and returns the resulting configuration
func ConfigFromFlags(appName string, args []string) (*Config, error) {
	ef := NewEngineFlags(appName)
	if err := ef.Parse(args); err != nil {
		return nil, err
	}
	return ef.Config()
}
