// Package cli provides the command-line interface for hermes parameter
// synchronization.
//
// The CLI is built on the Orpheus framework and groups its commands by
// the artifact they operate on:
//   - cache:    inspect, export and clear parameter cache files
//   - stream:   validate parameter backup streams against a catalog
//   - metadata: validate and query metadata catalogs
//   - audit:    summarize audit trails
//   - simulate: run a full synchronization against a simulated remote
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	"github.com/agilira/hermes"
	"github.com/agilira/orpheus/pkg/orpheus"
	"go.uber.org/zap"
)

// Version is reported by the info command and --version
const Version = "1.0.0"

// Manager owns the Orpheus application and the shared dependencies of
// every command handler.
type Manager struct {
	app         *orpheus.App
	out         io.Writer
	logger      *zap.Logger
	auditLogger *hermes.AuditLogger // optional
}

// NewManager creates the CLI with every command registered
func NewManager() *Manager {
	app := orpheus.New("hermes").
		SetDescription("Parameter synchronization over lossy telemetry links").
		SetVersion(Version)

	manager := &Manager{
		app:    app,
		out:    os.Stdout,
		logger: zap.NewNop(),
	}

	manager.setupCacheCommands()
	manager.setupStreamCommands()
	manager.setupMetadataCommands()
	manager.setupSimulateCommand()
	manager.setupUtilityCommands()

	return manager
}

// WithAudit records every mutating CLI operation in the audit trail
func (m *Manager) WithAudit(auditLogger *hermes.AuditLogger) *Manager {
	m.auditLogger = auditLogger
	return m
}

// WithOutput redirects command output
func (m *Manager) WithOutput(w io.Writer) *Manager {
	if w != nil {
		m.out = w
	}
	return m
}

// WithLogger sets the logger handed to engines and catalogs
func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Run executes the CLI with args (without the program name)
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

func (m *Manager) setupCacheCommands() {
	cacheCmd := orpheus.NewCommand("cache", "Parameter cache operations")

	// cache list <file>
	cacheCmd.Subcommand("list", "List cached components", m.handleCacheList)

	// cache show <file> --component=N
	showCmd := cacheCmd.Subcommand("show", "Show the cached parameters of a component", m.handleCacheShow)
	showCmd.AddIntFlag("component", "c", 1, "Component id")

	// cache export <file> <stream> [--component=0]
	exportCmd := cacheCmd.Subcommand("export", "Export cached parameters as a parameter stream", m.handleCacheExport)
	exportCmd.AddIntFlag("component", "c", 0, "Component id (0 = all)")

	// cache clear <file>
	cacheCmd.Subcommand("clear", "Remove the cache file", m.handleCacheClear)

	m.app.AddCommand(cacheCmd)
}

func (m *Manager) setupStreamCommands() {
	streamCmd := orpheus.NewCommand("stream", "Parameter stream operations")

	// stream validate <file> [--catalog=path]
	validateCmd := streamCmd.Subcommand("validate", "Validate a parameter stream", m.handleStreamValidate)
	validateCmd.AddFlag("catalog", "m", "", "Metadata catalog to check types and ranges against")

	m.app.AddCommand(streamCmd)
}

func (m *Manager) setupMetadataCommands() {
	metadataCmd := orpheus.NewCommand("metadata", "Metadata catalog operations")

	// metadata validate <location> [--fallback=location]
	validateCmd := metadataCmd.Subcommand("validate", "Load a catalog and report warnings", m.handleMetadataValidate)
	validateCmd.AddFlag("fallback", "f", "", "Fallback catalog location")
	validateCmd.AddFlag("timeout", "t", "10s", "Load timeout")

	// metadata show <location> <name>
	metadataCmd.Subcommand("show", "Show the metadata of one parameter", m.handleMetadataShow)

	m.app.AddCommand(metadataCmd)
}

func (m *Manager) setupSimulateCommand() {
	simulateCmd := orpheus.NewCommand("simulate", "Synchronize against a simulated lossy remote")
	simulateCmd.SetHandler(m.handleSimulate)
	simulateCmd.AddIntFlag("components", "c", 1, "Number of simulated components")
	simulateCmd.AddIntFlag("params", "p", 64, "Parameters per component")
	simulateCmd.AddFlag("loss", "l", "0.1", "Probability that a response is lost")
	simulateCmd.AddIntFlag("seed", "s", 1, "Random seed for the loss pattern")
	simulateCmd.AddFlag("timeout", "t", "30s", "Give up after this long")
	simulateCmd.AddFlag("cache", "", "", "Parameter cache file")
	simulateCmd.AddFlag("export", "e", "", "Write the synchronized parameters to this stream file")
	simulateCmd.AddBoolFlag("verbose", "v", false, "Print progress")
	m.app.AddCommand(simulateCmd)
}

func (m *Manager) setupUtilityCommands() {
	auditCmd := orpheus.NewCommand("audit", "Audit trail inspection")
	auditCmd.Subcommand("stats", "Summarize an audit database or JSONL file", m.handleAuditStats)
	m.app.AddCommand(auditCmd)

	infoCmd := orpheus.NewCommand("info", "System information and diagnostics")
	infoCmd.SetHandler(m.handleInfo)
	infoCmd.AddBoolFlag("verbose", "v", false, "Verbose system information")
	m.app.AddCommand(infoCmd)

	completionCmd := orpheus.NewCommand("completion", "Generate shell completion scripts")
	completionCmd.SetHandler(m.handleCompletion)
	m.app.AddCommand(completionCmd)
}
