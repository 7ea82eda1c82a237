// Command handlers for the hermes CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/hermes"
	"github.com/agilira/hermes/internal/simlink"
	"github.com/agilira/orpheus/pkg/orpheus"
	"golang.org/x/sync/errgroup"
)

// handleCacheList prints one line per cached component
func (m *Manager) handleCacheList(ctx *orpheus.Context) error {
	store, err := m.openCache(ctx.GetArg(0))
	if err != nil {
		return err
	}
	summaries, err := store.Components()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		m.printf("No cached components in %s\n", store.Path())
		return nil
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ComponentID < summaries[j].ComponentID })
	m.printf("%-10s %-8s %-10s %-25s %s\n", "COMPONENT", "PARAMS", "CHECKSUM", "SAVED", "HASH")
	for _, s := range summaries {
		status := "ok"
		if !s.Valid {
			status = "CORRUPT"
		}
		m.printf("%-10d %-8d %-10s %-25s %s\n", s.ComponentID, s.Count, status, s.SavedAt.Format(time.RFC3339), s.Hash)
	}
	return nil
}

// handleCacheShow prints the cached parameters of one component
func (m *Manager) handleCacheShow(ctx *orpheus.Context) error {
	store, err := m.openCache(ctx.GetArg(0))
	if err != nil {
		return err
	}
	componentID := ctx.GetFlagInt("component")
	snapshot, err := store.Snapshot(componentID)
	if err != nil {
		return err
	}

	m.printf("Component %d, hash %s, saved %s\n", snapshot.ComponentID, snapshot.Hash, snapshot.SavedAt.Format(time.RFC3339))
	for _, p := range snapshot.Params {
		m.printf("  [%3d] %-24s %-8s %s\n", p.Index, p.Name, p.Value.Type(), p.Value.String())
	}
	return nil
}

// handleCacheExport converts cached parameters into a parameter stream
func (m *Manager) handleCacheExport(ctx *orpheus.Context) error {
	store, err := m.openCache(ctx.GetArg(0))
	if err != nil {
		return err
	}
	output := ctx.GetArg(1)
	if output == "" {
		return errors.New(hermes.ErrCodeInvalidConfig, "output stream path is required")
	}
	if err := hermes.ValidateSecurePath(output); err != nil {
		return err
	}
	if err := checkFileWriteable(output); err != nil {
		return errors.Wrap(err, hermes.ErrCodeIOError, "cannot write output stream")
	}

	params, err := cachedParameters(store, ctx.GetFlagInt("component"))
	if err != nil {
		return err
	}

	// #nosec G304 -- path validated above
	f, err := os.Create(output)
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeIOError, "failed to create output stream")
	}
	if err := hermes.WriteStream(f, params); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, hermes.ErrCodeIOError, "failed to close output stream")
	}

	m.audit("cli_cache_export", map[string]interface{}{"cache": store.Path(), "output": output, "params": len(params)})
	m.printf("Exported %d parameters to %s\n", len(params), output)
	return nil
}

// handleCacheClear removes a cache file
func (m *Manager) handleCacheClear(ctx *orpheus.Context) error {
	store, err := m.openCache(ctx.GetArg(0))
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	m.audit("cli_cache_clear", map[string]interface{}{"cache": store.Path()})
	m.printf("Cleared %s\n", store.Path())
	return nil
}

// handleStreamValidate parses a stream and optionally checks it against a catalog
func (m *Manager) handleStreamValidate(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(hermes.ErrCodeInvalidConfig, "stream file is required")
	}
	if err := hermes.ValidateSecurePath(path); err != nil {
		return err
	}

	// #nosec G304 -- path validated above
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeIOError, "failed to open stream")
	}
	defer func() { _ = f.Close() }()

	entries, err := hermes.ParseStream(f)
	if err != nil {
		return err
	}

	var provider hermes.MetadataProvider
	if catalogPath := ctx.GetFlagString("catalog"); catalogPath != "" {
		catalog, err := hermes.LoadCatalog(catalogPath, m.logger)
		if err != nil {
			return err
		}
		provider = catalog
	}

	problems := hermes.ValidateStream(entries, provider)
	for _, problem := range problems {
		m.printf("  %v\n", problem)
	}
	if len(problems) > 0 {
		return errors.New(hermes.ErrCodeStreamFormat,
			fmt.Sprintf("%d of %d entries failed validation", len(problems), len(entries)))
	}
	m.printf("Stream is valid: %d parameters\n", len(entries))
	return nil
}

// handleMetadataValidate loads a catalog (with optional fallback) and
// reports what was found
func (m *Manager) handleMetadataValidate(ctx *orpheus.Context) error {
	location := ctx.GetArg(0)
	if location == "" {
		return errors.New(hermes.ErrCodeInvalidConfig, "catalog location is required")
	}
	timeout, err := parseExtendedDuration(ctx.GetFlagString("timeout"))
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeInvalidConfig, "invalid timeout")
	}

	opts := hermes.DefaultSourceOptions()
	opts.Timeout = timeout
	opts.Logger = m.logger
	catalog, used, err := hermes.LoadCatalogWithFallback(context.Background(), location, ctx.GetFlagString("fallback"), opts)
	if err != nil {
		return err
	}

	groups := catalog.Groups()
	m.printf("Catalog %s: version %d, %d parameters in %d groups\n", used, catalog.Version(), catalog.Len(), len(groups))
	warnings := catalog.Warnings()
	for _, w := range warnings {
		m.printf("  warning: %v\n", w)
	}
	if len(warnings) == 0 {
		m.printf("No warnings\n")
	}
	return nil
}

// handleMetadataShow prints one parameter's metadata
func (m *Manager) handleMetadataShow(ctx *orpheus.Context) error {
	location, name := ctx.GetArg(0), ctx.GetArg(1)
	if location == "" || name == "" {
		return errors.New(hermes.ErrCodeInvalidConfig, "usage: metadata show <catalog> <name>")
	}
	catalog, err := hermes.LoadCatalogFromURL(context.Background(), location, &hermes.SourceOptions{Logger: m.logger})
	if err != nil {
		return err
	}
	meta, ok := catalog.Lookup(name)
	if !ok {
		return errors.New(hermes.ErrCodeUnknownParameter, fmt.Sprintf("parameter '%s' not in catalog", name))
	}

	m.printf("%s (%s)\n", meta.Name, meta.Type)
	m.printf("  group:   %s\n", meta.Group)
	if meta.ShortDescription != "" {
		m.printf("  summary: %s\n", meta.ShortDescription)
	}
	if meta.Units != "" {
		m.printf("  units:   %s\n", meta.Units)
	}
	if meta.Min != nil {
		m.printf("  min:     %s\n", meta.Min.String())
	}
	if meta.Max != nil {
		m.printf("  max:     %s\n", meta.Max.String())
	}
	if meta.Default != nil {
		m.printf("  default: %s\n", meta.Default.String())
	}
	for _, e := range meta.Enum {
		m.printf("  %s = %s\n", e.Code.String(), e.Description)
	}
	if meta.RebootRequired {
		m.printf("  reboot required\n")
	}
	return nil
}

// handleSimulate runs one synchronization cycle against simlink. The
// remote and the engine run in an errgroup; the first failure or the
// timeout stops both.
func (m *Manager) handleSimulate(ctx *orpheus.Context) error {
	loss, err := strconv.ParseFloat(ctx.GetFlagString("loss"), 64)
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeInvalidConfig, "invalid loss ratio")
	}
	timeout, err := parseExtendedDuration(ctx.GetFlagString("timeout"))
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeInvalidConfig, "invalid timeout")
	}
	verbose := ctx.GetFlagBool("verbose")
	seed := ctx.GetFlagInt("seed")
	if seed < 0 {
		return errors.New(hermes.ErrCodeInvalidConfig, "seed must not be negative")
	}

	remote, err := simlink.New(simlink.Options{
		Components: ctx.GetFlagInt("components"),
		Params:     ctx.GetFlagInt("params"),
		Loss:       loss,
		Seed:       uint64(seed),
		Logger:     m.logger,
	})
	if err != nil {
		return err
	}

	cfg, err := hermes.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Logger = m.logger
	if cachePath := ctx.GetFlagString("cache"); cachePath != "" {
		cfg.CachePath = cachePath
	}

	ready := make(chan bool, 1)
	cfg.OnReady = func(missing bool) {
		select {
		case ready <- missing:
		default:
		}
	}
	if verbose {
		cfg.OnProgress = func(f float64) { m.printf("progress %5.1f%%\n", f*100) }
	}

	engine, err := hermes.New(remote, *cfg)
	if err != nil {
		return err
	}
	remote.Bind(engine)

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	start := time.Now()
	var missing bool
	g.Go(func() error {
		return remote.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		if err := engine.Start(); err != nil {
			return err
		}
		if err := engine.RefreshAllParameters(hermes.AllComponents); err != nil {
			return err
		}
		select {
		case missing = <-ready:
			return nil
		case <-gctx.Done():
			return errors.New(hermes.ErrCodeTimeoutExhausted, "simulation did not complete in time").
				WithContext("timeout", timeout.String()).
				WithContext("progress", engine.Progress())
		}
	})
	runErr := g.Wait()
	closeErr := engine.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}

	if export := ctx.GetFlagString("export"); export != "" {
		if err := m.exportEngine(engine, export); err != nil {
			return err
		}
	}

	stats := engine.Stats()
	sent, lost, rejected := remote.Stats()
	m.printf("Synchronized %d parameters from %d components in %v\n",
		stats.Parameters, stats.Components, time.Since(start).Round(time.Millisecond))
	m.printf("  missing:    %v\n", missing)
	m.printf("  requests:   %d (retries %d)\n", stats.Requests, stats.Retries)
	m.printf("  cache hits: %d\n", stats.CacheHits)
	m.printf("  link:       %d delivered, %d lost, %d rejected\n", sent, lost, rejected)
	return nil
}

func (m *Manager) exportEngine(engine *hermes.Engine, path string) error {
	if err := hermes.ValidateSecurePath(path); err != nil {
		return err
	}
	// #nosec G304 -- path validated above
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeIOError, "failed to create export stream")
	}
	if err := engine.WriteParametersToStream(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// handleAuditStats summarizes an audit trail
func (m *Manager) handleAuditStats(ctx *orpheus.Context) error {
	path := ctx.GetArg(0)
	if path == "" {
		return errors.New(hermes.ErrCodeInvalidConfig, "audit file is required")
	}
	stats, err := hermes.OpenAuditStats(path)
	if err != nil {
		return err
	}

	m.printf("Audit trail %s (%s)\n", stats.Path, stats.Backend)
	m.printf("  events:   %d\n", stats.TotalEvents)
	m.printf("  sessions: %d\n", stats.Sessions)
	if stats.OldestEvent != nil && stats.NewestEvent != nil {
		m.printf("  range:    %s .. %s\n", stats.OldestEvent.Format(time.RFC3339), stats.NewestEvent.Format(time.RFC3339))
	}
	for _, key := range sortedKeys(stats.EventsByLevel) {
		m.printf("  level %-9s %d\n", key, stats.EventsByLevel[key])
	}
	for _, key := range sortedKeys(stats.EventsByType) {
		m.printf("  event %-20s %d\n", key, stats.EventsByType[key])
	}
	return nil
}

// handleInfo displays version and environment details
func (m *Manager) handleInfo(ctx *orpheus.Context) error {
	m.printf("Hermes Parameter Synchronization\n")
	m.printf("Version: %s\n", Version)

	if ctx.GetFlagBool("verbose") {
		m.printf("\nSystem Details:\n")
		m.printf("Go version: %s\n", runtime.Version())
		m.printf("Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		m.printf("Value types: uint8 int8 uint16 int16 uint32 int32 float double\n")
		m.printf("Catalog sources: file http https\n")
		m.printf("Audit logging: %v\n", m.auditLogger != nil && m.auditLogger.Enabled())

		cfg, err := hermes.LoadConfigFromEnv()
		if err != nil {
			m.printf("Environment configuration: invalid (%v)\n", err)
		} else {
			m.printf("Value timeout: %v, read retries: %d, cache: %q\n",
				cfg.ValueTimeout, cfg.MaxReadRetries, cfg.CachePath)
		}
	}
	return nil
}

// handleCompletion generates shell completion scripts
func (m *Manager) handleCompletion(ctx *orpheus.Context) error {
	commands := "cache stream metadata simulate audit info completion"
	switch shell := ctx.GetArg(0); shell {
	case "bash":
		m.printf("# Bash completion for hermes\n")
		m.printf("# Add to ~/.bashrc: source <(hermes completion bash)\n")
		m.printf("_hermes_completion() {\n")
		m.printf("  COMPREPLY=($(compgen -W '%s' -- \"${COMP_WORDS[COMP_CWORD]}\"))\n", commands)
		m.printf("}\n")
		m.printf("complete -F _hermes_completion hermes\n")
	case "zsh":
		m.printf("#compdef hermes\n")
		m.printf("_hermes() {\n")
		m.printf("  _arguments '1: :(%s)'\n", commands)
		m.printf("}\n")
	case "fish":
		m.printf("complete -c hermes -f -a '%s'\n", commands)
	default:
		return errors.New(hermes.ErrCodeInvalidConfig, fmt.Sprintf("unsupported shell: %s", shell))
	}
	return nil
}
