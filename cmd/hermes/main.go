// main.go: hermes daemon and command-line entry point
//
// Without a subcommand, hermes connects to NATS, synchronizes every
// component of the target and keeps the engine running until interrupted:
//
//	hermes --nats-url nats://localhost:4222 --target uav1 \
//	       --catalog params.yaml --cache-path /var/lib/hermes/params.yaml
//
// Every engine flag can also be set through HERMES_* environment
// variables. Any other first argument is handed to the command-line tool
// (cache, stream, metadata, simulate, audit, info, completion).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/hermes"
	"github.com/agilira/hermes/cmd/cli"
	"github.com/agilira/hermes/transport/natslink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if err := cli.NewManager().Run(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(args); err != nil {
		if goerrors.Is(err, hermes.ErrHelpRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type daemonFlags struct {
	natsURL      string
	target       string
	catalog      string
	fallback     string
	watchCatalog bool
	metricsAddr  string
	export       string
	logLevel     string
}

func run(args []string) error {
	ef := hermes.NewEngineFlags("hermes").
		SetDescription("Parameter synchronization over lossy telemetry links").
		SetVersion(cli.Version)

	fs := ef.Flags()
	fs.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	fs.String("target", "default", "Remote system name used in subjects")
	fs.String("catalog", "", "Metadata catalog location (path or URL)")
	fs.String("catalog-fallback", "", "Fallback metadata catalog location")
	fs.Bool("watch-catalog", false, "Reload a local catalog when it changes")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("export", "", "Write a parameter stream here once synchronized")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := ef.Parse(args); err != nil {
		if goerrors.Is(err, hermes.ErrHelpRequested) {
			ef.PrintUsage()
		}
		return err
	}
	config, err := ef.Config()
	if err != nil {
		return err
	}
	df := daemonFlags{
		natsURL:      fs.GetString("nats-url"),
		target:       fs.GetString("target"),
		catalog:      fs.GetString("catalog"),
		fallback:     fs.GetString("catalog-fallback"),
		watchCatalog: fs.GetBool("watch-catalog"),
		metricsAddr:  fs.GetString("metrics-addr"),
		export:       fs.GetString("export"),
		logLevel:     fs.GetString("log-level"),
	}

	logger, err := newLogger(df.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, config, df, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, hermes.ErrCodeInvalidConfig, "invalid log level")
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func serve(ctx context.Context, config *hermes.Config, df daemonFlags, logger *zap.Logger) error {
	config.Logger = logger
	config.ErrorHandler = func(err error, componentID int) {
		logger.Debug("absorbed error", zap.Int("component", componentID), zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics, err := hermes.NewMetrics(registry)
	if err != nil {
		return err
	}
	config.Metrics = metrics

	if df.catalog != "" {
		opts := hermes.DefaultSourceOptions()
		opts.Logger = logger
		catalog, used, err := hermes.LoadCatalogWithFallback(ctx, df.catalog, df.fallback, opts)
		if err != nil {
			return err
		}
		logger.Info("metadata catalog loaded",
			zap.String("location", used),
			zap.Int("params", catalog.Len()),
			zap.Int("warnings", len(catalog.Warnings())))
		config.Metadata = catalog
	}

	link, err := natslink.Dial(df.natsURL, natslink.Options{Target: df.target, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = link.Close() }()

	ready := make(chan bool, 1)
	config.OnReady = func(missing bool) {
		select {
		case ready <- missing:
		default:
		}
	}

	engine, err := hermes.New(link, *config)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()
	if err := link.Attach(engine); err != nil {
		return err
	}

	if df.watchCatalog && df.catalog != "" {
		watcher, err := hermes.NewCatalogWatcher(df.catalog, engine, 0, logger, config.ErrorHandler)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	if err := engine.Start(); err != nil {
		return err
	}
	if err := engine.RefreshAllParameters(hermes.AllComponents); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if df.metricsAddr != "" {
		server := &http.Server{
			Addr:              df.metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, hermes.ErrCodeIOError, "metrics server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case missing := <-ready:
			logger.Info("synchronization complete", zap.Bool("missing", missing))
			if df.export != "" {
				if err := exportStream(engine, df.export); err != nil {
					return err
				}
				logger.Info("parameters exported", zap.String("path", df.export))
			}
		case <-gctx.Done():
			return nil
		}
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func exportStream(engine *hermes.Engine, path string) error {
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
