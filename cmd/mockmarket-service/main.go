// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/mockmarket/lib/clock"
	"github.com/bureau-foundation/mockmarket/lib/config"
	"github.com/bureau-foundation/mockmarket/lib/listings"
	"github.com/bureau-foundation/mockmarket/lib/process"
	"github.com/bureau-foundation/mockmarket/lib/service"
	"github.com/bureau-foundation/mockmarket/lib/sessionstore"
	"github.com/bureau-foundation/mockmarket/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("mockmarket-service", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&listen, "listen", "", "TCP listen address, overriding server.listen")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if showVersion {
		fmt.Printf("mockmarket-service %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	timing, err := cfg.Timing()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	baseline, err := listings.LoadBaseline(cfg.Paths.Baseline, clk)
	if err != nil {
		return fmt.Errorf("loading baseline: %w", err)
	}

	manager, err := sessionstore.Open(sessionstore.Config{
		Dir:              cfg.Paths.Sessions,
		Schema:           listings.Schema,
		Baseline:         baseline,
		Registry:         sessionstore.NewRegistry(),
		Clock:            clk,
		Logger:           logger,
		PoolSize:         cfg.Sessions.PoolSize,
		OperationTimeout: timing.OperationTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("closing session store", "error", err)
		}
	}()

	reaper, err := sessionstore.NewReaper(manager, sessionstore.ReaperConfig{
		MaxAge:   timing.MaxIdle,
		Interval: timing.SweepInterval,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reaperDone := make(chan error, 1)
	go func() {
		reaperDone <- reaper.Run(ctx)
	}()

	api := &Service{
		manager:   manager,
		baseline:  baseline,
		clock:     clk,
		logger:    logger,
		startedAt: clk.Now(),
	}

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         api.Handler(),
		ReadTimeout:     timing.ReadTimeout,
		WriteTimeout:    timing.WriteTimeout,
		ShutdownTimeout: timing.ShutdownTimeout,
		Logger:          logger,
	})

	logger.Info("mockmarket service starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"sessions_dir", manager.Dir(),
		"baseline_items", baseline.Len(),
		"max_idle", timing.MaxIdle,
	)

	serveErr := server.Serve(ctx)
	// A listen failure returns before ctx is cancelled; stop the
	// reaper either way.
	stop()
	<-reaperDone

	return serveErr
}

// loadConfig reads path, or the file named by MOCKMARKET_CONFIG when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// newLogger builds the process logger from the logging section.
func newLogger(output io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	format := cfg.Logging.Format
	if format == "auto" {
		format = "json"
		if isTerminal(output) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(output, options)), nil
	}
	return slog.New(slog.NewTextHandler(output, options)), nil
}

func isTerminal(output io.Writer) bool {
	file, ok := output.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
