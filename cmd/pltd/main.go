package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"pltd/internal/config"
	"pltd/internal/counter"
	"pltd/internal/keyfile"
	"pltd/internal/logging"
	"pltd/internal/server"
	"pltd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	socket := flag.String("socket", "", "unix socket path (overrides config)")
	backend := flag.String("backend", "", "table backend, fs or bolt (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dataDir != "" {
		cfg.Daemon.DataDir = *dataDir
	}
	if *socket != "" {
		cfg.Daemon.Socket = *socket
	}
	if *backend != "" {
		cfg.Table.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.For("pltd")

	cfg.Daemon.DataDir = config.ExpandHome(cfg.Daemon.DataDir)
	if err := os.MkdirAll(cfg.Daemon.DataDir, cfg.Table.DirMode.FileMode); err != nil {
		fatal(logger, "creating data dir", err)
	}

	// Open and recover the table
	tablePath := cfg.TablePath()
	if err := os.MkdirAll(filepath.Dir(tablePath), cfg.Table.DirMode.FileMode); err != nil {
		fatal(logger, "creating table parent dir", err)
	}
	tbl, err := store.Open(cfg.Table.Backend, tablePath, store.Options{
		FileMode: cfg.Table.FileMode.FileMode,
		DirMode:  cfg.Table.DirMode.FileMode,
	})
	if err != nil {
		fatal(logger, "opening table", err)
	}
	defer tbl.Close()
	if err := tbl.Init(); err != nil {
		fatal(logger, "initialising table", err)
	}
	logger.Info("table ready", "backend", cfg.Table.Backend, "path", tablePath)

	secret, err := keyfile.Load(cfg.Daemon.DataDir)
	if err != nil {
		fatal(logger, "loading counter key", err)
	}
	counters, err := counter.New(tbl, secret)
	if err != nil {
		fatal(logger, "starting counters", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg.SocketPath(), tbl, counters, server.WithRateLimit(cfg.Daemon.RateLimit))
	if err := srv.Listen(); err != nil {
		fatal(logger, "listening", err)
	}
	logger.Info("listening", "socket", srv.Addr())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		if err := <-done; err != nil {
			logger.Error("server stopped with error", "err", err)
		}
	case err := <-done:
		if err != nil {
			_ = tbl.Close()
			fatal(logger, "server stopped", err)
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
