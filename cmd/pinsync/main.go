package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"torrent_pins/internal/config"
	"torrent_pins/internal/reconcile"
	"torrent_pins/internal/scheduler"
	"torrent_pins/internal/server"
	"torrent_pins/internal/storage"
	"torrent_pins/internal/timeline"
	"torrent_pins/internal/transmission"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	httpClient := &http.Client{}
	fetcher := transmission.New(httpClient, cfg.FetchTimeout, cfg.SessionCacheSize, log)
	gateway := timeline.New(httpClient, cfg.TimelineURL, cfg.TimelineRate, cfg.TimelineTimeout)
	engine := reconcile.New(store, gateway, log.With("component", "reconcile"))

	sched := scheduler.New(store, fetcher, engine, cfg.Workers, log)
	sched.SetTickInterval(cfg.CycleInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		sched.RunCycle(ctx)
		return
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := server.Run(ctx, cfg.MetricsAddr, store, log); err != nil {
				log.Error("metrics listener", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	log.Info("starting pinsync", "interval", cfg.CycleInterval.String(), "workers", cfg.Workers)

	sched.Run(ctx)

	log.Info("pinsync stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
