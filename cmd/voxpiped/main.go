package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxpipe-labs/voxpipe-core/internal/bus"
	"github.com/voxpipe-labs/voxpipe-core/internal/cache"
	"github.com/voxpipe-labs/voxpipe-core/internal/config"
	"github.com/voxpipe-labs/voxpipe-core/internal/gateway"
	"github.com/voxpipe-labs/voxpipe-core/internal/natsserver"
	"github.com/voxpipe-labs/voxpipe-core/internal/notify"
	"github.com/voxpipe-labs/voxpipe-core/internal/playback"
	"github.com/voxpipe-labs/voxpipe-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		repairCache bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voxpipe.yaml", "Path to configuration file")
	flag.BoolVar(&repairCache, "repair-cache", true, "Reconcile the cache index with the artifact directory on startup")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrapLogger().Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to start embedded bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	var callbacks gateway.Callbacks
	var observer gateway.CacheObserver
	var healthy func() bool
	if cfg.Bus.Enabled {
		busClient, err = bus.Connect(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to connect to bus", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer busClient.Close()
		notifier := notify.New(busClient, logger)
		callbacks = notifier
		observer = notifier
		healthy = busClient.Healthy
	}

	store, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Error("failed to open artifact cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	engine, err := playback.NewEngine(cfg.Playback)
	if err != nil {
		logger.Error("failed to build playback engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gw, err := gateway.New(ctx, cfg, store, engine, callbacks, observer, logger)
	if err != nil {
		logger.Error("failed to build pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer gw.Close()

	if repairCache {
		report, err := gw.RepairCache(ctx)
		if err != nil {
			logger.Warn("cache repair failed", slog.String("error", err.Error()))
		} else if report.OrphanFilesRemoved+report.DanglingEntriesRemoved+report.CorruptEntriesRemoved > 0 {
			logger.Info("cache repaired",
				slog.Int("orphan_files", report.OrphanFilesRemoved),
				slog.Int("dangling_entries", report.DanglingEntriesRemoved),
				slog.Int("corrupt_entries", report.CorruptEntriesRemoved))
		}
	}

	rt := runtime.New(cfg, gw, healthy, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
