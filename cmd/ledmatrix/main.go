// Package main is the entry point for the ledmatrix plugin runtime.
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

	"github.com/ledmatrix/ledmatrix/internal/config"
	"github.com/ledmatrix/ledmatrix/internal/plugin"
	"github.com/ledmatrix/ledmatrix/internal/plugin/api"
	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var settingsPath string
	var logLevel string
	var showVersion bool

	flag.StringVar(&settingsPath, "settings", "settings.toml", "Path to runtime settings file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("ledmatrix %s (%s)\n", version, commit)
		return 0
	}

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		logger.Error("invalid settings", "error", err)
		return 1
	}

	store := config.New(settings.ConfigFile,
		config.WithSecretsFile(settings.SecretsFile),
		config.WithTemplateFile(settings.TemplateFile),
		config.WithMaxVersions(settings.MaxVersions),
		config.WithLogger(logger),
	)
	if err := store.Load(); err != nil {
		logger.Error("initial config load failed", "error", err)
		return 1
	}

	state := plua.NewState()
	defer state.Close()
	api.RegisterAll(state, api.DefaultModules()...)

	mgr := plugin.NewManager(state, store, plugin.Collaborators{},
		plugin.ManagerConfig{
			PluginsRoot:    settings.PluginsRoot,
			MaxParallel:    settings.MaxParallel,
			InstallTimeout: settings.InstallTimeout(),
		}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.LoadAll(ctx, settings.Plugins); err != nil {
		// Per-plugin failures are isolated; run with whatever loaded.
		logger.Warn("some plugins failed to load", "error", err)
	}
	logger.Info("plugins ready", "loaded", mgr.Count(), "requested", len(settings.Plugins))

	store.StartWatcher(settings.PollInterval())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(settings.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mgr.Tick()
		case sig := <-signals:
			logger.Info("shutting down", "signal", sig.String())
			if err := store.Shutdown(shutdownTimeout); err != nil {
				logger.Warn("watcher shutdown", "error", err)
			}
			mgr.UnloadAll()
			return 0
		}
	}
}

// newLogger builds the process logger at the requested level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
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
