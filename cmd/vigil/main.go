// Command vigil watches rendered web pages for new content and notifies
// configured channels. Configuration comes from a YAML file; see
// config.example.yaml at the repository root.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/vigil"
	"github.com/hazyhaar/vigil/browser"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", env("VIGIL_CONFIG", "vigil.yaml"), "path to the YAML configuration")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn, or error")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := vigil.LoadFile(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	w, err := vigil.New(cfg, vigil.WithLogger(logger))
	if err != nil {
		logger.Error("startup", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	logger.Info("vigil starting", "targets", len(cfg.Targets), "state", cfg.StatePath)

	if err := w.Run(ctx); err != nil {
		var le *browser.LaunchError
		if errors.As(err, &le) {
			logger.Error("browser unrecoverable, giving up", "error", err)
		} else {
			logger.Error("watcher failed", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("vigil stopped")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
