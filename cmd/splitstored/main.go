package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/arashi-net/splitstore/internal/config"
	"github.com/arashi-net/splitstore/internal/daemon"
)

func main() {
	configPath := flag.String("config", "configs/splitstored.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Run(context.Background()); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
