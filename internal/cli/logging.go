package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/KafClaw/wagateway/internal/config"
)

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LogConfig) *slog.Logger {
	return setupLoggingTo(os.Stderr, cfg)
}

func setupLoggingTo(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
