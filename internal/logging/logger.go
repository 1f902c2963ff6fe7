package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/example/ride-coordinator/internal/config"
)

// NewLogger builds a JSON logger. With a file configured, output goes to a
// size-rotated file instead of stdout.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(writerFor(cfg), &slog.HandlerOptions{
		Level:     levelFromString(cfg.Level),
		AddSource: true,
	}))
}

func writerFor(cfg config.LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
