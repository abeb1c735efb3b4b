package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LogFileName is the file the bot logs to inside LogsPath
const LogFileName = "vtbot.log"

// ParseLevel maps debug, info, warn and error to slog levels. Unknown input is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogger installs the default slog logger writing one record per line
// to stdout and to the log file. The returned func closes the file.
func SetupLogger(cfg *Config) (*slog.Logger, func(), error) {
	path := filepath.Join(cfg.LogsPath(), LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	logger := NewLogger(io.MultiWriter(os.Stdout, f), cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger, func() { f.Close() }, nil
}

// NewLogger builds a JSON or text slog logger over w
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
