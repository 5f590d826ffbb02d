package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vinkius-labs/speedgate/internal/config"
)

// New builds the process-wide logger from configuration. Unknown levels or
// formats are configuration mistakes and fail construction instead of being
// papered over with defaults.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return build(cfg, os.Stdout)
}

func build(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handler, err := newHandler(cfg.Format, out, level)
	if err != nil {
		return nil, err
	}

	logger := slog.New(handler).With(slog.String("component", "speedgate"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unsupported level %q", raw)
}

func newHandler(format string, out io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.NewJSONHandler(out, opts), nil
	case "text":
		return slog.NewTextHandler(out, opts), nil
	}
	return nil, fmt.Errorf("logging: unsupported format %q", format)
}
