// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"aiproxy/config"
)

// Output formats.
const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
)

// ParseLevel maps a config level name to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewHandler builds the handler for cfg. An empty format picks pretty output
// when out is a terminal and JSON otherwise.
func NewHandler(out io.Writer, cfg config.LogConfig) (slog.Handler, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	format := cfg.Format
	if format == "" {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatPretty
		}
	}

	switch format {
	case FormatPretty:
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		}), nil
	case FormatJSON:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// Setup installs the configured handler as the slog default.
func Setup(cfg config.LogConfig) error {
	h, err := NewHandler(os.Stdout, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
