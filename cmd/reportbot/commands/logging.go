package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// newLogger builds the process logger. Output goes to stdout and, when a
// file is configured, is appended to it as well. The returned func closes
// the file.
func newLogger(cfg config.LoggingConfig, verbose bool) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if useText(cfg.Format) {
		return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
	}
	return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
}

// useText picks the text handler for "text", and for "auto" when stdout
// is a terminal.
func useText(format string) bool {
	switch strings.ToLower(format) {
	case "text":
		return true
	case "json":
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
