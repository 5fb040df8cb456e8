// ABOUTME: Builds the process logger from the logging config section.
// ABOUTME: Console output (color or JSON), rotating JSON files via lumberjack, or both.

package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389/ksync/internal/config"
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Setup builds a logger for the program called name. Console output goes to
// stdout. File output rotates <dir>/<name>.log. The returned closer releases
// the log file and must be called on exit.
func Setup(cfg config.LoggingConfig, name string) (*slog.Logger, io.Closer, error) {
	return setup(cfg, name, os.Stdout)
}

func setup(cfg config.LoggingConfig, name string, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var console slog.Handler
	if cfg.Format == "json" {
		console = slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level})
	} else {
		console = NewColorHandler(stdout, level)
	}

	switch cfg.Output {
	case "", "stdout":
		return slog.New(console), nopCloser{}, nil
	case "file", "both":
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	if cfg.Dir == "" {
		return nil, nil, errors.New("log directory is required for file output")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name+".log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	file := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})

	if cfg.Output == "file" {
		return slog.New(file), sink, nil
	}
	return slog.New(Fanout(console, file)), sink, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanoutHandler sends every record to each handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

// Fanout returns a handler duplicating records to handlers.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return &fanoutHandler{handlers: handlers}
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
