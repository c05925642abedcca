// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for bldr components.
//
// The logger writes human-readable text (or JSON) to stderr and can
// additionally append JSON records to a per-service, per-day file:
//
//	┌───────────────────────────────────────────┐
//	│                  Logger                   │
//	│  ┌─────────────┐      ┌─────────────────┐ │
//	│  │   stderr    │      │    log file     │ │
//	│  │  (default)  │      │   (optional)    │ │
//	│  └─────────────┘      └─────────────────┘ │
//	└───────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("installed package", "identity", id)
//
// Library packages (store, cache, supervisor) accept a *slog.Logger; pass
// logger.Slog() to them so every component shares handlers and attributes.
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.bldr/logs",
//	    Service: "supervisor",
//	})
//	defer logger.Close()
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages such as
	// "package extracted" or "service started".
	LevelInfo

	// LevelWarn is for recoverable issues: a backend retry, a template
	// placeholder without a value.
	LevelWarn

	// LevelError is for failed operations the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string to a Level.
//
// # Description
//
// Matching is case-insensitive. "warning" is accepted as an alias of
// "warn". Unknown strings yield LevelInfo and an error so callers can
// report the bad value while still logging.
//
// # Inputs
//
//   - s: Level name from a config file or flag.
//
// # Outputs
//
//   - Level: Parsed level, LevelInfo when unknown.
//   - error: Non-nil when s is not a known level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// toSlogLevel converts our Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger behavior.
//
// A zero-value Config creates a logger that writes Info+ messages to
// stderr in text format.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the specified directory.
	//
	// The file is named "{Service}_{YYYY-MM-DD}.log" and is always JSON.
	// Supports ~ for home directory expansion.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output from text to JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// Output replaces stderr as the console destination. Used by tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with console and file output.
//
// Always call Close() when file logging is enabled:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	slog   *slog.Logger
	config Config

	// file is nil when file logging is disabled
	file *os.File

	mu sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// # Description
//
// Sets up the console handler (unless Quiet) and the file handler (if
// LogDir is set). A file that cannot be created is skipped silently so a
// read-only log directory never prevents the supervisor from starting.
//
// # Inputs
//
//   - config: Logger configuration.
//
// # Outputs
//
//   - *Logger: Configured logger ready for use.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	console := config.Output
	if console == nil {
		console = os.Stderr
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}

	logger := &Logger{config: config}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "bldr"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr text logger for service "bldr".
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "bldr",
	})
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return New(Config{Quiet: true})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// With returns a Logger with additional attributes. The parent logger is
// not modified and the file handle is shared.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var firstErr error
	if err := l.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return firstErr
}

// OrDefault returns logger, or slog.Default() when logger is nil.
//
// Library constructors use it so a nil *slog.Logger in a config struct
// means "log through the process default".
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
