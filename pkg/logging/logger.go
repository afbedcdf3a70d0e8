// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for ledger nodes.
//
// Records go to stderr by default, optionally to a JSON file per service
// and day, and optionally to a LogExporter. Every destination sits behind a
// single slog.Handler, so components that only hold the *slog.Logger from
// Slog() reach all of them.
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/ledger/logs",
//	    Service: "ledgernode",
//	})
//	defer logger.Close()
//
//	nodeLog := logger.ForNode("node-1")
//	nodeLog.ForItem(id).Info("item approved")
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// Nothing is redacted automatically. Log key fingerprints, never private
// key material.
package logging

import (
	"context"
	"errors"
	"fmt"
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

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operation: items resolved, node started.
	LevelInfo

	// LevelWarn is for recoverable trouble: a lock conflict, a stale record.
	LevelWarn

	// LevelError is for failed operations the node survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
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

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// MarshalText encodes the level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText lets configuration files name the level.
func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level written.
	Level Level `yaml:"level"`

	// LogDir enables JSON file logging to "{Service}_{YYYY-MM-DD}.log".
	// A leading ~ expands to the home directory.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as "service".
	Service string `yaml:"service"`

	// JSON switches stderr output to JSON. Files are always JSON.
	JSON bool `yaml:"json"`

	// Quiet disables stderr.
	Quiet bool `yaml:"quiet"`

	// Exporter receives every record that passes Level.
	Exporter LogExporter `yaml:"-"`
}

// =============================================================================
// Export
// =============================================================================

// LogExporter ships records to an external system.
//
// Export is called synchronously from the logging goroutine, so
// implementations must buffer and never block on the network.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one exported record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a structured logger with several destinations.
//
// Use With, ForNode and ForItem to derive scoped loggers. Derived loggers
// share the parent's file and exporter; only the root should be closed.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger. A log directory that cannot be created or opened
// is skipped and the logger falls back to the remaining destinations.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	logger := &Logger{config: config, exporter: config.Exporter}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if config.LogDir != "" {
		if file, err := openLogFile(config.LogDir, config.Service); err == nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: config.Exporter,
			level:    config.Level,
			service:  config.Service,
		})
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "ledger"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// Default returns an Info-level stderr logger for the "ledger" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "ledger"})
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// ForNode returns a child logger tagged with node_id.
func (l *Logger) ForNode(nodeID string) *Logger {
	return l.With(slog.String("node_id", nodeID))
}

// ForItem returns a child logger tagged with item_id. Long ids are
// shortened to their first 8 characters.
func (l *Logger) ForItem(id fmt.Stringer) *Logger {
	s := id.String()
	if len(s) > 8 {
		s = s[:8]
	}
	return l.With(slog.String("item_id", s))
}

// Component returns the underlying slog.Logger tagged with component,
// which is what service packages accept.
func (l *Logger) Component(name string) *slog.Logger {
	return l.slog.With(slog.String("component", name))
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file.
//
// # Outputs
//
//   - error: every cleanup failure, joined.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans a record out to several handlers.
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
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
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

// exportHandler turns records into LogEntry values for a LogExporter.
// Attributes added with WithAttrs are flattened into Attrs; group names
// prefix keys with "group.".
type exportHandler struct {
	exporter LogExporter
	level    Level
	service  string
	attrs    []slog.Attr
	group    string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.toSlogLevel()
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	if _, ok := attrs["service"]; ok {
		delete(attrs, "service")
	}
	return h.exporter.Export(ctx, LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
}

func (h *exportHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &c
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.group = h.key(name)
	return &c
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards entries.
type NopExporter struct{}

// Export implements LogExporter.
func (e *NopExporter) Export(context.Context, LogEntry) error { return nil }

// Flush implements LogExporter.
func (e *NopExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory. Tests use it to assert on
// what a component logged.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 64)}
}

// Export implements LogExporter.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush implements LogExporter.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Find returns the entries whose message equals msg.
func (e *BufferedExporter) Find(msg string) []LogEntry {
	var out []LogEntry
	for _, entry := range e.Entries() {
		if entry.Message == msg {
			out = append(out, entry)
		}
	}
	return out
}
