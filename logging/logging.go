// Package logging provides structured logging for the pipeline stages.
// It keeps a small field-map API on top of zerolog so call sites stay
// uniform across packages.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a case-insensitive name to a Level. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level written. Default: INFO.
	Level Level

	// Format is "json" or "console". Default: json.
	Format string

	// Service is attached to every entry when set.
	Service string

	// Output defaults to stdout.
	Output io.Writer
}

// Logger writes structured log entries.
type Logger struct {
	zl     zerolog.Logger
	format string
}

// New creates a JSON logger on stdout at INFO.
func New() *Logger {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a logger from cfg.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	zctx := zerolog.New(writer(cfg.Format, cfg.Output)).Level(cfg.Level.zerolog()).With().Timestamp()
	if cfg.Service != "" {
		zctx = zctx.Str("service", cfg.Service)
	}
	return &Logger{zl: zctx.Logger(), format: cfg.Format}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func writer(format string, w io.Writer) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return w
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), format: l.format}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{zl: l.zl.With().Str("trace_id", traceID).Logger(), format: l.format}
}

// With returns a new logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger(), format: l.format}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.zl = l.zl.Level(level.zerolog())
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.zl = l.zl.Output(writer(l.format, w))
}

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Debug(), msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Warn(), msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Error(), msg, fields...)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields ...map[string]interface{}) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(f)
		}
	}
	ev.Msg(msg)
}

// --- Pipeline event helpers ---

// Skip logs an idempotent no-op. These are expected under at-least-once
// delivery and never logged as errors.
func (l *Logger) Skip(id, reason string) {
	l.Info("skip", map[string]interface{}{
		"id":     id,
		"reason": reason,
	})
}

// Round logs the verdict of one generation round.
func (l *Logger) Round(id string, round int, verdict string) {
	l.Info("generation_round", map[string]interface{}{
		"id":      id,
		"round":   round,
		"verdict": verdict,
	})
}

// Transition logs a record status change.
func (l *Logger) Transition(id, from, to string) {
	l.Debug("transition", map[string]interface{}{
		"id":   id,
		"from": from,
		"to":   to,
	})
}

// StageComplete logs how a stage resolved one message.
func (l *Logger) StageComplete(stage, id, outcome string, duration time.Duration) {
	l.Info("stage_complete", map[string]interface{}{
		"stage":    stage,
		"id":       id,
		"outcome":  outcome,
		"duration": duration.String(),
	})
}
