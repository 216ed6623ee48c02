// Package logging provides structured logging for the smtpfront server
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for debug messages
	DEBUG LogLevel = iota
	// INFO level for information messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

const (
	// DebugLevel represents the debug log level
	DebugLevel = "DEBUG"
	// InfoLevel represents the info log level
	InfoLevel = "INFO"
	// WarnLevel represents the warn log level
	WarnLevel = "WARN"
	// ErrorLevel represents the error log level
	ErrorLevel = "ERROR"
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return DebugLevel
	case INFO:
		return InfoLevel
	case WARN:
		return WarnLevel
	case ERROR:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// zerologLevel maps a LogLevel onto the zerolog level of the same severity.
func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case DebugLevel:
		return DEBUG
	case InfoLevel:
		return INFO
	case WarnLevel, "WARNING":
		return WARN
	case ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience function for creating fields
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	With(fields ...Field) Logger
	SetLevel(level LogLevel)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  LogLevel
	Format string // "json" or "text"
	Output string // "stdout" or "stderr"
}

// DefaultConfig returns default logging configuration
func DefaultConfig() LogConfig {
	return LogConfig{
		Level:  INFO,
		Format: "json",
		Output: "stdout",
	}
}

// NewLogger creates a new logger based on configuration
func NewLogger(config *LogConfig) (Logger, error) {
	switch config.Output {
	case "", "stdout":
		return NewStdoutLogger(config), nil
	case "stderr":
		return NewWriterLogger(os.Stderr, config), nil
	default:
		return nil, fmt.Errorf("unsupported log output %q", config.Output)
	}
}

// NewStdoutLogger creates a stdout logger
func NewStdoutLogger(config *LogConfig) Logger {
	return NewWriterLogger(os.Stdout, config)
}

// NewWriterLogger creates a logger writing entries to w in the configured format.
func NewWriterLogger(w io.Writer, config *LogConfig) Logger {
	if config.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).
		Level(config.Level.zerologLevel()).
		With().
		Timestamp().
		Logger()

	return &zeroLogger{zl: zl}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

// zeroLogger adapts a zerolog.Logger to the Logger interface
type zeroLogger struct {
	zl zerolog.Logger
}

func (l *zeroLogger) Debug(msg string, fields ...Field) {
	appendFields(l.zl.Debug(), fields).Msg(msg)
}

func (l *zeroLogger) Info(msg string, fields ...Field) {
	appendFields(l.zl.Info(), fields).Msg(msg)
}

func (l *zeroLogger) Warn(msg string, fields ...Field) {
	appendFields(l.zl.Warn(), fields).Msg(msg)
}

func (l *zeroLogger) Error(msg string, err error, fields ...Field) {
	appendFields(l.zl.Error().Err(err), fields).Msg(msg)
}

func (l *zeroLogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, field := range fields {
		ctx = ctx.Interface(field.Key, field.Value)
	}
	return &zeroLogger{zl: ctx.Logger()}
}

func (l *zeroLogger) SetLevel(level LogLevel) {
	l.zl = l.zl.Level(level.zerologLevel())
}

// appendFields adds fields to the event, using typed zerolog encoders where possible.
// A nil event (level disabled) is passed through untouched.
func appendFields(event *zerolog.Event, fields []Field) *zerolog.Event {
	if event == nil {
		return nil
	}

	for _, field := range fields {
		switch v := field.Value.(type) {
		case string:
			event = event.Str(field.Key, v)
		case int:
			event = event.Int(field.Key, v)
		case int64:
			event = event.Int64(field.Key, v)
		case bool:
			event = event.Bool(field.Key, v)
		case []string:
			event = event.Strs(field.Key, v)
		case time.Duration:
			event = event.Dur(field.Key, v)
		case error:
			event = event.AnErr(field.Key, v)
		default:
			event = event.Interface(field.Key, v)
		}
	}

	return event
}
