// Package logging wraps zap with the ledger's configuration conventions.
// Loggers are passed explicitly to every component.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config holds logging configuration
type Config struct {
	// Service is attached to every entry as the "service" field.
	Service string
	// Level is debug, info, warn, error, dpanic, panic or fatal.
	Level string
	// Format is json or console.
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string
	// Development makes DPanic panic and switches to the development encoder.
	Development bool
	// Caller adds the file:line of the call site.
	Caller bool
	// Stacktrace adds stacks to error entries.
	Stacktrace bool
}

// DefaultConfig is JSON at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Service:          "ledgerd",
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig is console output at debug level with callers and stacks.
func DevelopmentConfig() Config {
	c := DefaultConfig()
	c.Level = "debug"
	c.Format = "console"
	c.Development = true
	c.Caller = true
	c.Stacktrace = true
	return c
}

// NewLogger builds a logger from config.
func NewLogger(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	switch config.Format {
	case "json", "console":
	default:
		return nil, fmt.Errorf("logging: unknown format %q", config.Format)
	}

	encoder := zap.NewProductionEncoderConfig()
	if config.Development {
		encoder = zap.NewDevelopmentEncoderConfig()
	}
	encoder.TimeKey = "time"
	encoder.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoder.EncodeDuration = zapcore.StringDurationEncoder

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Caller,
		DisableStacktrace: !config.Stacktrace,
		Encoding:          config.Format,
		EncoderConfig:     encoder,
		OutputPaths:       config.OutputPaths,
		ErrorOutputPaths:  config.ErrorOutputPaths,
	}
	if config.Service != "" {
		zc.InitialFields = map[string]interface{}{"service": config.Service}
	}

	z, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z}, nil
}

// ConfigFromEnv reads LOG_DEV, LOG_LEVEL and LOG_FORMAT through getenv.
// LOG_DEV=true starts from DevelopmentConfig and ignores LOG_FORMAT.
func ConfigFromEnv(getenv func(string) string) Config {
	dev := getenv("LOG_DEV") == "true"

	config := DefaultConfig()
	if dev {
		config = DevelopmentConfig()
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" && !dev {
		config.Format = format
	}
	return config
}

// NewLoggerFromEnv creates a logger based on environment variables.
func NewLoggerFromEnv() (*Logger, error) {
	return NewLogger(ConfigFromEnv(os.Getenv))
}

// NewNoOpLogger creates a logger that discards all logs
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}

// With creates a child logger with additional fields
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}
