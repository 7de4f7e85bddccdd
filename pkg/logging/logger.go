// Package logging provides structured JSON logging for the aargh64 webhook.
// It integrates with the controller-runtime logging framework so that loggers
// pulled from a request context share the same encoder and level.
package logging

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Config defines the logging configuration
type Config struct {
	// Level is the log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Development enables stack traces on warnings and DPanic panics
	Development bool `yaml:"development" json:"development"`
}

// Logger wraps the controller-runtime logger with additional functionality
type Logger struct {
	logr.Logger
	config *Config
}

// DefaultConfig returns default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
	}
}

// NewLogger creates a new structured logger based on the provided configuration
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := ctrlzap.Options{
		Development: config.Development,
	}

	if config.Format == "json" {
		opts.Encoder = zapcore.NewJSONEncoder(jsonEncoderConfig())
	} else {
		opts.Encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	level := parseLogLevel(config.Level)
	opts.Level = &level

	return &Logger{
		Logger: ctrlzap.New(ctrlzap.UseFlagOptions(&opts)),
		config: config,
	}, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "msg"
	encoderConfig.CallerKey = "caller"
	encoderConfig.StacktraceKey = "stacktrace"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	return encoderConfig
}

// buildZapConfig creates a zap configuration based on logging config
func buildZapConfig(config *Config) zap.Config {
	var zapConfig zap.Config

	if config.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig = jsonEncoderConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zapConfig.Development = config.Development
	zapConfig.Level = zap.NewAtomicLevelAt(parseLogLevel(config.Level))

	return zapConfig
}

// parseLogLevel converts string log level to zapcore.Level
func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithName returns a logger with the specified name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithName(name),
		config: l.config,
	}
}

// WithValues returns a logger with the specified key-value pairs
func (l *Logger) WithValues(keysAndValues ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(keysAndValues...),
		config: l.config,
	}
}

// WithAdmission returns a logger carrying the identity of an admission request.
// Pods created by a controller usually have no name yet, so generateName is
// logged alongside it.
func (l *Logger) WithAdmission(uid, operation, namespace, name, generateName string) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(
			"uid", uid,
			"operation", operation,
			"namespace", namespace,
			"name", name,
			"generateName", generateName,
		),
		config: l.config,
	}
}

// GetConfig returns the logging configuration
func (l *Logger) GetConfig() *Config {
	return l.config
}

// SetGlobalLogger replaces the global zap logger used by libraries that log
// through zap.L() directly.
func SetGlobalLogger(logger *Logger) error {
	zapLogger, err := buildZapConfig(logger.config).Build()
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(zapLogger)

	return nil
}
