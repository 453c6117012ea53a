package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"managed-kvstore/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	StoreKey     ContextKey = "store"
	ComponentKey ContextKey = "component"
)

// NewLogger creates a new structured logger using slog
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			writer = file
		} else {
			writer = os.Stdout
			slog.Warn("Failed to open log file, using stdout", "error", err, "file", cfg.Output)
		}
	}

	return newLogger(writer, level, cfg)
}

// NewWithWriter builds a logger writing to w. Tests use it to capture output.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	return newLogger(w, level, cfg)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	cfg := TestLoggingConfig()
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4})),
		config: &cfg,
	}
}

func newLogger(writer io.Writer, level slog.Level, cfg *config.LoggingConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text", "console":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// SetDefault installs l as the process-wide slog default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if store := ctx.Value(StoreKey); store != nil {
		logger = logger.With("store", store)
	}
	if component := ctx.Value(ComponentKey); component != nil {
		logger = logger.With("component", component)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}

	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithComponent tags every record with the emitting subsystem.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField("component", name)
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

// StoreOperation logs a single store operation. Successful operations are only
// emitted when database logging is enabled.
func (l *Logger) StoreOperation(ctx context.Context, store, operation string, count int, duration time.Duration, err error) {
	logger := l.WithContext(ctx).With(
		"store", store,
		"operation", operation,
		"count", count,
		"duration_ms", duration.Milliseconds(),
	)

	if err != nil {
		logger.Error("Store operation failed", "error", err.Error())
		return
	}
	if l.config != nil && l.config.EnableDatabaseLogging {
		logger.Debug("Store operation completed")
	}
}

// Lifecycle logs lifetime transitions such as store registration and teardown.
func (l *Logger) Lifecycle(ctx context.Context, event, resource string, details map[string]interface{}) {
	args := []interface{}{
		"event", event,
		"resource", resource,
	}
	for key, value := range details {
		args = append(args, key, value)
	}

	l.WithContext(ctx).Info("Lifecycle event", args...)
}
