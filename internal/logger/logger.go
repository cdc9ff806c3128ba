// ABOUTME: Structured logging for the page store core, its ambient workers, and the ops surface
// ABOUTME: Wraps zerolog with component-scoped child loggers instead of ad hoc fmt/log calls

package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with pagestore-specific functionality.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pagestore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// component returns a child logger scoped to one of the core's layers
// (§2 System Overview: pager, free-space manager, transaction/tree, document
// store, indexing engine).
func (l *Logger) component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// PagerLogger scopes logs to the pager (growth, remap, dispose).
func (l *Logger) PagerLogger() *Logger { return l.component("pager") }

// FreeSpaceLogger scopes logs to the free-space manager (allocate, free, drain).
func (l *Logger) FreeSpaceLogger() *Logger { return l.component("freespace") }

// TreeLogger scopes logs to B+-tree operations (split, merge, overflow spill).
func (l *Logger) TreeLogger() *Logger { return l.component("tree") }

// DocumentLogger scopes logs to the document store (put, delete, etag feeds).
func (l *Logger) DocumentLogger() *Logger { return l.component("document") }

// IndexLogger scopes logs to one indexing engine's map/cleanup loop.
func (l *Logger) IndexLogger(indexName string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", "index").Str("index", indexName).Logger()}
}

// GrpcLogger returns a logger for gRPC operations.
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request with structured fields.
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "grpc").
			Str("method", method).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("gRPC request completed")
}

// LogOperation logs a single component operation (pager grow, tree split,
// document put, index map pass, ...) with its duration and outcome. Errors
// log at error level; everything else logs at debug level so routine
// traffic does not flood production logs by default.
func (l *Logger) LogOperation(op string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("operation", op).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("operation", op).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("operation completed")
}

// LogServerStart logs server startup.
func (l *Logger) LogServerStart(port int, dbPath string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("database", dbPath).
		Msg("pagestore server starting")
}

// LogServerReady logs when the server is ready.
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("pagestore server ready to accept connections")
}

// LogServerShutdown logs server shutdown.
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("pagestore server shutting down")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance, initializing it with
// defaults on first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
