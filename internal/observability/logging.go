// Package observability provides the ambient logging, metrics and tracing
// stack for the agentsociety runtime. Logger is a structured wrapper
// around log/slog with JSON/text output and context-correlated fields,
// keyed on this kernel's own correlation ids: agent, task, turn.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" (default, production) or "text" (development).
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file/line in log records.
	AddSource bool
}

// Logger wraps slog.Logger with the fields the kernel always wants
// attached: agent id, task id, turn number.
type Logger struct {
	logger *slog.Logger
}

type ctxKey string

const (
	agentIDKey ctxKey = "agent_id"
	taskIDKey  ctxKey = "task_id"
	turnKey    ctxKey = "turn"
)

// WithAgentID attaches an agent id for correlation in subsequent log calls.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithTaskID attaches a task id for correlation.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithTurn attaches the current turn/round number.
func WithTurn(ctx context.Context, turn int) context.Context {
	return context.WithValue(ctx, turnKey, turn)
}

func correlationFields(ctx context.Context) []any {
	var fields []any
	if v, ok := ctx.Value(agentIDKey).(string); ok && v != "" {
		fields = append(fields, "agent_id", v)
	}
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		fields = append(fields, "task_id", v)
	}
	if v, ok := ctx.Value(turnKey).(int); ok {
		fields = append(fields, "turn", v)
	}
	return fields
}

// NewLogger builds a Logger from config, defaulting to JSON at info level.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// NewNopLogger returns a Logger that discards everything; useful in tests.
func NewNopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.Debug(msg, append(correlationFields(ctx), args...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.Info(msg, append(correlationFields(ctx), args...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.Warn(msg, append(correlationFields(ctx), args...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.Error(msg, append(correlationFields(ctx), args...)...)
}

// With returns a child logger with fixed additional fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}
