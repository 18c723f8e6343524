package events

import (
	"context"
	"os"
	"sync"

	"github.com/TheMichaelB/offsync/internal/models"
)

type contextKey int

const loggerKey contextKey = iota

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID tags the context logger with a request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("request_id", id))
}

// WithScope tags the context logger with the scope being written.
func WithScope(ctx context.Context, scope models.ScopeKey) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("scope", scope.String()))
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: os.Stderr,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
