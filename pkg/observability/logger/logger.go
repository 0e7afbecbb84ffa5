// Package logger provides the structured logging contract used across jobcoord.
package logger

import (
	"context"
)

// Logger defines the interface for structured logging.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the job and tick identifiers
	// stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	jobNameKey contextKey = iota
	tickIDKey
)

// ContextWithJob stores the job name on ctx for log correlation.
func ContextWithJob(ctx context.Context, jobName string) context.Context {
	return context.WithValue(ctx, jobNameKey, jobName)
}

// ContextWithTickID stores the tick identifier on ctx for log correlation.
func ContextWithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey, tickID)
}

// JobFromContext returns the job name stored on ctx.
func JobFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(jobNameKey).(string)
	return value
}

// TickIDFromContext returns the tick identifier stored on ctx.
func TickIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(tickIDKey).(string)
	return value
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
