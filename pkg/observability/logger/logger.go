// Package logger provides the structured logging interface used by stache and its zap implementation.
package logger

import (
	"context"
)

// Logger is the structured logger used by containers, the registry and the CLI.
// Log methods take a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the key-value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the fields attached with ContextWithFields.
	WithContext(ctx context.Context) Logger
}

type fieldsKey struct{}

// ContextWithFields attaches key-value pairs to ctx for loggers derived with WithContext.
func ContextWithFields(ctx context.Context, args ...any) context.Context {
	fields := append(append([]any{}, FieldsFromContext(ctx)...), args...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// FieldsFromContext returns the key-value pairs attached to ctx.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]any)
	return fields
}
