package logger

import (
	"context"

	"github.com/reckoner/reckoner/pkg/correlation"
)

// LoggerContext extends the Logger interface with context-aware methods
// that attribute log lines to the originating calculation.
type LoggerContext interface {
	Logger
	InfoContext(ctx context.Context, message string, fields ...Field)
	ErrorContext(ctx context.Context, message string, fields ...Field)
	WarnContext(ctx context.Context, message string, fields ...Field)
	DebugContext(ctx context.Context, message string, fields ...Field)
}

// Ensure EntityLogger implements LoggerContext
var _ LoggerContext = (*EntityLogger)(nil)

// InfoContext logs an info message with correlation attribution
func (l *EntityLogger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, append(extractCorrelationFields(ctx), fields...)...)
}

// ErrorContext logs an error message with correlation attribution
func (l *EntityLogger) ErrorContext(ctx context.Context, message string, fields ...Field) {
	l.Error(message, append(extractCorrelationFields(ctx), fields...)...)
}

// WarnContext logs a warning message with correlation attribution
func (l *EntityLogger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, append(extractCorrelationFields(ctx), fields...)...)
}

// DebugContext logs a debug message with correlation attribution
func (l *EntityLogger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, append(extractCorrelationFields(ctx), fields...)...)
}

// extractCorrelationFields pulls the causal id and the innermost entity
// from the active correlation context, if any.
func extractCorrelationFields(ctx context.Context) []Field {
	cc, ok := correlation.FromContext(ctx)
	if !ok {
		return nil
	}

	fields := []Field{WithField("causal_id", cc.CausalID())}
	if ref, ok := cc.Current(); ok {
		fields = append(fields, WithField("entity", ref.Kind+"{"+ref.IdentityKey+"}"))
	}
	return fields
}
