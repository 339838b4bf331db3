package log

import (
	"context"
	"log/slog"
	"net/http"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// Middleware places logger in the request context, tagged with the request ID
// that extractRequestID reports (if any).
func Middleware(logger *Logger, extractRequestID func(context.Context) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger
			if extractRequestID != nil {
				if id := extractRequestID(r.Context()); id != "" {
					l = l.With(FieldRequestID, id)
				}
			}
			ctx := context.WithValue(r.Context(), LoggerContextKey, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext extracts a logger from the request context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return &Logger{
		Logger:    slog.Default(),
		component: "unknown",
	}
}

// StructuredLogger provides structured logging methods with context awareness
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogExpenseCreated logs a create outcome, fresh or replayed.
func (sl *StructuredLogger) LogExpenseCreated(ctx context.Context, id, amountMinor int64, category, date, keySource string, replayed bool) {
	fields := NewFields().
		WithExpense(id, amountMinor, category, date).
		WithIdempotency(keySource, replayed).
		WithOperation(OpCreate).
		ToSlice()

	msg := "Expense created successfully"
	if replayed {
		msg = "Expense create replayed"
	}
	sl.logger.WithComponent(ComponentExpense).InfoContext(ctx, msg, fields...)
}

// LogValidationFailure logs a rejected request without treating it as a fault.
func (sl *StructuredLogger) LogValidationFailure(ctx context.Context, operation string, err error) {
	fields := NewFields().
		WithError(err).
		WithOperation(operation)
	sl.logger.WithComponent(ComponentHTTP).WarnContext(ctx, "Request rejected", fields.ToSlice()...)
}

// LogError logs an error with structured context
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component string, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	allFields := fields.
		WithError(err).
		WithOperation(operation)

	sl.logger.WithComponent(component).ErrorContext(ctx, msg, allFields.ToSlice()...)
}
