package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active span's
// trace and span IDs, then scan, workspace and request identifiers.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if scanID := ScanIDFromContext(ctx); scanID != "" {
		fields = append(fields, zap.String("scan.id", scanID))
	}
	if ws := WorkspaceFromContext(ctx); ws != "" {
		fields = append(fields, zap.String("workspace", ws))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type scanCtxKey struct{}
type workspaceCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a scan or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// ScanIDFromContext extracts the scan ID from context.
func ScanIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(scanCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithScanID adds a scan ID to context.
// Panics if scanID is empty or contains invalid characters.
func WithScanID(ctx context.Context, scanID string) context.Context {
	if err := validateID(scanID, "scanID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, scanCtxKey{}, scanID)
}

// WorkspaceFromContext extracts the workspace root from context.
func WorkspaceFromContext(ctx context.Context) string {
	if w, ok := ctx.Value(workspaceCtxKey{}).(string); ok {
		return w
	}
	return ""
}

// WithWorkspace adds the workspace root to context.
func WithWorkspace(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, workspaceCtxKey{}, root)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
