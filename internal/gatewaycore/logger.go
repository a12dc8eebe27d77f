package gatewaycore

import "context"

// Logger is the minimal structured-logging interface the reasoning
// pipeline depends on. It never depends on a concrete logging library.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its own log lines with a
// component name without every call site having to pass one.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Useful as a safe default.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                         {}
func (NoOpLogger) Warn(string, map[string]interface{})                         {}
func (NoOpLogger) Error(string, map[string]interface{})                        {}
func (NoOpLogger) Debug(string, map[string]interface{})                        {}
func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}
