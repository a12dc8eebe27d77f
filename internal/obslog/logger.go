// Package obslog provides the gateway's structured logger: text output for
// local development, JSON output under Kubernetes, and rate-limited ERROR
// logging so a flapping upstream can't flood stdout.
package obslog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// Logger is the concrete gatewaycore.ComponentAwareLogger implementation.
type Logger struct {
	level     string
	format    string
	service   string
	component string
	output    io.Writer
	mu        sync.RWMutex

	errorLimiter *RateLimiter
}

var _ gatewaycore.ComponentAwareLogger = (*Logger)(nil)

// New creates a logger for serviceName. Format is auto-detected from the
// environment (JSON under Kubernetes, text otherwise) unless overridden by
// GATEWAY_LOG_FORMAT; level defaults to INFO unless GATEWAY_LOG_LEVEL is set.
func New(serviceName string) *Logger {
	level := os.Getenv("GATEWAY_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("GATEWAY_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		format:       format,
		service:      serviceName,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(time.Second),
	}
}

// WithComponent returns a logger that tags every line with component.
func (l *Logger) WithComponent(component string) gatewaycore.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:        l.level,
		format:       l.format,
		service:      l.service,
		component:    component,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

// SetOutput redirects log output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceField(ctx, fields))
}
func (l *Logger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceField(ctx, fields))
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceField(ctx, fields))
}
func (l *Logger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceField(ctx, fields))
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx for correlation in logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func withTraceField(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(requestIDKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["request_id"] = id
	return merged
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	component := l.component
	if component == "" {
		component = l.service
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, b.String())
}

func (l *Logger) shouldLog(level string) bool {
	order := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := order[l.level]
	msg, ok2 := order[level]
	if !ok1 || !ok2 {
		return true
	}
	return msg >= cur
}
