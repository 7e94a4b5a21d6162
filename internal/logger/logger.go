package logger

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

type Logger struct {
	serviceName string
	level       int
	mu          sync.Mutex
	out         io.Writer
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
}

type Fields map[string]any

// Context key for the run ID
type contextKey string

const RequestIDKey contextKey = "request_id"

// RedactedValue replaces secret header values before they are logged.
const RedactedValue = "[REDACTED]"

var levels = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// Global logger instance
var defaultLogger *Logger

func Init(serviceName string) {
	defaultLogger = &Logger{serviceName: serviceName, level: levels["info"], out: os.Stdout}
}

// SetLevel drops entries below the given level. Unknown levels are ignored.
func SetLevel(level string) {
	if defaultLogger == nil {
		return
	}
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		defaultLogger.mu.Lock()
		defaultLogger.level = l
		defaultLogger.mu.Unlock()
	}
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.out = w
	defaultLogger.mu.Unlock()
}

func (l *Logger) log(level string, ctx context.Context, message string, err error, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levels[level] < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   l.serviceName,
		Message:   message,
		Fields:    fields,
	}

	if ctx != nil {
		if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
			entry.RequestID = requestID
		}
	}

	if err != nil {
		entry.Error = err.Error()
	}

	jsonData, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		// Fallback to standard log if JSON marshaling fails
		log.Printf("JSON marshal error: %v, original message: %s", marshalErr, message)
		return
	}

	l.out.Write(jsonData)
	io.WriteString(l.out, "\n")
}

// Package-level convenience functions using the default logger
func Info(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s", message)
		return
	}
	defaultLogger.log("info", ctx, message, nil, first(fields))
}

func Error(ctx context.Context, message string, err error, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s, error: %v", message, err)
		return
	}
	defaultLogger.log("error", ctx, message, err, first(fields))
}

func Warn(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s", message)
		return
	}
	defaultLogger.log("warn", ctx, message, nil, first(fields))
}

func Debug(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.log("debug", ctx, message, nil, first(fields))
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithRequestID adds a run ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// Redact returns a flattened copy of h that is safe to log. The Authorization
// value is replaced with RedactedValue.
func Redact(h http.Header) map[string]string {
	safe := make(map[string]string, len(h))
	for k, v := range h {
		safe[k] = strings.Join(v, ", ")
	}
	if _, ok := safe["Authorization"]; ok {
		safe["Authorization"] = RedactedValue
	}
	return safe
}

var urlQuery = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// StripQueries drops the query string of every URL in s. Presigned URLs keep
// their signature there.
func StripQueries(s string) string {
	return urlQuery.ReplaceAllString(s, "$1")
}
