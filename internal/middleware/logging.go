package middleware

import (
	"net/http"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/logger"
)

// LoggingTransport logs every outgoing request with its status and duration.
// Only scheme, host and path are logged: presigned storage URLs carry their
// signature in the query string.
type LoggingTransport struct {
	Base http.RoundTripper
}

// NewLoggingTransport wraps base, or http.DefaultTransport when base is nil.
func NewLoggingTransport(base http.RoundTripper) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &LoggingTransport{Base: base}
}

func (t *LoggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	target := r.URL.Scheme + "://" + r.URL.Host + r.URL.Path

	logger.Debug(ctx, "outgoing request", logger.Fields{
		"method": r.Method,
		"url":    target,
		"bytes":  r.ContentLength,
	})

	start := time.Now()
	resp, err := t.Base.RoundTrip(r)
	duration := time.Since(start)

	if err != nil {
		logger.Warn(ctx, "request failed", logger.Fields{
			"method":      r.Method,
			"url":         target,
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return nil, err
	}

	logger.Debug(ctx, "request completed", logger.Fields{
		"method":      r.Method,
		"url":         target,
		"status_code": resp.StatusCode,
		"duration_ms": duration.Milliseconds(),
	})
	return resp, nil
}
