package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.Init("test")
	logger.SetOutput(&buf)
	logger.SetLevel(level)
	return &buf
}

func TestLogger_WritesJSONEntryWithRequestID(t *testing.T) {
	buf := capture(t, "info")
	ctx := logger.WithRequestID(context.Background(), "run-1")

	logger.Error(ctx, "upload failed", errors.New("boom"), logger.Fields{"chunk": 2})

	var entry logger.LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, "test", entry.Service)
	assert.Equal(t, "run-1", entry.RequestID)
	assert.Equal(t, "upload failed", entry.Message)
	assert.Equal(t, "boom", entry.Error)
	assert.EqualValues(t, 2, entry.Fields["chunk"])
}

func TestLogger_SetLevelFiltersDebug(t *testing.T) {
	buf := capture(t, "info")

	logger.Debug(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel("debug")
	logger.Debug(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedact_HidesAuthorization(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	h.Set("Content-Type", "application/json")

	safe := logger.Redact(h)

	assert.Equal(t, logger.RedactedValue, safe["Authorization"])
	assert.Equal(t, "application/json", safe["Content-Type"])
	assert.Equal(t, "Bearer secret-token", h.Get("Authorization"))
}

func TestStripQueries_DropsURLQueryStrings(t *testing.T) {
	body := `{"ops":[{"url":"https://upload.example.com/a/b?sig=secret&exp=1"},{"url":"http://h:9000/c?x=y"}],"note":"a?b"}`

	got := logger.StripQueries(body)

	assert.Equal(t, `{"ops":[{"url":"https://upload.example.com/a/b"},{"url":"http://h:9000/c"}],"note":"a?b"}`, got)
}
