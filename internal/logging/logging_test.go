package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelInfo))
}

// lines decodes each JSON log line in buf.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		out = append(out, line)
	}
	return out
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("bid accepted", "auction", "abc")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "bid accepted", got[0]["msg"])
	assert.Equal(t, "abc", got[0]["auction"])
	assert.NotContains(t, got[0], "source")
}

func TestRequestID_Context(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_1")
	assert.Equal(t, "req_1", RequestID(ctx))
	assert.Equal(t, "req_2", RequestID(WithRequestID(ctx, "req_2")))
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	logger := NewWithWriter(&bytes.Buffer{}, "info", "json")
	assert.Same(t, logger, FromContext(WithLogger(context.Background(), logger)))
}

func TestL_Attributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("plain")
	L(WithRequestID(ctx, "req_9")).Info("with request")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	L(trace.ContextWithSpanContext(ctx, sc)).Info("traced")

	got := lines(t, &buf)
	require.Len(t, got, 3)
	assert.NotContains(t, got[0], "request_id")
	assert.NotContains(t, got[0], "trace_id")
	assert.Equal(t, "req_9", got[1]["request_id"])
	assert.Equal(t, sc.TraceID().String(), got[2]["trace_id"])
	assert.Equal(t, sc.SpanID().String(), got[2]["span_id"])
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	var seen string
	r := gin.New()
	r.Use(RequestIDMiddleware(logger), AccessLogMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	// Generated when absent.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	assert.True(t, strings.HasPrefix(seen, "req_"))
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"`+seen+`"`)

	// Propagated when present.
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(RequestIDHeader, "upstream-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "upstream-1", seen)
	assert.Equal(t, "upstream-1", w.Header().Get(RequestIDHeader))

	// Replaced when malformed.
	req = httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(RequestIDHeader, "forged id\"}")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.True(t, strings.HasPrefix(seen, "req_"))
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestAccessLogMiddleware_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestIDMiddleware(NewWithWriter(&buf, "info", "json")), AccessLogMiddleware())
	r.GET("/v1/auctions/:address", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "auction_not_found"})
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/v1/auctions/abc", "/boom", "/ok"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	got := lines(t, &buf)
	require.Len(t, got, 3)
	assert.Equal(t, "WARN", got[0]["level"])
	assert.Equal(t, "/v1/auctions/:address", got[0]["route"])
	assert.Equal(t, "/v1/auctions/abc", got[0]["path"])
	assert.Equal(t, "ERROR", got[1]["level"])
	assert.Contains(t, got[1], "client_ip")
	assert.Equal(t, "INFO", got[2]["level"])
	assert.Equal(t, float64(2), got[2]["bytes"])
}
