package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.With("stage", "solve").Info("flow done", "cost", 1.5, "links", 3, "note", "two words")

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[INFO]  "), line)
	assert.Contains(t, line, "flow done | stage=solve cost=1.5 links=3 note=\"two words\"")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestCompactHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	h := NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	l := slog.New(h)

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN]  ")
	assert.False(t, h.Enabled(context.Background(), LevelTrace))
}

func TestContextIDsAreShortened(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, slog.LevelInfo, false)
	t.Cleanup(func() { Configure(os.Stdout, slog.LevelInfo, false) })

	ctx := WithExperimentID(context.Background(), "0123456789abcdef")
	ctx = WithRequestID(ctx, "fedcba9876543210")
	InfoContext(ctx, "solved")

	assert.Contains(t, buf.String(), "req=fedcba98 exp=01234567")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/experiments", nil)
	req.Header.Set("X-Request-ID", "given-id")
	h.ServeHTTP(rec, req)

	assert.Equal(t, "given-id", seen)
	assert.Equal(t, "given-id", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
