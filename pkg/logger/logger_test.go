package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates env
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			assert.Equal(t, tt.expected, unstructuredLogs())
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

// TestLogFunctions tests that each log function writes to the underlying handler.
func TestLogFunctions(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	setSingletonForTest(t, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	Debug("debug message")
	Debugf("debug %s", "formatted")
	Debugw("debug structured", "key", "value")
	Info("info message")
	Infof("info %s", "formatted")
	Infow("info structured", "key", "value")
	Warn("warn message")
	Warnf("warn %s", "formatted")
	Warnw("warn structured", "key", "value")
	Error("error message")
	Errorf("error %s", "formatted")
	Errorw("error structured", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "debug formatted")
	assert.Contains(t, out, "info structured")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error formatted")
	assert.Contains(t, out, "key=value")
}

// TestGetAndSet exercises the injection entry points.
func TestGetAndSet(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	Set(l)
	assert.Same(t, l, Get())

	Infow("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
