package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, opts *slog.HandlerOptions) *bytes.Buffer {
	t.Helper()
	prev := log
	t.Cleanup(func() { log = prev })

	var buf bytes.Buffer
	log = New(NewJSONHandler(&buf, opts))
	return &buf
}

func TestInit(t *testing.T) {
	prev := log
	t.Cleanup(func() { log = prev })

	Init("debug")
	assert.NotNil(t, log)
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInfof(t *testing.T) {
	buf := capture(t, nil)

	Infof("settled %d", 42)

	assert.Contains(t, buf.String(), "settled 42")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestErrorf(t *testing.T) {
	buf := capture(t, nil)

	Errorf("gateway %s", "down")

	assert.Contains(t, buf.String(), "gateway down")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	buf := capture(t, nil)

	Debug("hidden")
	Debugf("hidden %d", 1)

	assert.Empty(t, buf.String())
}

func TestDebugf(t *testing.T) {
	buf := capture(t, &slog.HandlerOptions{Level: slog.LevelDebug})

	Debugf("test %s", "debug")

	assert.Contains(t, buf.String(), "test debug")
}

func TestComponent(t *testing.T) {
	buf := capture(t, nil)

	Component("ledger").Info("award")

	assert.Contains(t, buf.String(), `"component":"ledger"`)
}

func TestWithError(t *testing.T) {
	buf := capture(t, nil)

	WithError(assert.AnError).Info("test with error")

	output := buf.String()
	assert.Contains(t, output, "test with error")
	assert.Contains(t, output, assert.AnError.Error())
}

func TestWithFields(t *testing.T) {
	buf := capture(t, nil)

	WithFields(map[string]interface{}{
		"transaction_id": 7,
		"status":         "CONFIRMED",
	}).Info("transition")

	output := buf.String()
	assert.Contains(t, output, `"transaction_id":7`)
	assert.Contains(t, output, `"status":"CONFIRMED"`)
}
