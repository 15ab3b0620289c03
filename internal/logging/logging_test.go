package logging

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "info"))

	logger.With("run_id", "r1").WithGroup("attempt").Info("image accepted", "index", 3)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[INFO] image accepted [run_id=r1 attempt.index=3]")
	assert.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestLogImageOutcome(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, "info"))

	LogImageOutcome(logger, 2, 4, 10, "/photos/IMG_0005.jpg", false, "error", 1500*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "image rejected")
	assert.Contains(t, out, "image=5/10")
	assert.Contains(t, out, "name=IMG_0005.jpg")
	assert.Contains(t, out, "outcome=error")
	assert.Contains(t, out, "latency=1.5s")
}
