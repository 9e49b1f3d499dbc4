package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelTrace, ParseLevel(" trace "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(nil)
	mu.Lock()
	prev := logger
	logger = log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	})
	return &buf
}

func TestArgsAreKeyValues(t *testing.T) {
	buf := captureLogs(t)

	L_info("scratch: swept", "removed", 3)

	out := buf.String()
	assert.Contains(t, out, "scratch: swept")
	assert.Contains(t, out, "removed=3")
}

func TestPercentInMessageIsLiteral(t *testing.T) {
	buf := captureLogs(t)

	L_warn("disk %d full", "pct", 90)

	out := buf.String()
	assert.Contains(t, out, "disk %d full")
	assert.Contains(t, out, "pct=90")
}

func TestElapsedAppendsDuration(t *testing.T) {
	buf := captureLogs(t)

	L_elapsed(time.Now(), "lifecycle: terminated", "trigger", "signal")

	out := buf.String()
	assert.Contains(t, out, "trigger=signal")
	assert.Contains(t, out, "elapsed=")
}
