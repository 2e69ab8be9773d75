package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", false)

	l.With("tenant_id", "t1").Info("run finished", "run_id", "r1", "error", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "run finished", entry["message"])
	assert.Equal(t, "t1", entry["tenant_id"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", false)

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOddArgs(t *testing.T) {
	m := fields([]any{"a", 1, "dangling"})
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "dangling", m["extra"])
}
