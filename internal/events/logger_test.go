package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(InfoLevel, "json", &buf)

	logger.WithField("entity", "product").Info("Sync started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Sync started", entry["msg"])
	assert.Equal(t, "product", entry["entity"])
	assert.NotEmpty(t, entry["time"])
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(InfoLevel, "text", &buf)

	logger.WithFields(map[string]interface{}{"b": 2, "a": 1}).Warn("Watch out")

	line := buf.String()
	assert.Contains(t, line, "[WARN] Watch out")
	// Fields render sorted for stable output.
	assert.Less(t, strings.Index(line, "a=1"), strings.Index(line, "b=2"))
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(WarnLevel, "text", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Equal(t, 2, strings.Count(buf.String(), "shown"))
}

func TestLoggerDerivation(t *testing.T) {
	var buf bytes.Buffer
	base := NewTestLogger(DebugLevel, "json", &buf)

	derived := base.WithField("component", "store")
	derived.WithError(errors.New("disk full")).Error("Write failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "disk full", entry["error"])

	t.Run("base logger unchanged", func(t *testing.T) {
		buf.Reset()
		base.Info("plain")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.NotContains(t, entry, "component")
	})

	t.Run("nil error is a no-op", func(t *testing.T) {
		assert.Same(t, base, base.WithError(nil))
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}
