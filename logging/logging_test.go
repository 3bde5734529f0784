package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestNew_JSONFormatWritesStructuredFields(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")

	var buf bytes.Buffer
	logger := New(&buf, "toolkit-test", Config{Level: "debug", Format: FormatJSON})
	logger.Debug().Str("call_id", "c-1").Msg("logged")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "toolkit-test", line["app"])
	assert.Equal(t, "c-1", line["call_id"])
	assert.Equal(t, "logged", line["message"])
}

func TestNew_EnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")

	var buf bytes.Buffer
	logger := New(&buf, "", Config{Level: "debug", Format: FormatConsole})
	logger.Info().Msg("suppressed")
	assert.Zero(t, buf.Len())

	logger.Error().Msg("kept")
	assert.Contains(t, buf.String(), `"message":"kept"`)
}
