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
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "not-a-bool")

	cfg := DefaultConfig(ProfileTest)
	ApplyEnvOverrides(&cfg)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.JSON)
	assert.False(t, cfg.NoColor)
	assert.False(t, cfg.Timestamp)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, JSON: true, Output: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Str("jid", "1@s.whatsapp.net").Msg("connected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "connected", line["message"])
	assert.Equal(t, "1@s.whatsapp.net", line["jid"])
	assert.NotContains(t, buf.String(), "hidden")
}
