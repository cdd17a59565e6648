package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewHandler_DefaultsToJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, config.LogConfig{Level: "info"})
	require.NoError(t, err)

	slog.New(h).Info("router configured", "aliases", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "router configured", line["msg"])
	assert.Equal(t, float64(2), line["aliases"])
}

func TestNewHandler_PrettyRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, config.LogConfig{Format: FormatPretty, Level: "warn"})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("shown", "provider", "openai")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "provider=openai")
	assert.NotContains(t, out, "\033[", "no colors when not writing to a terminal")
}

func TestNewHandler_Errors(t *testing.T) {
	_, err := NewHandler(&bytes.Buffer{}, config.LogConfig{Format: "xml"})
	assert.Error(t, err)
	_, err = NewHandler(&bytes.Buffer{}, config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
