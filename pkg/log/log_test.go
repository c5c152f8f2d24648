package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		var cfg Config
		require.NoError(t, cfg.Validate())
		assert.Equal(t, Config{
			RotationTime:   "24h",
			MaxAge:         "168h",
			DefaultPattern: "docstore-%Y-%m-%d.log",
			Level:          "info",
			Format:         "text",
		}, cfg)
	})

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "bad rotation", cfg: Config{RotationTime: "daily"}},
		{name: "bad max age", cfg: Config{MaxAge: "week"}},
		{name: "bad level", cfg: Config{Level: "trace"}},
		{name: "bad format", cfg: Config{Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(Config{Level: "warn", Format: "json"}, &buf))

	logger.Info("dropped")
	logger.Warn("kept", "model", "Item")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "Item", entry["model"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6}$`, entry["time"])
}
