package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
mode = "both"
port = 8080

[log]
level = "debug"

[storage]
addresses = ["${DOCSTORE_TEST_OPENSEARCH}"]

[index]
namespace = "app"
shards = 1
replicas = 0
auto_create = true
refresh = "wait_for"
scroll_keep_alive = "2m"

[models]
file = "models.yaml"

[cull]
enabled = true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DOCSTORE_TEST_OPENSEARCH", "https://search:9200")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "both", cfg.Server.Mode)
	assert.Equal(t, []string{"https://search:9200"}, cfg.Storage.Addresses)
	assert.Equal(t, "app", cfg.Index.Namespace)
	require.NotNil(t, cfg.Index.Replicas)
	assert.Equal(t, 0, *cfg.Index.Replicas)
	assert.Equal(t, "1m", cfg.Cull.Interval, "default interval")
	assert.Equal(t, "docstore-%Y-%m-%d.log", cfg.Log.DefaultPattern)
}

func TestConfigValidateMCPMode(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{Mode: "mcp"},
		Models: ModelsConfig{File: "models.yaml"},
	}
	cfg.Storage.Addresses = []string{"http://localhost:9200"}

	require.NoError(t, cfg.Validate(), "no port needed for stdio")
	assert.True(t, cfg.Log.Stderr, "stdout is reserved for the protocol")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad mode", mutate: func(c *Config) { c.Server.Mode = "grpc" }, wantErr: "server"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server"},
		{name: "bad refresh", mutate: func(c *Config) { c.Index.Refresh = "always" }, wantErr: "index"},
		{name: "bad keep alive", mutate: func(c *Config) { c.Index.ScrollKeepAlive = "soon" }, wantErr: "index"},
		{name: "no models", mutate: func(c *Config) { c.Models.File = "" }, wantErr: "models"},
		{name: "bad cull interval", mutate: func(c *Config) { c.Cull.Interval = "-1s" }, wantErr: "cull"},
		{name: "redis without addr", mutate: func(c *Config) { c.Redis.Enabled = true }, wantErr: "redis"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }, wantErr: "kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Server: ServerConfig{Mode: "http", Port: 8080},
				Models: ModelsConfig{File: "models.yaml"},
				Cull:   CullConfig{Enabled: true},
			}
			cfg.Storage.Addresses = []string{"http://localhost:9200"}
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
