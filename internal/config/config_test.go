package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "chatml", cfg.Model.ChatTemplate)
	assert.Equal(t, 1, cfg.Engine.Slots)
	assert.Equal(t, 5*time.Minute, cfg.Engine.GenerationTimeout)
	assert.InDelta(t, 0.7, cfg.Generation.DefaultTemperature, 1e-9)
	assert.Equal(t, 256, cfg.Generation.DefaultMaxTokens)
	assert.Equal(t, "0.0.0.0:8000", cfg.Address())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
model:
  path: /models/qwen.gguf
  name: qwen2.5-7b
  aliases: [gpt-3.5-turbo]
  chat_template: auto
engine:
  url: http://127.0.0.1:8081
  queue_depth: 2
  queue_timeout: 30s
generation:
  default_max_tokens: 512
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "qwen2.5-7b", cfg.Model.Name)
	assert.Equal(t, []string{"gpt-3.5-turbo"}, cfg.Model.Aliases)
	assert.Equal(t, "auto", cfg.Model.ChatTemplate)
	assert.Equal(t, 2, cfg.Engine.QueueDepth)
	assert.Equal(t, 30*time.Second, cfg.Engine.QueueTimeout)
	assert.Equal(t, 512, cfg.Generation.DefaultMaxTokens)
	// untouched sections keep their defaults
	assert.Equal(t, "X-API-Key", cfg.Security.APIKeyHeader)
	assert.Equal(t, 4096, cfg.Model.CtxSize)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("LLAMA_GATEWAY_SERVER_PORT", "7000")
	t.Setenv("LLAMA_GATEWAY_MODEL_NAME", "from-env")
	t.Setenv("LLAMA_GATEWAY_ENGINE_GENERATION_TIMEOUT", "90s")
	t.Setenv("LLAMA_GATEWAY_SECURITY_ENABLED", "true")
	t.Setenv("LLAMA_GATEWAY_SECURITY_API_KEY", "secret")

	cfg, err := Load("", NewViper())
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Model.Name)
	assert.Equal(t, 90*time.Second, cfg.Engine.GenerationTimeout)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, "secret", cfg.Security.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [not, a, map")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "security without key",
			mutate:  func(c *Config) { c.Security.Enabled = true },
			wantErr: "security.api_key",
		},
		{
			name: "bad header",
			mutate: func(c *Config) {
				c.Security.Enabled = true
				c.Security.APIKey = "k"
				c.Security.APIKeyHeader = "X API Key"
			},
			wantErr: "api_key_header",
		},
		{
			name:    "unknown template",
			mutate:  func(c *Config) { c.Model.ChatTemplate = "vicuna" },
			wantErr: "chat_template",
		},
		{
			name:    "no model path without url",
			mutate:  func(c *Config) { c.Model.Path = "" },
			wantErr: "model.path",
		},
		{
			name:    "zero slots",
			mutate:  func(c *Config) { c.Engine.Slots = 0 },
			wantErr: "engine.slots",
		},
		{
			name:    "negative queue depth",
			mutate:  func(c *Config) { c.Engine.QueueDepth = -1 },
			wantErr: "queue_depth",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Generation.DefaultTemperature = 3 },
			wantErr: "default_temperature",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name: "metrics path",
			mutate: func(c *Config) {
				c.Monitoring.Enabled = true
				c.Monitoring.MetricsPath = "metrics"
			},
			wantErr: "metrics_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRemoteEngineNeedsNoModelPath(t *testing.T) {
	cfg := Default()
	cfg.Model.Path = ""
	cfg.Engine.URL = "http://localhost:8081"
	assert.NoError(t, cfg.Validate())
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"), nil)
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Model.ChatTemplate)
	assert.Equal(t, []string{"gpt-3.5-turbo"}, cfg.Model.Aliases)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StartupTimeout)
	assert.Equal(t, 2048, cfg.Generation.MaxTokensLimit)
	assert.True(t, cfg.Monitoring.Enabled)
}
