package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// Test loading config from JSON file
func TestLoader_LoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"platform": {"id": "edge-1", "environment": "prod"},
		"nats": {
			"urls": ["nats://localhost:4222", "nats://localhost:4223"],
			"max_reconnects": 10,
			"reconnect_wait": "5s"
		},
		"storage": {"mode": "kv", "bucket": "RECIPIENTS_PROD"},
		"cache": {"canonical_capacity": 4000, "resolve_timeout": "1m"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.Platform.ID)
	assert.Equal(t, "prod", cfg.Platform.Environment)
	assert.Len(t, cfg.NATS.URLs, 2)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, StorageKV, cfg.Storage.Mode)
	assert.Equal(t, "RECIPIENTS_PROD", cfg.Storage.Bucket)
	assert.Equal(t, 4000, cfg.Cache.CanonicalCapacity)
	assert.Equal(t, time.Minute, cfg.Cache.ResolveTimeout)

	// Untouched cache fields keep their defaults
	assert.Equal(t, 500, cfg.Cache.NumericCapacity)
	assert.Equal(t, 4, cfg.Cache.Workers)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
platform:
  id: edge-2
storage:
  mode: pebble
  path: /var/lib/recipients
self:
  account_id: 8f3c2a4e-1b6d-4c1e-9a57-2d0b6f1e4c11
  phone: "+15551234567"
resolver:
  enabled: true
  timeout: 2s
  max_attempts: 5
cache:
  warm_recent: 100
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-2", cfg.Platform.ID)
	assert.Equal(t, StoragePebble, cfg.Storage.Mode)
	assert.Equal(t, "/var/lib/recipients", cfg.Storage.Path)
	assert.Equal(t, "+15551234567", cfg.Self.Phone)
	assert.True(t, cfg.Resolver.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Resolver.Timeout)
	assert.Equal(t, 5, cfg.Resolver.MaxAttempts)
	assert.Equal(t, "recipients.resolve", cfg.Resolver.SubjectPrefix)
	assert.Equal(t, 100, cfg.Cache.WarmRecent)
	assert.Equal(t, 50, cfg.Cache.WarmContacts)
}

// Test default values
func TestLoader_Defaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"platform": {"id": "minimal"}}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, StorageMemory, cfg.Storage.Mode)
	assert.Equal(t, 1000, cfg.Cache.CanonicalCapacity)
	assert.Equal(t, 30*time.Second, cfg.Cache.ResolveTimeout)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Resolver.Enabled)
}

func TestLoader_Layers(t *testing.T) {
	base := writeConfig(t, "base.json", `{
		"platform": {"id": "base"},
		"cache": {"workers": 2, "queue_size": 64}
	}`)
	override := writeConfig(t, "prod.yml", `
cache:
  workers: 16
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "base", cfg.Platform.ID)
	assert.Equal(t, 16, cfg.Cache.Workers)
	assert.Equal(t, 64, cfg.Cache.QueueSize)
}

// Test environment variable overrides
func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("RECIPIENTS_PLATFORM_ID", "env-platform")
	t.Setenv("RECIPIENTS_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("RECIPIENTS_NATS_PASSWORD", "testpass")
	t.Setenv("RECIPIENTS_SELF_ENCODED_ID", "U:42")
	t.Setenv("RECIPIENTS_METRICS_PORT", "9191")

	path := writeConfig(t, "config.json", `{
		"platform": {"id": "json-platform", "environment": "test"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "env-platform", cfg.Platform.ID)
	assert.Equal(t, "test", cfg.Platform.Environment)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "testpass", cfg.NATS.Password)
	assert.Equal(t, "U:42", cfg.Self.EncodedID)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestLoader_EnvOverrideInvalidPort(t *testing.T) {
	t.Setenv("RECIPIENTS_METRICS_PORT", "not-a-port")

	path := writeConfig(t, "config.json", `{}`)
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECIPIENTS_METRICS_PORT")
}

// Test validation
func TestLoader_Validation(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		wantError string
	}{
		{
			name:      "missing platform ID",
			config:    `{"platform": {"id": ""}}`,
			wantError: "platform.id is required",
		},
		{
			name:      "unknown storage mode",
			config:    `{"storage": {"mode": "sqlite"}}`,
			wantError: "storage.mode",
		},
		{
			name:      "pebble without path",
			config:    `{"storage": {"mode": "pebble"}}`,
			wantError: "storage.path is required",
		},
		{
			name:      "non-positive capacity",
			config:    `{"cache": {"canonical_capacity": -1}}`,
			wantError: "canonical_capacity must be positive",
		},
		{
			name:      "resolver with bad subject",
			config:    `{"resolver": {"enabled": true, "subject_prefix": "a b"}}`,
			wantError: "resolver.subject_prefix",
		},
		{
			name:      "metrics port out of range",
			config:    `{"metrics": {"enabled": true, "port": 70000}}`,
			wantError: "metrics.port",
		},
		{
			name:   "valid config",
			config: `{"platform": {"id": "ok"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.config)

			loader := NewLoader()
			loader.EnableValidation(true)
			_, err := loader.LoadFile(path)

			if tt.wantError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

func TestLoader_BadDuration(t *testing.T) {
	path := writeConfig(t, "config.json", `{"cache": {"resolve_timeout": "soon"}}`)
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.resolve_timeout")
}

func TestParseDurationWithDays(t *testing.T) {
	d, err := parseDurationWithDays("14d")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = parseDurationWithDays("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDurationWithDays("xd")
	assert.Error(t, err)
}

func TestReadConfigFile_RejectsUnsupported(t *testing.T) {
	path := writeConfig(t, "config.toml", `a = 1`)
	_, err := readConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only JSON or YAML")
}

func TestCheckJSONDepth(t *testing.T) {
	assert.NoError(t, checkJSONDepth([]byte(`{"a": {"b": [1, 2, "}"]}}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.Error(t, checkJSONDepth([]byte(deep)))
	assert.Error(t, checkJSONDepth([]byte(`{"a": 1`)))
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, `"tok"`)
	assert.Contains(t, s, "***")
}

func TestCheckConfigPath(t *testing.T) {
	assert.NoError(t, checkConfigPath("configs/recipients.yaml"))
	assert.NoError(t, checkConfigPath("/etc/recipients/config.json"))
	assert.Error(t, checkConfigPath(""))
	assert.Error(t, checkConfigPath("../outside.json"))
	assert.Error(t, checkConfigPath("/etc/recipients/../../shadow.json"))
	assert.Error(t, checkConfigPath("config.ini"))
}

func TestCheckEnvValue(t *testing.T) {
	assert.NoError(t, checkEnvValue("K", ""))
	assert.Error(t, checkEnvValue("K", "a\x00b"))
	assert.Error(t, checkEnvValue("K", strings.Repeat("x", maxEnvVarLen+1)))
}
