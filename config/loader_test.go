package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/types"
)

const sampleConfig = `
name: shop-proxy
version: "1.0.0"
server:
  http:
    port: 9090
upstream:
  base_url: http://origin.internal:8080
  timeout: 5s
engine:
  version: v3
  precache_bucket: precache
  precache_limit: 1048576
  drain_timeout: 2s
  buckets:
    - name: assets
      size_limit: 2097152
  rules:
    - pattern: /static/**
      strategy: cache_first
      bucket: assets
      max_age: 1h
    - pattern: "regex:^/api/"
      strategy: network_first
      bucket: assets
      network_timeout: 1500ms
  manifest:
    - /index.html
  fallbacks:
    - category: navigation
      key: /offline.html
sync:
  enabled: true
  rules:
    - pattern: /api/orders/**
      tag: orders
custom:
  feature:
    enabled: true
`

func TestParseAppliesDefaultsAndOverrides(t *testing.T) {
	config, raw, err := NewLoader().Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.HTTP.Port)
	assert.Equal(t, "localhost", config.Server.HTTP.Host)
	assert.Equal(t, 5*time.Second, config.Upstream.Timeout)
	assert.Equal(t, "memory", config.Storage.Type)

	assert.Equal(t, "v3", config.Engine.Version)
	assert.Equal(t, 2*time.Second, config.Engine.DrainTimeout)
	assert.Equal(t, 4, config.Engine.InstallWorkers)
	require.Len(t, config.Engine.Rules, 2)
	assert.Equal(t, types.CacheFirst, config.Engine.Rules[0].Strategy)
	assert.Equal(t, time.Hour, config.Engine.Rules[0].MaxAge)
	assert.Equal(t, types.NetworkFirst, config.Engine.Rules[1].Strategy)
	assert.Equal(t, 1500*time.Millisecond, config.Engine.Rules[1].NetworkTimeout)

	assert.True(t, config.Sync.Enabled)
	assert.Equal(t, 5, config.Sync.MaxAttempts)
	assert.Equal(t, "/__sai/control", config.Control.Path)

	parser := NewParser(raw)
	assert.Equal(t, true, parser.GetValue("custom.feature.enabled", false))
	assert.Equal(t, "fallback", parser.GetValue("custom.missing", "fallback"))
}

func TestParseAppliesEnvironment(t *testing.T) {
	t.Setenv("SAI_OFFLINE_PORT", "7070")
	t.Setenv("SAI_OFFLINE_UPSTREAM_URL", "http://backup.internal")
	t.Setenv("SAI_OFFLINE_ENGINE_VERSION", "v9")
	t.Setenv("SAI_OFFLINE_CONTROL_TOKEN", "s3cret")

	config, _, err := NewLoader().Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Server.HTTP.Port)
	assert.Equal(t, "localhost", config.Server.HTTP.Host)
	assert.Equal(t, "http://backup.internal", config.Upstream.BaseURL)
	assert.Equal(t, "v9", config.Engine.Version)
	require.NotNil(t, config.Control.Auth)
	assert.Equal(t, "token", config.Control.Auth.Type)
	assert.Equal(t, "s3cret", config.Control.Auth.Token)

	t.Setenv("SAI_OFFLINE_PORT", "not-a-port")
	_, _, err = NewLoader().Parse([]byte(sampleConfig))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	_, _, err := NewLoader().Parse([]byte("name: x\nversion: \"1\"\nupstream:\n  base_url: not a url\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = NewLoader().Parse([]byte("engine: [unterminated"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	_, _, err = NewLoader().Parse([]byte(strings.Replace(sampleConfig, "strategy: cache_first", "strategy: sometimes", 1)))
	assert.Error(t, err)
}

func TestManagerReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "v3", cm.GetConfig().Engine.Version)

	updated := strings.Replace(sampleConfig, "version: v3", "version: v4", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	config, err := cm.Reload()
	require.NoError(t, err)
	assert.Equal(t, "v4", config.Engine.Version)
	assert.Same(t, config, cm.GetConfig())

	require.NoError(t, os.WriteFile(path, []byte("engine: ["), 0o600))
	_, err = cm.Reload()
	assert.Error(t, err)
	assert.Equal(t, "v4", cm.GetConfig().Engine.Version)

	var feature struct {
		Enabled bool `yaml:"enabled"`
	}
	require.NoError(t, cm.GetAs("custom.feature", &feature))
	assert.True(t, feature.Enabled)
}

func TestManagerMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)
}
