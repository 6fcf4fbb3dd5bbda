package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9000
debug: true
base_url: "https://api.openai.com/v1"
api_keys: ["k1", "k2"]
allowed_tokens: ["t1"]
custom_headers:
  X-Org: myorg
timeout: 60
max_failures: 5
filtered_models: ["banned"]
proxies:
  - "http://1.2.3.4:8080"
database:
  type: sqlite
  dsn: test.db
`)

	cfg, warning, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, "myorg", cfg.CustomHeaders["X-Org"])
	assert.Equal(t, 60, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, []string{"banned"}, cfg.FilteredModels)
	assert.Equal(t, []string{"http://1.2.3.4:8080"}, cfg.Proxies)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://api.openai.com/v1"
api_keys: ["k1"]
`)

	cfg, warning, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Contains(t, warning, "allowed_tokens")
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxFailures, cfg.MaxFailures)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultTestModel, cfg.TestModel)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 5, cfg.ConfigCheckIntervalSeconds)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "port: [not an int\n")
	_, _, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestParseProvidersConfig(t *testing.T) {
	t.Run("empty string", func(t *testing.T) {
		providers, err := ParseProvidersConfig("")
		assert.NoError(t, err)
		assert.Empty(t, providers)

		providers, err = ParseProvidersConfig("[]")
		assert.NoError(t, err)
		assert.Empty(t, providers)
	})

	t.Run("valid array with defaults", func(t *testing.T) {
		providers, err := ParseProvidersConfig(`[{"name":"a","base_url":"https://u","api_keys":["k"]}]`)
		assert.NoError(t, err)
		assert.Len(t, providers, 1)
		assert.Equal(t, DefaultTimeout, providers[0].Timeout)
		assert.Equal(t, DefaultMaxFailures, providers[0].MaxFailures)
		assert.True(t, providers[0].IsEnabled(), "enabled defaults to true")
	})

	t.Run("explicitly disabled", func(t *testing.T) {
		providers, err := ParseProvidersConfig(`[{"name":"a","base_url":"https://u","enabled":false}]`)
		assert.NoError(t, err)
		assert.False(t, providers[0].IsEnabled())
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseProvidersConfig(`{"name":"a"}`)
		assert.Error(t, err)
	})

	t.Run("duplicate names are case-insensitive", func(t *testing.T) {
		_, err := ParseProvidersConfig(`[
			{"name":"A","base_url":"https://u"},
			{"name":"a","base_url":"https://u2"}
		]`)
		assert.Error(t, err)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ParseProvidersConfig(`[{"base_url":"https://u"}]`)
		assert.Error(t, err)
	})
}

func TestDefaultProviderConfig(t *testing.T) {
	s := &Settings{
		BaseURL:     "https://u",
		APIKeys:     []string{"k1"},
		Timeout:     42,
		MaxFailures: 2,
		MaxRetries:  4,
		TestModel:   "m",
	}
	cfg := s.DefaultProviderConfig()
	assert.Equal(t, "default", cfg.Name)
	assert.Equal(t, "", cfg.Path)
	assert.Equal(t, "https://u", cfg.BaseURL)
	assert.Equal(t, 42, cfg.Timeout)
	assert.True(t, cfg.IsEnabled())
}
