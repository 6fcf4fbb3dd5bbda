package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig selects the backing store for request and error logs.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// Settings is the full configuration file surface. A single YAML file
// carries both the global (default-provider) settings and the optional
// multi-provider block.
type Settings struct {
	Port     int    `yaml:"port"`
	Debug    bool   `yaml:"debug"`
	Timezone string `yaml:"timezone"`

	BaseURL         string            `yaml:"base_url"`
	APIKeys         []string          `yaml:"api_keys"`
	AllowedTokens   []string          `yaml:"allowed_tokens"`
	CustomHeaders   map[string]string `yaml:"custom_headers"`
	Timeout         int               `yaml:"timeout"`
	MaxFailures     int               `yaml:"max_failures"`
	MaxRetries      int               `yaml:"max_retries"`
	TestModel       string            `yaml:"test_model"`
	ModelRequestKey string            `yaml:"model_request_key"`
	FilteredModels  []string          `yaml:"filtered_models"`

	AdminToken string `yaml:"admin_token"`

	// ProvidersConfig is a JSON array of provider objects, kept as a
	// string so malformed JSON is a reload-time error rather than a
	// YAML parse failure of the whole file.
	ProvidersConfig string `yaml:"providers_config"`
	DefaultProvider string `yaml:"default_provider"`

	Proxies                    []string `yaml:"proxies"`
	ProxiesUseConsistencyHash  bool     `yaml:"proxies_use_consistency_hash_by_api_key"`
	ProxyAutoCheckEnabled      bool     `yaml:"proxy_auto_check_enabled"`
	ProxyCheckURL              string   `yaml:"proxy_check_url"`
	ProxyCheckTimeout          int      `yaml:"proxy_check_timeout"`
	ProxyCheckIntervalHours    float64  `yaml:"proxy_check_interval_hours"`
	ProxyMaxFailures           int      `yaml:"proxy_max_failures"`
	CheckIntervalHours         int      `yaml:"check_interval_hours"`
	ConfigCheckIntervalSeconds int      `yaml:"config_check_interval_seconds"`

	ErrorLogRecordRequestBody bool `yaml:"error_log_record_request_body"`

	Database DatabaseConfig `yaml:"database"`
}

// Defaults mirrored from the upstream protocol constants.
const (
	DefaultTimeout     = 300
	DefaultMaxFailures = 3
	DefaultMaxRetries  = 3
	DefaultTestModel   = "gpt-4o-mini"
)

// LoadConfig reads and parses the configuration file, applying
// defaults for absent numeric fields. It returns the settings and a
// potential warning message.
func LoadConfig(path string) (*Settings, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, "", fmt.Errorf("failed to parse config file: %w", err)
	}
	s.applyDefaults()

	var warning string
	if len(s.AllowedTokens) == 0 {
		warning = "No allowed_tokens configured. The gateway will not authorize any data-plane requests."
	}
	return &s, warning, nil
}

func (s *Settings) applyDefaults() {
	if s.Port == 0 {
		s.Port = 8000
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MaxFailures <= 0 {
		s.MaxFailures = DefaultMaxFailures
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.TestModel == "" {
		s.TestModel = DefaultTestModel
	}
	if s.ProxyCheckURL == "" {
		s.ProxyCheckURL = "https://www.google.com"
	}
	if s.ProxyCheckTimeout <= 0 {
		s.ProxyCheckTimeout = 10
	}
	if s.ProxyMaxFailures <= 0 {
		s.ProxyMaxFailures = DefaultMaxFailures
	}
	if s.ConfigCheckIntervalSeconds <= 0 {
		s.ConfigCheckIntervalSeconds = 5
	}
	if s.Timezone == "" {
		s.Timezone = "Local"
	}
	if s.Database.Type == "" {
		s.Database.Type = "sqlite"
		s.Database.DSN = "openai-balance.db"
	}
}

// Location resolves the configured timezone, falling back to the
// system location when the name is unknown.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
