package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderConfig describes one named upstream. Immutable once
// registered; a reload replaces the whole value.
type ProviderConfig struct {
	Name            string            `json:"name"`
	Path            string            `json:"path"`
	BaseURL         string            `json:"base_url"`
	APIKeys         []string          `json:"api_keys"`
	ModelRequestKey string            `json:"model_request_key"`
	CustomHeaders   map[string]string `json:"custom_headers"`
	Timeout         int               `json:"timeout"`
	MaxFailures     int               `json:"max_failures"`
	MaxRetries      int               `json:"max_retries"`
	TestModel       string            `json:"test_model"`
	Enabled         *bool             `json:"enabled"`
}

// IsEnabled treats an absent enabled field as true, matching the
// provider config contract.
func (p *ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func (p *ProviderConfig) applyDefaults() {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultMaxFailures
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
}

// ParseProvidersConfig decodes the providers_config JSON array. An
// empty or "[]" string yields no providers without error. Duplicate
// names (case-insensitive) are rejected so the registry's lookup map
// stays unambiguous.
func ParseProvidersConfig(raw string) ([]ProviderConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil, nil
	}

	var providers []ProviderConfig
	if err := json.Unmarshal([]byte(raw), &providers); err != nil {
		return nil, fmt.Errorf("providers_config must be a JSON array: %w", err)
	}

	seen := make(map[string]struct{}, len(providers))
	for i := range providers {
		p := &providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("providers_config entry %d has no name", i)
		}
		lower := strings.ToLower(p.Name)
		if _, dup := seen[lower]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[lower] = struct{}{}
		p.applyDefaults()
	}
	return providers, nil
}

// DefaultProviderConfig synthesizes the "default" provider from the
// global settings, used when providers_config is absent.
func (s *Settings) DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:            "default",
		Path:            "",
		BaseURL:         s.BaseURL,
		APIKeys:         s.APIKeys,
		ModelRequestKey: s.ModelRequestKey,
		CustomHeaders:   s.CustomHeaders,
		Timeout:         s.Timeout,
		MaxFailures:     s.MaxFailures,
		MaxRetries:      s.MaxRetries,
		TestModel:       s.TestModel,
	}
}
