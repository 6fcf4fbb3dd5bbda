package provider

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/keymanager"
	"github.com/OnlineMo/OpenAi-Balance/internal/logstore"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
)

// ProviderStatus is the admin-plane view of one provider.
type ProviderStatus struct {
	Name             string                `json:"name"`
	Path             string                `json:"path"`
	BaseURL          string                `json:"base_url"`
	KeysStatus       keymanager.KeysStatus `json:"keys_status"`
	TotalKeys        int                   `json:"total_keys"`
	ValidKeysCount   int                   `json:"valid_keys_count"`
	InvalidKeysCount int                   `json:"invalid_keys_count"`
}

// Registry owns the named provider services and their key managers.
// Reload mutates the map in place under the registry lock; handlers
// already holding a service keep using their snapshot.
type Registry struct {
	logger  *slog.Logger
	proxies *proxypool.Manager
	store   logstore.Store

	mu              sync.Mutex
	services        map[string]*Service // lower(name) -> service
	order           []string            // registration order, lower names
	defaultProvider string              // lower name
}

// NewRegistry creates an empty registry sharing the process-wide proxy
// manager and log store.
func NewRegistry(proxies *proxypool.Manager, store logstore.Store, log *slog.Logger) *Registry {
	return &Registry{
		logger:   log.With("component", "registry"),
		proxies:  proxies,
		store:    store,
		services: make(map[string]*Service),
	}
}

// Initialize parses providers_config and registers every enabled
// provider with keys. With no providers configured, a single "default"
// provider is synthesized from the global settings. A malformed
// providers_config is logged and treated as empty.
func (r *Registry) Initialize(settings *config.Settings, log *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers, err := config.ParseProvidersConfig(settings.ProvidersConfig)
	if err != nil {
		r.logger.Error("Failed to parse providers_config, falling back to default provider", "error", err)
		providers = nil
	}
	r.rebuildLocked(settings, providers, log)

	r.logger.Info("Provider registry initialized",
		"providers", len(r.services), "default", r.defaultProvider)
}

// rebuildLocked registers the given providers (or the synthesized
// default) and resolves the default provider name. Existing key
// managers are reloaded in place so failure counts survive for keys
// present in both configurations.
func (r *Registry) rebuildLocked(settings *config.Settings, providers []config.ProviderConfig, log *slog.Logger) {
	if len(providers) == 0 {
		providers = []config.ProviderConfig{settings.DefaultProviderConfig()}
	}

	oldManagers := make(map[string]*keymanager.KeyManager, len(r.services))
	for name, svc := range r.services {
		oldManagers[name] = svc.Keys()
	}

	for name := range r.services {
		delete(r.services, name)
	}
	r.order = r.order[:0]

	for _, cfg := range providers {
		if !cfg.IsEnabled() {
			r.logger.Info("Provider is disabled, skipping", "provider", cfg.Name)
			continue
		}
		if len(cfg.APIKeys) == 0 {
			r.logger.Warn("Provider has no API keys, skipping", "provider", cfg.Name)
			continue
		}

		lower := strings.ToLower(cfg.Name)
		km, survived := oldManagers[lower]
		if survived {
			km.Reload(cfg.APIKeys, cfg.MaxFailures, cfg.MaxRetries)
		} else {
			km = keymanager.New(cfg.Name, cfg.APIKeys, cfg.MaxFailures, cfg.MaxRetries, log)
		}

		r.services[lower] = NewService(cfg, km, r.proxies, r.store, settings.ErrorLogRecordRequestBody, log)
		r.order = append(r.order, lower)
		r.logger.Info("Registered provider", "provider", cfg.Name, "keys", len(cfg.APIKeys))
	}

	r.defaultProvider = strings.ToLower(settings.DefaultProvider)
	_, known := r.services[r.defaultProvider]
	if (!known || r.defaultProvider == "default") && len(r.order) > 0 {
		r.defaultProvider = r.order[0]
		r.logger.Info("Default provider resolved to first enabled provider",
			"default", r.defaultProvider)
	}
}

// Reload re-parses providers_config and swaps in the new provider set,
// preserving failure counts of keys that exist in both old and new
// configurations. A parse error aborts the reload and retains the
// previous state.
func (r *Registry) Reload(settings *config.Settings, log *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers, err := config.ParseProvidersConfig(settings.ProvidersConfig)
	if err != nil {
		r.logger.Error("Reload aborted: invalid providers_config, previous state retained", "error", err)
		return
	}
	r.rebuildLocked(settings, providers, log)

	r.logger.Info("Provider configuration reloaded",
		"providers", len(r.services), "default", r.defaultProvider)
}

// Get returns the service for a provider name, case-insensitively.
func (r *Registry) Get(name string) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[strings.ToLower(name)]
}

// GetByPath returns the service whose configured path matches.
func (r *Registry) GetByPath(path string) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if svc := r.services[name]; svc.Config().Path == path {
			return svc
		}
	}
	return nil
}

// Default returns the default provider's service, or nil when nothing
// is registered.
func (r *Registry) Default() *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[r.defaultProvider]
}

// DefaultProviderName returns the resolved default provider name.
func (r *Registry) DefaultProviderName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultProvider
}

// All returns every registered service in registration order.
func (r *Registry) All() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	services := make([]*Service, 0, len(r.services))
	for _, name := range r.order {
		services = append(services, r.services[name])
	}
	return services
}

// Status snapshots key health for every provider.
func (r *Registry) Status() map[string]ProviderStatus {
	result := make(map[string]ProviderStatus)
	for _, svc := range r.All() {
		cfg := svc.Config()
		keys := svc.Keys().KeysWithFailCount()
		result[cfg.Name] = ProviderStatus{
			Name:             cfg.Name,
			Path:             cfg.Path,
			BaseURL:          cfg.BaseURL,
			KeysStatus:       keys,
			TotalKeys:        len(keys.All),
			ValidKeysCount:   len(keys.Valid),
			InvalidKeysCount: len(keys.Invalid),
		}
	}
	return result
}
