// Package proxypool manages the outbound proxy pool shared by every
// provider: per-proxy failure state, sticky API-key bindings, and the
// out-of-band availability checker.
package proxypool

import (
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
)

// ProxyStatus describes one proxy in a Status snapshot.
type ProxyStatus struct {
	FailureCount   int    `json:"failure_count"`
	Disabled       bool   `json:"is_disabled"`
	BoundKeysCount int    `json:"bound_keys_count"`
	LastCheckTime  *int64 `json:"last_check_time"`
}

// Status is the aggregate pool snapshot.
type Status struct {
	Total     int                    `json:"total"`
	Available int                    `json:"available"`
	Disabled  int                    `json:"disabled"`
	Proxies   map[string]ProxyStatus `json:"proxies"`
}

// Manager is the process-wide proxy pool. One lock covers the list,
// counters, disabled set, and bindings; it is never held across a
// network round-trip.
type Manager struct {
	logger *slog.Logger

	mu              sync.Mutex
	proxies         []string
	failureCounts   map[string]int
	disabled        map[string]struct{}
	bindings        map[string]string // api key -> proxy
	lastCheck       map[string]time.Time
	maxFailures     int
	consistencyHash bool
}

// NewManager creates a pool over the given proxy URLs.
func NewManager(proxies []string, maxFailures int, consistencyHash bool, log *slog.Logger) *Manager {
	counts := make(map[string]int, len(proxies))
	for _, p := range proxies {
		counts[p] = 0
	}
	return &Manager{
		logger:          log.With("component", "proxymanager"),
		proxies:         append([]string(nil), proxies...),
		failureCounts:   counts,
		disabled:        make(map[string]struct{}),
		bindings:        make(map[string]string),
		lastCheck:       make(map[string]time.Time),
		maxFailures:     maxFailures,
		consistencyHash: consistencyHash,
	}
}

// Proxies returns the configured list in order.
func (m *Manager) Proxies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.proxies...)
}

// AvailableProxies returns the proxies not currently disabled.
func (m *Manager) AvailableProxies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked()
}

func (m *Manager) availableLocked() []string {
	available := make([]string, 0, len(m.proxies))
	for _, p := range m.proxies {
		if _, off := m.disabled[p]; !off {
			available = append(available, p)
		}
	}
	return available
}

// keySlot maps an API key onto an index of the available set. FNV-1a
// keeps the mapping stable for the lifetime of the process.
func keySlot(apiKey string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(apiKey))
	return int(h.Sum32() % uint32(n))
}

// ProxyForKey picks the outbound proxy for an API key. With
// consistency hashing on, an existing binding is honored while its
// proxy stays available; otherwise a new slot is computed and bound.
// With hashing off the choice is uniform random. When every proxy is
// disabled the first proxy of the whole list is returned as a
// last-resort candidate rather than refusing. Empty pool returns "".
func (m *Manager) ProxyForKey(apiKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.proxies) == 0 {
		return ""
	}

	available := m.availableLocked()
	if len(available) == 0 {
		m.logger.Warn("No available proxies, all proxies are disabled")
		return m.proxies[0]
	}

	if m.consistencyHash {
		if bound, ok := m.bindings[apiKey]; ok {
			if _, off := m.disabled[bound]; !off {
				return bound
			}
			delete(m.bindings, apiKey)
		}
		proxy := available[keySlot(apiKey, len(available))]
		m.bindings[apiKey] = proxy
		return proxy
	}
	return available[rand.Intn(len(available))]
}

// RecordFailure increments the proxy's failure counter. Crossing the
// threshold disables the proxy and drops every binding pointing to it;
// the return value reports whether this call caused that transition.
func (m *Manager) RecordFailure(proxy string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.failureCounts[proxy]; proxy == "" || !known {
		return false
	}
	if _, off := m.disabled[proxy]; off {
		m.failureCounts[proxy]++
		return false
	}

	m.failureCounts[proxy]++
	count := m.failureCounts[proxy]
	if count >= m.maxFailures {
		m.disabled[proxy] = struct{}{}
		unbound := m.unbindProxyLocked(proxy)
		m.logger.Warn("Proxy disabled after repeated failures",
			"proxy", proxy, "failures", count, "unbound_keys", unbound)
		return true
	}
	m.logger.Info("Proxy failure recorded", "proxy", proxy, "failures", count, "threshold", m.maxFailures)
	return false
}

// RecordSuccess zeroes the proxy's failure counter.
func (m *Manager) RecordSuccess(proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count, known := m.failureCounts[proxy]; known && count > 0 {
		m.failureCounts[proxy] = 0
		m.logger.Debug("Proxy success, failure count reset", "proxy", proxy)
	}
}

// Reset zeroes the counter and re-enables the proxy.
func (m *Manager) Reset(proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.failureCounts[proxy]; known {
		m.failureCounts[proxy] = 0
	}
	delete(m.disabled, proxy)
	m.logger.Info("Proxy has been reset and re-enabled", "proxy", proxy)
}

// ResetAll zeroes every counter, re-enables every proxy, and clears
// all bindings.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.proxies {
		m.failureCounts[p] = 0
	}
	m.disabled = make(map[string]struct{})
	m.bindings = make(map[string]string)
	m.logger.Info("All proxies have been reset")
}

// Disable manually disables a proxy and drops its bindings.
func (m *Manager) Disable(proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.containsLocked(proxy) {
		return
	}
	m.disabled[proxy] = struct{}{}
	m.unbindProxyLocked(proxy)
	m.logger.Info("Proxy has been manually disabled", "proxy", proxy)
}

// Enable manually re-enables a proxy, zeroing its counter.
func (m *Manager) Enable(proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.containsLocked(proxy) {
		return
	}
	delete(m.disabled, proxy)
	m.failureCounts[proxy] = 0
	m.logger.Info("Proxy has been manually enabled", "proxy", proxy)
}

func (m *Manager) containsLocked(proxy string) bool {
	_, known := m.failureCounts[proxy]
	return known
}

// unbindProxyLocked removes every binding that points at the proxy and
// returns how many were dropped.
func (m *Manager) unbindProxyLocked(proxy string) int {
	n := 0
	for key, bound := range m.bindings {
		if bound == proxy {
			delete(m.bindings, key)
			n++
		}
	}
	return n
}

// UnbindKey removes one API key's binding if present.
func (m *Manager) UnbindKey(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proxy, ok := m.bindings[apiKey]; ok {
		delete(m.bindings, apiKey)
		m.logger.Info("Unbound API key from proxy", "proxy", proxy,
			"key_suffix", logger.SafeKeySuffix(apiKey))
	}
}

// Reload swaps in the new proxy list: unseen proxies start with a
// clean state, removed proxies lose their state and bindings, and
// surviving proxies keep theirs.
func (m *Manager) Reload(newProxies []string, maxFailures int, consistencyHash bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSet := make(map[string]struct{}, len(newProxies))
	for _, p := range newProxies {
		newSet[p] = struct{}{}
	}

	for _, p := range newProxies {
		if _, known := m.failureCounts[p]; !known {
			m.failureCounts[p] = 0
			m.logger.Info("Added new proxy", "proxy", p)
		}
	}
	for _, p := range m.proxies {
		if _, keep := newSet[p]; !keep {
			delete(m.failureCounts, p)
			delete(m.disabled, p)
			delete(m.lastCheck, p)
			m.unbindProxyLocked(p)
			m.logger.Info("Removed proxy", "proxy", p)
		}
	}

	m.proxies = append([]string(nil), newProxies...)
	m.maxFailures = maxFailures
	m.consistencyHash = consistencyHash
}

// UpdateLastCheckTime stamps the proxy with the current time.
func (m *Manager) UpdateLastCheckTime(proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck[proxy] = time.Now()
}

// Status snapshots the whole pool.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	boundCounts := make(map[string]int)
	for _, proxy := range m.bindings {
		boundCounts[proxy]++
	}

	status := Status{
		Total:     len(m.proxies),
		Available: len(m.proxies) - len(m.disabled),
		Disabled:  len(m.disabled),
		Proxies:   make(map[string]ProxyStatus, len(m.proxies)),
	}
	for _, p := range m.proxies {
		_, off := m.disabled[p]
		ps := ProxyStatus{
			FailureCount:   m.failureCounts[p],
			Disabled:       off,
			BoundKeysCount: boundCounts[p],
		}
		if t, ok := m.lastCheck[p]; ok {
			epoch := t.Unix()
			ps.LastCheckTime = &epoch
		}
		status.Proxies[p] = ps
	}
	return status
}
