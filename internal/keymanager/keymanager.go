// Package keymanager implements the per-provider API key pool:
// round-robin rotation, failure counting, and graceful fallback when
// every key has been exhausted.
package keymanager

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
)

// KeysStatus groups keys by validity, each mapped to its failure
// count.
type KeysStatus struct {
	Valid   map[string]int `json:"valid_keys"`
	Invalid map[string]int `json:"invalid_keys"`
	All     map[string]int `json:"all_keys"`
}

// KeyManager owns an ordered key list and a rotation cursor. A key is
// valid while its failure count stays below maxFailures. Two locks
// guard the state: cursorMu protects round-robin advancement, failMu
// protects the counters; neither is held across I/O.
type KeyManager struct {
	name   string
	logger *slog.Logger

	cursorMu sync.Mutex
	keys     []string
	cursor   int

	failMu        sync.Mutex
	failureCounts map[string]int
	maxFailures   int
	maxRetries    int
}

// New creates a key manager for one provider.
func New(name string, keys []string, maxFailures, maxRetries int, log *slog.Logger) *KeyManager {
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = 0
	}
	return &KeyManager{
		name:          name,
		logger:        log.With("component", "keymanager", "provider", name),
		keys:          append([]string(nil), keys...),
		failureCounts: counts,
		maxFailures:   maxFailures,
		maxRetries:    maxRetries,
	}
}

// Keys returns the pool in config order.
func (m *KeyManager) Keys() []string {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return append([]string(nil), m.keys...)
}

// MaxFailures returns the validity threshold.
func (m *KeyManager) MaxFailures() int { return m.maxFailures }

// MaxRetries returns the per-request retry budget.
func (m *KeyManager) MaxRetries() int { return m.maxRetries }

// NextKey returns the key at the cursor and advances it, wrapping at
// the end of the pool. Returns "" on an empty pool.
func (m *KeyManager) NextKey() string {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	if len(m.keys) == 0 {
		return ""
	}
	key := m.keys[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.keys)
	return key
}

// IsValid reports whether the key's failure count is below the
// threshold. Unknown keys are invalid.
func (m *KeyManager) IsValid(key string) bool {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	count, ok := m.failureCounts[key]
	return ok && count < m.maxFailures
}

// FailCount returns the failure count for a key, zero for unknown
// keys.
func (m *KeyManager) FailCount(key string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.failureCounts[key]
}

// NextWorkingKey advances the cursor until it finds a valid key or has
// scanned the full ring once. On a fully-invalid pool it returns the
// first key in config order as a fallback: the policy is "try rather
// than refuse". Returns "" only when the pool is empty.
func (m *KeyManager) NextWorkingKey() string {
	if len(m.Keys()) == 0 {
		m.logger.Warn("API key list is empty")
		return ""
	}

	initial := m.NextKey()
	current := initial
	for {
		if m.IsValid(current) {
			return current
		}
		current = m.NextKey()
		if current == initial {
			m.cursorMu.Lock()
			first := m.keys[0]
			m.cursorMu.Unlock()
			m.logger.Warn("No valid keys available, falling back to first key")
			return first
		}
	}
}

// FirstValidKey returns the first key in config order whose failure
// count is below the threshold, or the first key as a fallback.
func (m *KeyManager) FirstValidKey() string {
	keys := m.Keys()
	if len(keys) == 0 {
		m.logger.Warn("API key list is empty, cannot get first valid key")
		return ""
	}

	m.failMu.Lock()
	defer m.failMu.Unlock()
	for _, k := range keys {
		if m.failureCounts[k] < m.maxFailures {
			return k
		}
	}
	return keys[0]
}

// RandomValidKey returns a uniformly chosen valid key, or the first
// key when none is valid.
func (m *KeyManager) RandomValidKey() string {
	keys := m.Keys()
	if len(keys) == 0 {
		m.logger.Warn("API key list is empty, cannot get random valid key")
		return ""
	}

	m.failMu.Lock()
	valid := make([]string, 0, len(keys))
	for _, k := range keys {
		if m.failureCounts[k] < m.maxFailures {
			valid = append(valid, k)
		}
	}
	m.failMu.Unlock()

	if len(valid) == 0 {
		m.logger.Warn("No valid keys available, returning first key as fallback")
		return keys[0]
	}
	return valid[rand.Intn(len(valid))]
}

// HandleAPIFailure increments the key's failure count (capped at the
// threshold) and, if the retry budget is not exhausted, returns the
// next working key. An empty return means the caller must stop
// retrying.
func (m *KeyManager) HandleAPIFailure(key string, retries int) string {
	m.failMu.Lock()
	if count, ok := m.failureCounts[key]; ok && count < m.maxFailures {
		m.failureCounts[key] = count + 1
		if count+1 >= m.maxFailures {
			m.logger.Warn("API key reached failure threshold",
				"key_suffix", logger.SafeKeySuffix(key), "failures", count+1)
		}
	}
	m.failMu.Unlock()

	if retries < m.maxRetries {
		return m.NextWorkingKey()
	}
	return ""
}

// RecordFailure increments the key's failure count without consulting
// the retry budget, capped at the threshold. Used by the scheduled
// revalidation job.
func (m *KeyManager) RecordFailure(key string) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if count, ok := m.failureCounts[key]; ok && count < m.maxFailures {
		m.failureCounts[key] = count + 1
	}
}

// ResetKeyFailureCount zeroes one key's counter, reporting whether the
// key exists.
func (m *KeyManager) ResetKeyFailureCount(key string) bool {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if _, ok := m.failureCounts[key]; !ok {
		m.logger.Warn("Attempt to reset failure count for unknown key",
			"key_suffix", logger.SafeKeySuffix(key))
		return false
	}
	m.failureCounts[key] = 0
	m.logger.Info("Reset failure count for key", "key_suffix", logger.SafeKeySuffix(key))
	return true
}

// ResetFailureCounts zeroes every counter.
func (m *KeyManager) ResetFailureCounts() {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	for k := range m.failureCounts {
		m.failureCounts[k] = 0
	}
}

// KeysWithFailCount snapshots the pool grouped by validity.
func (m *KeyManager) KeysWithFailCount() KeysStatus {
	keys := m.Keys()

	m.failMu.Lock()
	defer m.failMu.Unlock()

	status := KeysStatus{
		Valid:   make(map[string]int),
		Invalid: make(map[string]int),
		All:     make(map[string]int, len(keys)),
	}
	for _, k := range keys {
		count := m.failureCounts[k]
		status.All[k] = count
		if count < m.maxFailures {
			status.Valid[k] = count
		} else {
			status.Invalid[k] = count
		}
	}
	return status
}

// FailingKeys snapshots the keys with a non-zero failure count, in
// config order. The scheduled revalidation job probes exactly these.
func (m *KeyManager) FailingKeys() []string {
	keys := m.Keys()

	m.failMu.Lock()
	defer m.failMu.Unlock()

	var failing []string
	for _, k := range keys {
		if m.failureCounts[k] > 0 {
			failing = append(failing, k)
		}
	}
	return failing
}

// Reload swaps in a new key list, preserving the counters of keys that
// survive and the rotational position: the new cycle resumes at the
// first surviving key at or after the old cursor, or at the start if
// none survives. New keys begin with a zero count.
func (m *KeyManager) Reload(newKeys []string, maxFailures, maxRetries int) {
	m.cursorMu.Lock()
	oldKeys := m.keys
	oldCursor := m.cursor
	m.cursorMu.Unlock()

	newSet := make(map[string]int, len(newKeys))
	for i, k := range newKeys {
		newSet[k] = i
	}

	newCursor := 0
	for i := 0; i < len(oldKeys); i++ {
		candidate := oldKeys[(oldCursor+i)%len(oldKeys)]
		if idx, ok := newSet[candidate]; ok {
			newCursor = idx
			break
		}
	}
	if len(newKeys) == 0 {
		newCursor = 0
	}

	m.failMu.Lock()
	counts := make(map[string]int, len(newKeys))
	for _, k := range newKeys {
		if old, ok := m.failureCounts[k]; ok {
			counts[k] = old
		} else {
			counts[k] = 0
		}
	}
	m.failureCounts = counts
	m.maxFailures = maxFailures
	m.maxRetries = maxRetries
	m.failMu.Unlock()

	m.cursorMu.Lock()
	m.keys = append([]string(nil), newKeys...)
	m.cursor = newCursor
	m.cursorMu.Unlock()

	m.logger.Info("Key pool reloaded", "keys", len(newKeys))
}
