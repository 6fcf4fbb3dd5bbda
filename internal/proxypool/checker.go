package proxypool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// CheckResult is the outcome of probing one proxy.
type CheckResult struct {
	Proxy          string `json:"proxy"`
	Available      bool   `json:"is_available"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CheckedAt      int64  `json:"checked_at"`
}

// CacheStats reports the probe cache contents.
type CacheStats struct {
	Entries int      `json:"entries"`
	Proxies []string `json:"proxies"`
}

// Checker probes proxy availability out of band. Results are cached
// for a TTL so ad-hoc admin checks don't hammer the probe URL; the
// scheduled job bypasses the cache.
type Checker struct {
	logger *slog.Logger

	mu       sync.Mutex
	checkURL string
	timeout  time.Duration
	cacheTTL time.Duration
	cache    map[string]CheckResult
}

// DefaultCacheTTL bounds how long a cached probe result stays fresh.
const DefaultCacheTTL = 5 * time.Minute

// NewChecker creates a checker probing checkURL with the given
// per-probe timeout.
func NewChecker(checkURL string, timeout time.Duration, log *slog.Logger) *Checker {
	return &Checker{
		logger:   log.With("component", "proxychecker"),
		checkURL: checkURL,
		timeout:  timeout,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]CheckResult),
	}
}

// Configure updates the probe URL and timeout, used on hot reload.
func (c *Checker) Configure(checkURL string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkURL = checkURL
	c.timeout = timeout
}

// validateProxyURL accepts http, https, and socks5 URLs with a host;
// userinfo is allowed.
func validateProxyURL(proxy string) error {
	u, err := url.Parse(proxy)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func (c *Checker) cachedResult(proxy string) (CheckResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.cache[proxy]
	if !ok {
		return CheckResult{}, false
	}
	if time.Since(time.Unix(result.CheckedAt, 0)) > c.cacheTTL {
		return CheckResult{}, false
	}
	return result, true
}

func (c *Checker) storeResult(result CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[result.Proxy] = result
}

// CheckSingle probes one proxy. With useCache a fresh cached result
// short-circuits the network probe. A malformed proxy URL yields
// available=false with the "Invalid proxy format" message and no
// network traffic.
func (c *Checker) CheckSingle(ctx context.Context, proxy string, useCache bool) CheckResult {
	if useCache {
		if cached, ok := c.cachedResult(proxy); ok {
			c.logger.Debug("Proxy check served from cache", "proxy", proxy)
			return cached
		}
	}

	result := CheckResult{Proxy: proxy, CheckedAt: time.Now().Unix()}

	if err := validateProxyURL(proxy); err != nil {
		result.ErrorMessage = "Invalid proxy format"
		c.storeResult(result)
		return result
	}

	c.mu.Lock()
	checkURL := c.checkURL
	timeout := c.timeout
	c.mu.Unlock()

	proxyURL, _ := url.Parse(proxy)
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		result.ErrorMessage = err.Error()
		c.storeResult(result)
		return result
	}
	resp, err := client.Do(req)
	result.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		c.storeResult(result)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Available = true
	} else {
		result.ErrorMessage = fmt.Sprintf("check URL returned status %d", resp.StatusCode)
	}
	c.storeResult(result)
	return result
}

// CheckMany probes proxies in parallel under a bounded concurrency
// semaphore, returning results in input order.
func (c *Checker) CheckMany(ctx context.Context, proxies []string, useCache bool, maxConcurrent int) []CheckResult {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	results := make([]CheckResult, len(proxies))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, proxy := range proxies {
		wg.Add(1)
		go func(i int, proxy string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.CheckSingle(ctx, proxy, useCache)
		}(i, proxy)
	}
	wg.Wait()
	return results
}

// CacheStats reports what the cache currently holds.
func (c *Checker) CacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Entries: len(c.cache)}
	for proxy := range c.cache {
		stats.Proxies = append(stats.Proxies, proxy)
	}
	return stats
}

// ClearCache drops every cached result.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]CheckResult)
}
