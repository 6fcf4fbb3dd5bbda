package router

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/upstream"
)

// keyInfo is one row of the paginated key listing.
type keyInfo struct {
	Key       string `json:"-"`
	FailCount int    `json:"fail_count"`
	Provider  string `json:"provider"`
}

// serviceForParam resolves the provider query parameter for admin
// operations; empty and "default" mean the default provider.
func (r *Router) serviceForParam(name string) *provider.Service {
	if name == "" || strings.EqualFold(name, "default") {
		return r.registry.Default()
	}
	return r.registry.Get(name)
}

func (r *Router) handleKeysPaginated(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	search := c.Query("search")
	statusFilter := c.DefaultQuery("status", "all")
	providerFilter := c.Query("provider")

	var threshold *int
	if raw := c.Query("fail_count_threshold"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			threshold = &v
		}
	}

	var rows []keyInfo
	for _, svc := range r.registry.All() {
		name := svc.Config().Name
		if providerFilter != "" && providerFilter != "all" && !strings.EqualFold(providerFilter, name) {
			continue
		}

		status := svc.Keys().KeysWithFailCount()
		source := status.All
		switch statusFilter {
		case "valid":
			source = status.Valid
		case "invalid":
			source = status.Invalid
		}

		for key, count := range source {
			if search != "" && !strings.Contains(strings.ToLower(key), strings.ToLower(search)) {
				continue
			}
			if threshold != nil && count < *threshold {
				continue
			}
			rows = append(rows, keyInfo{Key: key, FailCount: count, Provider: name})
		}
	}

	// Map iteration order is random; sort for stable pagination.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Provider != rows[j].Provider {
			return rows[i].Provider < rows[j].Provider
		}
		return rows[i].Key < rows[j].Key
	})

	total := len(rows)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	keys := make(map[string]int, end-start)
	keysInfo := make(map[string]keyInfo, end-start)
	for _, row := range rows[start:end] {
		keys[row.Key] = row.FailCount
		keysInfo[row.Key] = row
	}

	totalPages := 1
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	providerLabel := providerFilter
	if providerLabel == "" {
		providerLabel = "all"
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":         keys,
		"keys_info":    keysInfo,
		"total_items":  total,
		"total_pages":  totalPages,
		"current_page": page,
		"provider":     providerLabel,
	})
}

func (r *Router) handleKeysAll(c *gin.Context) {
	var valid, invalid []string
	for _, svc := range r.registry.All() {
		status := svc.Keys().KeysWithFailCount()
		for key := range status.Valid {
			valid = append(valid, key)
		}
		for key := range status.Invalid {
			invalid = append(invalid, key)
		}
	}
	sort.Strings(valid)
	sort.Strings(invalid)

	c.JSON(http.StatusOK, gin.H{
		"valid_keys":   valid,
		"invalid_keys": invalid,
		"total_count":  len(valid) + len(invalid),
	})
}

func (r *Router) handleKeysProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": r.registry.Status()})
}

func (r *Router) handleKeysStats(c *gin.Context) {
	totalKeys, totalValid, totalInvalid := 0, 0, 0
	perProvider := make(map[string]gin.H)

	for name, status := range r.registry.Status() {
		totalKeys += status.TotalKeys
		totalValid += status.ValidKeysCount
		totalInvalid += status.InvalidKeysCount
		perProvider[name] = gin.H{
			"total":   status.TotalKeys,
			"valid":   status.ValidKeysCount,
			"invalid": status.InvalidKeysCount,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_keys":   totalKeys,
		"valid_keys":   totalValid,
		"invalid_keys": totalInvalid,
		"providers":    perProvider,
	})
}

func (r *Router) handleVerifyKey(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	svc := r.serviceForParam(c.Query("provider"))
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Provider '" + c.Query("provider") + "' not found",
		})
		return
	}

	if err := svc.VerifyKey(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"status":  "invalid",
			"error":   upstream.MessageOf(err),
			"code":    upstream.StatusOf(err),
		})
		return
	}

	svc.Keys().ResetKeyFailureCount(key)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "valid"})
}

func (r *Router) handleVerifyBatch(c *gin.Context) {
	var body struct {
		Keys     []string `json:"keys"`
		Provider string   `json:"provider"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}
	if len(body.Keys) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"successful_keys": []string{},
			"failed_keys":     gin.H{},
			"valid_count":     0,
			"invalid_count":   0,
		})
		return
	}

	svc := r.serviceForParam(body.Provider)
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Provider '" + body.Provider + "' not found"})
		return
	}

	type failure struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}

	var mu sync.Mutex
	var successful []string
	failed := make(map[string]failure)

	sem := make(chan struct{}, 5)
	var wg sync.WaitGroup
	for _, key := range body.Keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := svc.VerifyKey(c.Request.Context(), key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = failure{Error: upstream.MessageOf(err), Code: upstream.StatusOf(err)}
				return
			}
			svc.Keys().ResetKeyFailureCount(key)
			successful = append(successful, key)
		}(key)
	}
	wg.Wait()

	sort.Strings(successful)
	c.JSON(http.StatusOK, gin.H{
		"successful_keys": successful,
		"failed_keys":     failed,
		"valid_count":     len(successful),
		"invalid_count":   len(failed),
	})
}

func (r *Router) handleResetFailCount(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	svc := r.serviceForParam(c.Query("provider"))
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Provider '" + c.Query("provider") + "' not found",
		})
		return
	}

	if !svc.Keys().ResetKeyFailureCount(key) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Failure count reset"})
}

func (r *Router) handleProviders(c *gin.Context) {
	type providerInfo struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		BaseURL     string `json:"base_url"`
		Timeout     int    `json:"timeout"`
		MaxFailures int    `json:"max_failures"`
		MaxRetries  int    `json:"max_retries"`
		TestModel   string `json:"test_model"`
		TotalKeys   int    `json:"total_keys"`
	}

	var providers []providerInfo
	for _, svc := range r.registry.All() {
		cfg := svc.Config()
		providers = append(providers, providerInfo{
			Name:        cfg.Name,
			Path:        cfg.Path,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			MaxFailures: cfg.MaxFailures,
			MaxRetries:  cfg.MaxRetries,
			TestModel:   cfg.TestModel,
			TotalKeys:   len(cfg.APIKeys),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"providers":        providers,
		"default_provider": r.registry.DefaultProviderName(),
	})
}

func (r *Router) handleProvidersStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers":        r.registry.Status(),
		"default_provider": r.registry.DefaultProviderName(),
	})
}

func (r *Router) handleKeysList(c *gin.Context) {
	svc := r.registry.Default()
	if svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Default provider not available"})
		return
	}

	status := svc.Keys().KeysWithFailCount()
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"valid_keys":   status.Valid,
			"invalid_keys": status.Invalid,
		},
		"total": len(status.Valid) + len(status.Invalid),
	})
}

func (r *Router) handleProxyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":  r.proxies.Status(),
		"cache": r.checker.CacheStats(),
	})
}

func (r *Router) handleProxyCheck(c *gin.Context) {
	var body struct {
		Proxies  []string `json:"proxies"`
		UseCache *bool    `json:"use_cache"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	proxies := body.Proxies
	if len(proxies) == 0 {
		proxies = r.proxies.Proxies()
	}
	useCache := true
	if body.UseCache != nil {
		useCache = *body.UseCache
	}

	results := r.checker.CheckMany(c.Request.Context(), proxies, useCache, 5)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (r *Router) handleProxyCacheClear(c *gin.Context) {
	r.checker.ClearCache()
	c.JSON(http.StatusOK, gin.H{"success": true})
}
