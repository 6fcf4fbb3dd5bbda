// Package router is the HTTP surface: the OpenAI-compatible data
// plane with provider resolution, and the cookie-authenticated admin
// plane.
package router

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/OnlineMo/OpenAi-Balance/internal/auth"
	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
)

// cosmeticPrefixes are accepted and consumed in front of every data
// plane route.
var cosmeticPrefixes = []string{"/openai", "/hf"}

// Router builds the gin engine and holds the pieces request handling
// needs. The settings snapshot is swapped on hot reload.
type Router struct {
	registry *provider.Registry
	proxies  *proxypool.Manager
	checker  *proxypool.Checker
	tokens   *auth.TokenStore
	logger   *slog.Logger

	mu       sync.RWMutex
	settings *config.Settings
}

// New creates a router over the shared managers.
func New(registry *provider.Registry, proxies *proxypool.Manager, checker *proxypool.Checker, tokens *auth.TokenStore, settings *config.Settings, log *slog.Logger) *Router {
	return &Router{
		registry: registry,
		proxies:  proxies,
		checker:  checker,
		tokens:   tokens,
		logger:   log.With("component", "router"),
		settings: settings,
	}
}

// UpdateSettings swaps the settings snapshot, used on hot reload.
func (r *Router) UpdateSettings(settings *config.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
}

func (r *Router) currentSettings() *config.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// recovery tolerates http.ErrAbortHandler, which gin's writer raises
// when a streaming client disconnects.
func (r *Router) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					r.logger.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}
				r.logger.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// Engine assembles the gin engine with both planes mounted.
func (r *Router) Engine() *gin.Engine {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.Use(r.recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	adminGroup := engine.Group("/", auth.AdminMiddleware(r.tokens))
	{
		keys := adminGroup.Group("/api/keys")
		keys.GET("", r.handleKeysPaginated)
		keys.GET("/all", r.handleKeysAll)
		keys.GET("/providers", r.handleKeysProviders)
		keys.GET("/stats", r.handleKeysStats)
		keys.POST("/verify-batch", r.handleVerifyBatch)
		keys.POST("/verify/*key", r.handleVerifyKey)
		keys.POST("/reset-fail-count/*key", r.handleResetFailCount)

		proxies := adminGroup.Group("/api/proxies")
		proxies.GET("/status", r.handleProxyStatus)
		proxies.POST("/check", r.handleProxyCheck)
		proxies.POST("/cache/clear", r.handleProxyCacheClear)

		adminGroup.GET("/v1/providers", r.handleProviders)
		adminGroup.GET("/v1/providers/status", r.handleProvidersStatus)
		adminGroup.GET("/v1/keys/list", r.handleKeysList)
	}

	// The data plane is dispatched from NoRoute: provider names are
	// free-form path segments, which a static route table cannot
	// express alongside the /v1 routes.
	engine.NoRoute(r.dispatch)

	return engine
}

// dataRoute is a resolved data-plane request.
type dataRoute struct {
	service  *provider.Service
	endpoint string // "/models", "/chat/completions", "/embeddings"
}

// resolve maps a URL path to a provider service. Resolution order:
// cosmetic prefixes are consumed; /v1/... goes to the default
// provider; /{name-or-path}/v1/... matches by name first
// (case-insensitively), then by configured path.
func (r *Router) resolve(path string) (dataRoute, bool) {
	for _, prefix := range cosmeticPrefixes {
		if strings.HasPrefix(path, prefix+"/") {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}

	if endpoint, ok := strings.CutPrefix(path, "/v1"); ok {
		if validEndpoint(endpoint) {
			if svc := r.registry.Default(); svc != nil {
				return dataRoute{service: svc, endpoint: endpoint}, true
			}
		}
		return dataRoute{}, false
	}

	rest, ok := strings.CutPrefix(path, "/")
	if !ok {
		return dataRoute{}, false
	}
	idx := strings.Index(rest, "/v1/")
	if idx <= 0 {
		return dataRoute{}, false
	}
	name := rest[:idx]
	if strings.Contains(name, "/") {
		return dataRoute{}, false
	}
	endpoint := rest[idx+len("/v1"):]
	if !validEndpoint(endpoint) {
		return dataRoute{}, false
	}

	svc := r.registry.Get(name)
	if svc == nil {
		svc = r.registry.GetByPath(name)
	}
	if svc == nil {
		return dataRoute{}, false
	}
	return dataRoute{service: svc, endpoint: endpoint}, true
}

func validEndpoint(endpoint string) bool {
	switch endpoint {
	case "/models", "/chat/completions", "/embeddings":
		return true
	}
	return false
}

// dispatch authenticates and routes a data-plane request. Unresolvable
// paths get a 404 before the bearer token is checked; resolvable ones
// without a valid token get a 401.
func (r *Router) dispatch(c *gin.Context) {
	route, ok := r.resolve(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": http.StatusNotFound, "message": "Not found"},
		})
		return
	}

	token := bearerTokenFrom(c)
	if token == "" || !r.tokens.IsAllowed(token) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": http.StatusUnauthorized, "message": "Invalid or missing bearer token"},
		})
		return
	}

	switch {
	case route.endpoint == "/models" && c.Request.Method == http.MethodGet:
		r.handleModels(c, route.service)
	case route.endpoint == "/chat/completions" && c.Request.Method == http.MethodPost:
		r.handleChatCompletion(c, route.service)
	case route.endpoint == "/embeddings" && c.Request.Method == http.MethodPost:
		r.handleEmbeddings(c, route.service)
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": gin.H{"code": http.StatusMethodNotAllowed, "message": "Method not allowed"},
		})
	}
}

func bearerTokenFrom(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
