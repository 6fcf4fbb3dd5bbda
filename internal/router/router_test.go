package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/OnlineMo/OpenAi-Balance/internal/auth"
	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testStack wires a full router over a stub upstream.
func testStack(t *testing.T, upstreamURL, providersJSON string, settingsMut func(*config.Settings)) *gin.Engine {
	t.Helper()
	log := logger.NewWithWriter(io.Discard, false)

	settings := &config.Settings{
		BaseURL:       upstreamURL,
		APIKeys:       []string{"k1", "k2"},
		AllowedTokens: []string{"client-token"},
		AdminToken:    "admin-secret",
		Timeout:       5,
		MaxFailures:   3,
		MaxRetries:    2,
		TestModel:     "gpt-4o-mini",
	}
	settings.ProvidersConfig = providersJSON
	if settingsMut != nil {
		settingsMut(settings)
	}

	proxies := proxypool.NewManager(settings.Proxies, 3, false, log)
	checker := proxypool.NewChecker("http://check.invalid/", time.Second, log)
	tokens := auth.NewTokenStore(settings.AllowedTokens, settings.AdminToken)

	registry := provider.NewRegistry(proxies, nil, log)
	registry.Initialize(settings, log)

	return New(registry, proxies, checker, tokens, settings, log).Engine()
}

func doRequest(engine *gin.Engine, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func asClient(req *http.Request) {
	req.Header.Set("Authorization", "Bearer client-token")
	req.Header.Set("Content-Type", "application/json")
}

func asAdmin(req *http.Request) {
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "admin-secret"})
	req.Header.Set("Content-Type", "application/json")
}

func TestHealthIsUnauthenticated(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)
	rec := doRequest(engine, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDataPlaneRequiresBearerToken(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":401`)

	rec = doRequest(engine, http.MethodGet, "/v1/models", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownProviderIs404(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodPost, "/nope/v1/chat/completions", "{}", asClient)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModelsEndpointWithFilter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4"},{"id":"banned"}]}`)
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", func(s *config.Settings) {
		s.FilteredModels = []string{"banned"}
	})

	rec := doRequest(engine, http.MethodGet, "/v1/models", "", asClient)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4")
	assert.NotContains(t, rec.Body.String(), "banned")
}

func TestChatCompletionNonStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		io.WriteString(w, `{"id":"x","choices":[{"index":0}]}`)
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":false}`
	rec := doRequest(engine, http.MethodPost, "/v1/chat/completions", body, asClient)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"x","choices":[{"index":0}]}`, rec.Body.String())
}

func TestChatCompletionFilteredModelRejected(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", func(s *config.Settings) {
		s.FilteredModels = []string{"banned"}
	})

	body := `{"model":"banned","messages":[]}`
	rec := doRequest(engine, http.MethodPost, "/v1/chat/completions", body, asClient)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionStreamRelaysSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer k1" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, "invalid key")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: a\n\ndata: [DONE]\n\n")
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	body := `{"model":"gpt-4o-mini","messages":[],"stream":true}`
	rec := doRequest(engine, http.MethodPost, "/v1/chat/completions", body, asClient)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: a\n")
	assert.Contains(t, rec.Body.String(), "data: [DONE]\n")
}

func TestChatCompletionStreamErrorBecomesJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "rate limited")
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	body := `{"model":"gpt-4o-mini","messages":[],"stream":true}`
	rec := doRequest(engine, http.MethodPost, "/v1/chat/completions", body, asClient)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), `"code":429`)
	assert.Contains(t, rec.Body.String(), "rate limited")
}

func TestChatCompletionStreamDegeneratePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Answers the stream request with a plain JSON body.
		io.WriteString(w, `{"id":"not-a-stream"}`)
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	body := `{"model":"gpt-4o-mini","messages":[],"stream":true}`
	rec := doRequest(engine, http.MethodPost, "/v1/chat/completions", body, asClient)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"not-a-stream"}`, rec.Body.String())
}

func TestEmbeddingsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		io.WriteString(w, `{"data":[{"embedding":[0.5]}]}`)
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	body := `{"model":"embed-1","input":"hello"}`
	rec := doRequest(engine, http.MethodPost, "/v1/embeddings", body, asClient)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "embedding")
}

func TestCosmeticPrefixes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	for _, path := range []string{"/v1/models", "/openai/v1/models", "/hf/v1/models"} {
		rec := doRequest(engine, http.MethodGet, path, "", asClient)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestProviderResolutionByNameAndPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer upstream.Close()

	providers := `[{"name":"mybrand","path":"mb","base_url":"` + upstream.URL + `","api_keys":["a1"]}]`
	engine := testStack(t, upstream.URL, providers, nil)

	for _, path := range []string{
		"/mybrand/v1/models",
		"/mb/v1/models",
		"/openai/mybrand/v1/models",
		"/v1/models", // default resolves to the only enabled provider
	} {
		rec := doRequest(engine, http.MethodGet, path, "", asClient)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAdminRequiresCookie(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodGet, "/api/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/keys", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "auth_token", Value: "wrong"})
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/keys", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminKeysPaginated(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodGet, "/api/keys?page=1&limit=1", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_items":2`)
	assert.Contains(t, rec.Body.String(), `"total_pages":2`)
	assert.Contains(t, rec.Body.String(), `"current_page":1`)
}

func TestAdminKeysSearchAndThreshold(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodGet, "/api/keys?search=k1", "", asAdmin)
	assert.Contains(t, rec.Body.String(), `"total_items":1`)

	rec = doRequest(engine, http.MethodGet, "/api/keys?fail_count_threshold=1", "", asAdmin)
	assert.Contains(t, rec.Body.String(), `"total_items":0`)
}

func TestAdminResetFailCount(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodPost, "/api/keys/reset-fail-count/k1", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = doRequest(engine, http.MethodPost, "/api/keys/reset-fail-count/ghost", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestAdminVerifyKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer k1" {
			io.WriteString(w, `{"id":"probe"}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "nope")
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	rec := doRequest(engine, http.MethodPost, "/api/keys/verify/k1", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"valid"`)

	rec = doRequest(engine, http.MethodPost, "/api/keys/verify/k2", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"invalid"`)
	assert.Contains(t, rec.Body.String(), `"code":401`, "numeric status is threaded, not parsed from text")
}

func TestAdminVerifyBatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer k1" {
			io.WriteString(w, `{"id":"probe"}`)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "rate limited")
	}))
	defer upstream.Close()

	engine := testStack(t, upstream.URL, "", nil)

	rec := doRequest(engine, http.MethodPost, "/api/keys/verify-batch", `{"keys":["k1","k2"]}`, asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid_count":1`)
	assert.Contains(t, rec.Body.String(), `"invalid_count":1`)
	assert.Contains(t, rec.Body.String(), `"code":429`)
}

func TestAdminProvidersEndpoints(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", nil)

	rec := doRequest(engine, http.MethodGet, "/v1/providers", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"default_provider":"default"`)

	rec = doRequest(engine, http.MethodGet, "/v1/providers/status", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid_keys_count":2`)

	rec = doRequest(engine, http.MethodGet, "/v1/keys/list", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)

	rec = doRequest(engine, http.MethodGet, "/api/keys/stats", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_keys":2`)

	rec = doRequest(engine, http.MethodGet, "/api/keys/all", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_count":2`)
}

func TestAdminProxyStatus(t *testing.T) {
	engine := testStack(t, "http://upstream.invalid", "", func(s *config.Settings) {
		s.Proxies = []string{"http://1.2.3.4:8080"}
	})

	rec := doRequest(engine, http.MethodGet, "/api/proxies/status", "", asAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestResolveEdgeCases(t *testing.T) {
	log := logger.NewWithWriter(io.Discard, false)
	settings := &config.Settings{
		BaseURL:     "http://u",
		APIKeys:     []string{"k"},
		Timeout:     5,
		MaxFailures: 3,
		MaxRetries:  3,
	}
	registry := provider.NewRegistry(nil, nil, log)
	registry.Initialize(settings, log)
	r := New(registry, proxypool.NewManager(nil, 3, false, log), proxypool.NewChecker("http://c", time.Second, log), auth.NewTokenStore(nil, ""), settings, log)

	cases := map[string]bool{
		"/v1/models":                true,
		"/v1/chat/completions":      true,
		"/v1/embeddings":            true,
		"/openai/v1/models":         true,
		"/hf/v1/chat/completions":   true,
		"/v1/unknown":               false,
		"/v2/models":                false,
		"/a/b/v1/models":            false,
		"/":                         false,
		"/default/v1/models":        true,
		"/missing/v1/models":        false,
		"/openai/default/v1/models": true,
	}
	for path, want := range cases {
		_, ok := r.resolve(path)
		assert.Equal(t, want, ok, path)
	}
}
