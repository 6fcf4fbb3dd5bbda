// Package provider orchestrates per-provider request handling: key
// acquisition, proxy selection, the streaming retry engine, and the
// named-provider registry.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/keymanager"
	"github.com/OnlineMo/OpenAi-Balance/internal/logger"
	"github.com/OnlineMo/OpenAi-Balance/internal/logstore"
	"github.com/OnlineMo/OpenAi-Balance/internal/model"
	"github.com/OnlineMo/OpenAi-Balance/internal/openai"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxypool"
	"github.com/OnlineMo/OpenAi-Balance/internal/upstream"
)

// Service handles all upstream calls for one provider. The registry
// owns it together with its key manager; the proxy manager is shared
// process-wide.
type Service struct {
	cfg     config.ProviderConfig
	keys    *keymanager.KeyManager
	proxies *proxypool.Manager
	client  *upstream.Client
	store   logstore.Store
	logger  *slog.Logger

	recordRequestBody bool
}

// NewService wires a service for the given provider config. store may
// be nil, in which case log writes are skipped.
func NewService(cfg config.ProviderConfig, keys *keymanager.KeyManager, proxies *proxypool.Manager, store logstore.Store, recordRequestBody bool, log *slog.Logger) *Service {
	timeout := time.Duration(cfg.Timeout) * time.Second
	var reporter upstream.ProxyReporter
	if proxies != nil {
		reporter = proxies
	}
	return &Service{
		cfg:               cfg,
		keys:              keys,
		proxies:           proxies,
		client:            upstream.NewClient(cfg.BaseURL, timeout, cfg.CustomHeaders, reporter, log),
		store:             store,
		logger:            log.With("component", "provider", "provider", cfg.Name),
		recordRequestBody: recordRequestBody,
	}
}

// Config returns the provider configuration snapshot.
func (s *Service) Config() config.ProviderConfig { return s.cfg }

// Keys returns the provider's key manager.
func (s *Service) Keys() *keymanager.KeyManager { return s.keys }

func (s *Service) proxyFor(apiKey string) string {
	if s.proxies == nil {
		return ""
	}
	return s.proxies.ProxyForKey(apiKey)
}

func (s *Service) addRequestLog(modelName, apiKey string, success bool, status int, latencyMS int64, at time.Time) {
	if s.store == nil {
		return
	}
	entry := &model.RequestLog{
		ModelName:   modelName,
		APIKey:      apiKey,
		IsSuccess:   success,
		StatusCode:  status,
		LatencyMS:   latencyMS,
		RequestTime: at,
	}
	if err := s.store.AddRequestLog(entry); err != nil {
		s.logger.Error("Failed to persist request log", "error", err)
	}
}

func (s *Service) addErrorLog(apiKey, modelName, errorType string, callErr error, payload map[string]any, at time.Time) {
	if s.store == nil {
		return
	}
	entry := &model.ErrorLog{
		APIKey:      apiKey,
		ModelName:   modelName,
		ErrorType:   errorType,
		ErrorLog:    upstream.MessageOf(callErr),
		ErrorCode:   upstream.StatusOf(callErr),
		RequestTime: at,
	}
	if s.recordRequestBody && payload != nil {
		if encoded, err := json.Marshal(payload); err == nil {
			entry.RequestMsg = string(encoded)
		}
	}
	if err := s.store.AddErrorLog(entry); err != nil {
		s.logger.Error("Failed to persist error log", "error", err)
	}
}

// GetModels fetches the upstream model listing using the dedicated
// model request key when configured, otherwise the first valid key.
// Models named in filtered are removed from the returned data array.
func (s *Service) GetModels(ctx context.Context, filtered []string) (json.RawMessage, error) {
	apiKey := s.cfg.ModelRequestKey
	if apiKey == "" {
		apiKey = s.keys.FirstValidKey()
	}
	if apiKey == "" {
		return nil, &upstream.HTTPError{
			StatusCode: http.StatusInternalServerError,
			Body:       "No valid API key available for provider '" + s.cfg.Name + "'",
		}
	}

	raw, err := s.client.Models(ctx, apiKey, s.proxyFor(apiKey))
	if err != nil {
		s.logger.Error("Get models failed", "error", err)
		return nil, err
	}
	return filterModels(raw, filtered, s.logger), nil
}

// filterModels removes deny-listed entries from a /models response.
// Bodies that don't look like a model listing pass through untouched.
func filterModels(raw json.RawMessage, filtered []string, log *slog.Logger) json.RawMessage {
	if len(filtered) == 0 {
		return raw
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	data, ok := body["data"].([]any)
	if !ok {
		return raw
	}

	denied := make(map[string]struct{}, len(filtered))
	for _, id := range filtered {
		denied[id] = struct{}{}
	}

	kept := make([]any, 0, len(data))
	for _, item := range data {
		entry, ok := item.(map[string]any)
		if ok {
			if id, ok := entry["id"].(string); ok {
				if _, deny := denied[id]; deny {
					log.Debug("Filtered out model", "model", id)
					continue
				}
			}
		}
		kept = append(kept, item)
	}
	body["data"] = kept

	encoded, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return encoded
}

// ChatCompletion handles the non-streaming path: one key, one proxy,
// one attempt. Failures are logged and surfaced immediately; the key's
// failure count is bumped so rotation reflects the outcome.
func (s *Service) ChatCompletion(ctx context.Context, req *openai.ChatRequest) (json.RawMessage, error) {
	apiKey := s.keys.NextWorkingKey()
	if apiKey == "" {
		return nil, &upstream.HTTPError{
			StatusCode: http.StatusInternalServerError,
			Body:       "No valid API key available for provider '" + s.cfg.Name + "'",
		}
	}

	payload := req.Payload()
	start := time.Now()

	raw, err := s.client.ChatCompletion(ctx, payload, apiKey, s.proxyFor(apiKey))
	latency := time.Since(start).Milliseconds()

	if err != nil {
		s.logger.Error("Chat completion failed",
			"model", req.Model, "key_suffix", logger.SafeKeySuffix(apiKey), "error", err)
		s.keys.RecordFailure(apiKey)
		s.addErrorLog(apiKey, req.Model, s.cfg.Name+"-chat-non-stream", err, payload, start)
		s.addRequestLog(req.Model, apiKey, false, upstream.StatusOf(err), latency, start)
		return nil, err
	}

	s.logger.Info("Chat completion finished",
		"model", req.Model, "latency_ms", latency)
	s.addRequestLog(req.Model, apiKey, true, http.StatusOK, latency, start)
	return raw, nil
}

// ChatStream is a streaming response whose first line has already been
// pulled from the upstream. Recv replays that line before delegating
// to the live stream.
type ChatStream struct {
	first     string
	delivered bool
	empty     bool
	stream    *upstream.Stream
}

// Recv yields the stream's lines in order, starting with the first
// line obtained during the retry loop. io.EOF ends the stream.
func (cs *ChatStream) Recv() (string, error) {
	if !cs.delivered {
		cs.delivered = true
		if cs.empty {
			return "", io.EOF
		}
		return cs.first, nil
	}
	return cs.stream.Recv()
}

// Close releases the upstream connection.
func (cs *ChatStream) Close() {
	if cs.stream != nil {
		cs.stream.Close()
	}
}

// ChatCompletionStream runs the streaming retry engine. Keys rotate on
// any failure that happens before the first line is obtained — connect
// errors, non-2xx statuses, or a broken read of the first line. Once a
// line has been pulled, the returned ChatStream delivers it and every
// subsequent line verbatim; errors after that terminate the stream
// without retrying, because bytes have already been observed
// downstream.
func (s *Service) ChatCompletionStream(ctx context.Context, req *openai.ChatRequest) (*ChatStream, error) {
	apiKey := s.keys.NextWorkingKey()
	if apiKey == "" {
		return nil, &upstream.HTTPError{
			StatusCode: http.StatusInternalServerError,
			Body:       "No valid API key available for provider '" + s.cfg.Name + "'",
		}
	}

	payload := req.Payload()
	maxAttempts := s.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for retries := 0; retries < maxAttempts; retries++ {
		start := time.Now()

		stream, err := s.client.ChatCompletionStream(ctx, payload, apiKey, s.proxyFor(apiKey))
		if err == nil {
			var first string
			first, err = stream.Recv()
			if err == io.EOF {
				s.addRequestLog(req.Model, apiKey, true, http.StatusOK, time.Since(start).Milliseconds(), start)
				stream.Close()
				return &ChatStream{empty: true}, nil
			}
			if err == nil {
				s.logger.Info("Streaming started",
					"model", req.Model, "attempt", retries+1)
				s.addRequestLog(req.Model, apiKey, true, http.StatusOK, time.Since(start).Milliseconds(), start)
				return &ChatStream{first: first, stream: stream}, nil
			}
			stream.Close()
		}

		lastErr = err
		s.logger.Warn("Streaming attempt failed",
			"model", req.Model, "attempt", retries+1, "max_retries", maxAttempts, "error", err)
		s.addErrorLog(apiKey, req.Model, s.cfg.Name+"-chat-stream", err, payload, start)
		s.addRequestLog(req.Model, apiKey, false, upstream.StatusOf(err), time.Since(start).Milliseconds(), start)

		nextKey := s.keys.HandleAPIFailure(apiKey, retries+1)
		if nextKey == "" {
			s.logger.Error("No API key available for further retries",
				"model", req.Model, "attempts", retries+1)
			return nil, lastErr
		}
		apiKey = nextKey
	}

	s.logger.Error("Max retries reached for streaming request",
		"model", req.Model, "max_retries", maxAttempts)
	return nil, lastErr
}

// Embeddings handles an embeddings request: single shot, no
// in-service retry.
func (s *Service) Embeddings(ctx context.Context, req *openai.EmbeddingRequest) (json.RawMessage, error) {
	apiKey := s.keys.NextWorkingKey()
	if apiKey == "" {
		return nil, &upstream.HTTPError{
			StatusCode: http.StatusInternalServerError,
			Body:       "No valid API key available for provider '" + s.cfg.Name + "'",
		}
	}

	payload := req.Payload()
	start := time.Now()

	raw, err := s.client.Embeddings(ctx, payload, apiKey, s.proxyFor(apiKey))
	latency := time.Since(start).Milliseconds()

	if err != nil {
		s.logger.Error("Embedding request failed",
			"model", req.Model, "key_suffix", logger.SafeKeySuffix(apiKey), "error", err)
		s.keys.RecordFailure(apiKey)
		s.addErrorLog(apiKey, req.Model, s.cfg.Name+"-embedding", err, payload, start)
		s.addRequestLog(req.Model, apiKey, false, upstream.StatusOf(err), latency, start)
		return nil, err
	}

	s.addRequestLog(req.Model, apiKey, true, http.StatusOK, latency, start)
	return raw, nil
}

// VerifyKey issues the minimal probe completion ("hi", max_tokens 10,
// non-streaming) against the provider's test model with the given key.
// A nil return means the key answered successfully.
func (s *Service) VerifyKey(ctx context.Context, apiKey string) error {
	testModel := s.cfg.TestModel
	if testModel == "" {
		testModel = config.DefaultTestModel
	}
	probe := openai.NewChatRequest(testModel, []map[string]any{
		{"role": "user", "content": "hi"},
	}, 10, false)

	_, err := s.client.ChatCompletion(ctx, probe.Payload(), apiKey, s.proxyFor(apiKey))
	return err
}
