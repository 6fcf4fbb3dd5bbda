// Package upstream is the HTTP wrapper around one OpenAI-compatible
// upstream: unary and streaming round-trips with per-call proxy
// selection and proxy health reporting.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPError carries a non-2xx upstream response. The numeric status is
// threaded end to end so callers never parse it out of message text.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// StatusOf extracts the upstream status from an error chain, falling
// back to 500 for transport-level failures.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return http.StatusInternalServerError
}

// MessageOf extracts the upstream body from an error chain, falling
// back to the error text.
func MessageOf(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Body
	}
	return err.Error()
}

// ProxyReporter receives per-call proxy outcomes. The proxy manager
// implements it; a nil reporter disables reporting.
type ProxyReporter interface {
	RecordSuccess(proxy string)
	RecordFailure(proxy string) bool
}

// Client issues requests against one upstream base URL. It is
// stateless apart from its configuration and safe for concurrent use.
type Client struct {
	baseURL  string
	timeout  time.Duration
	headers  map[string]string
	reporter ProxyReporter
	logger   *slog.Logger
}

// NewClient creates a client. headers are merged into every request
// after the Authorization header; reporter may be nil.
func NewClient(baseURL string, timeout time.Duration, headers map[string]string, reporter ProxyReporter, log *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		timeout:  timeout,
		headers:  headers,
		reporter: reporter,
		logger:   log.With("component", "upstream"),
	}
}

// BaseURL returns the configured upstream base.
func (c *Client) BaseURL() string { return c.baseURL }

// httpClient builds a client routed through the given proxy URL. The
// http, https, and socks5 schemes are all handled by the transport's
// proxy support. An empty proxy means a direct connection.
func (c *Client) httpClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

func (c *Client) applyHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) reportProxy(proxy string, success bool) {
	if c.reporter == nil || proxy == "" {
		return
	}
	if success {
		c.reporter.RecordSuccess(proxy)
	} else {
		c.reporter.RecordFailure(proxy)
	}
}

// doJSON performs one unary round-trip and returns the raw response
// body on 2xx. Non-2xx becomes an HTTPError carrying the body.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload any, apiKey, proxy string, timeout time.Duration) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, apiKey)

	client, err := c.httpClient(proxy, timeout)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		c.reportProxy(proxy, false)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.reportProxy(proxy, false)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.reportProxy(proxy, false)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	c.reportProxy(proxy, true)
	return respBody, nil
}

// Models fetches the upstream model listing. The models endpoint uses
// a short fixed timeout independent of the chat timeout.
func (c *Client) Models(ctx context.Context, apiKey, proxy string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, "/models", nil, apiKey, proxy, 30*time.Second)
}

// ChatCompletion performs a non-streaming chat completion.
func (c *Client) ChatCompletion(ctx context.Context, payload map[string]any, apiKey, proxy string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, "/chat/completions", payload, apiKey, proxy, c.timeout)
}

// Embeddings performs an embeddings request.
func (c *Client) Embeddings(ctx context.Context, payload map[string]any, apiKey, proxy string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, "/embeddings", payload, apiKey, proxy, c.timeout)
}

// ChatCompletionStream opens a streaming chat completion. A non-2xx
// status fails here, before any line is produced, with an HTTPError —
// callers rely on that ordering to retry with another key without
// having delivered anything downstream.
func (c *Client) ChatCompletionStream(ctx context.Context, payload map[string]any, apiKey, proxy string) (*Stream, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, apiKey)

	client, err := c.httpClient(proxy, c.timeout)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		c.reportProxy(proxy, false)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.reportProxy(proxy, false)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	c.reportProxy(proxy, true)
	return newStream(resp), nil
}
