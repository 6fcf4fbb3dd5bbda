// Package openai holds the wire-level request types. Requests are
// forwarded verbatim, so both types keep the raw decoded body and only
// surface the fields the gateway itself needs for routing.
package openai

import "encoding/json"

// ChatRequest is a chat-completion request body. Unknown fields are
// preserved and forwarded.
type ChatRequest struct {
	Model  string
	Stream bool

	fields map[string]any
}

// UnmarshalJSON keeps the full body while lifting out the routing
// fields.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.fields = fields
	if v, ok := fields["model"].(string); ok {
		r.Model = v
	}
	if v, ok := fields["stream"].(bool); ok {
		r.Stream = v
	}
	return nil
}

// NewChatRequest builds a minimal request, used by the key
// revalidation probe.
func NewChatRequest(model string, messages []map[string]any, maxTokens int, stream bool) *ChatRequest {
	return &ChatRequest{
		Model:  model,
		Stream: stream,
		fields: map[string]any{
			"model":      model,
			"messages":   messages,
			"max_tokens": maxTokens,
			"stream":     stream,
		},
	}
}

// Payload dumps the request for forwarding: null fields are dropped,
// as is top_k, which the upstreams do not accept. Everything else goes
// through unchanged.
func (r *ChatRequest) Payload() map[string]any {
	payload := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		if v == nil || k == "top_k" {
			continue
		}
		payload[k] = v
	}
	return payload
}

// EmbeddingRequest is an embeddings request body.
type EmbeddingRequest struct {
	Model string
	Input any

	fields map[string]any
}

func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.fields = fields
	if v, ok := fields["model"].(string); ok {
		r.Model = v
	}
	r.Input = fields["input"]
	return nil
}

// Payload dumps the request with null fields dropped.
func (r *EmbeddingRequest) Payload() map[string]any {
	payload := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		if v == nil {
			continue
		}
		payload[k] = v
	}
	return payload
}
