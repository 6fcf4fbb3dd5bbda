package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OnlineMo/OpenAi-Balance/internal/openai"
	"github.com/OnlineMo/OpenAi-Balance/internal/provider"
	"github.com/OnlineMo/OpenAi-Balance/internal/upstream"
)

// respondError renders the upstream-style error envelope with the HTTP
// status taken from the error.
func respondError(c *gin.Context, err error) {
	status := upstream.StatusOf(err)
	c.JSON(status, gin.H{
		"error": gin.H{"code": status, "message": upstream.MessageOf(err)},
	})
}

func (r *Router) handleModels(c *gin.Context, svc *provider.Service) {
	settings := r.currentSettings()

	raw, err := svc.GetModels(c.Request.Context(), settings.FilteredModels)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (r *Router) handleChatCompletion(c *gin.Context, svc *provider.Service) {
	var req openai.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": http.StatusBadRequest, "message": "Invalid request body: " + err.Error()},
		})
		return
	}

	settings := r.currentSettings()
	for _, denied := range settings.FilteredModels {
		if req.Model == denied {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": http.StatusBadRequest, "message": "Model " + req.Model + " is not supported"},
			})
			return
		}
	}

	if req.Stream {
		r.streamChatCompletion(c, svc, &req)
		return
	}

	raw, err := svc.ChatCompletion(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// streamChatCompletion implements the first-chunk sentinel contract:
// an error raised before any line was produced becomes a JSON error
// response; a first line starting with "data:" begins a
// text/event-stream; anything else is a degenerate non-stream body
// passed through as-is.
func (r *Router) streamChatCompletion(c *gin.Context, svc *provider.Service, req *openai.ChatRequest) {
	stream, err := svc.ChatCompletionStream(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	defer stream.Close()

	first, err := stream.Recv()
	if err == io.EOF {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	if strings.HasPrefix(first, "data:") {
		r.relaySSE(c, stream, first)
		return
	}

	// Degenerate case: the upstream answered the stream request with a
	// plain body. Collect it and pass the object through.
	var body strings.Builder
	body.WriteString(first)
	for {
		line, err := stream.Recv()
		if err != nil {
			break
		}
		body.WriteString("\n")
		body.WriteString(line)
	}
	if json.Valid([]byte(body.String())) {
		c.Data(http.StatusOK, "application/json", []byte(body.String()))
		return
	}
	c.String(http.StatusOK, body.String())
}

// relaySSE writes the first line and every subsequent line verbatim,
// one newline per line, flushing as it goes. A failed write means the
// client went away; the upstream read loop stops with it.
func (r *Router) relaySSE(c *gin.Context, stream *provider.ChatStream, first string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	writeLine := func(line string) bool {
		if _, err := io.WriteString(c.Writer, line+"\n"); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !writeLine(first) {
		return
	}
	for {
		line, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			r.logger.Warn("Stream terminated mid-flight", "error", err)
			return
		}
		if !writeLine(line) {
			return
		}
	}
}

func (r *Router) handleEmbeddings(c *gin.Context, svc *provider.Service) {
	var req openai.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": http.StatusBadRequest, "message": "Invalid request body: " + err.Error()},
		})
		return
	}

	raw, err := svc.Embeddings(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}
