// Package ollama provides embedding and chat clients for a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/cortexqa/engine/engine/domain"
)

// Config holds client configuration.
type Config struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Timeout    time.Duration
	// RequestsPerSecond caps outbound calls. Zero disables the limiter.
	RequestsPerSecond float64
}

// Client talks to an Ollama server over HTTP.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Client with defaults for a local Ollama install.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "nomic-embed-text"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "llama3.2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	if err := c.post(ctx, "/api/embeddings", embedRequest{Model: c.cfg.EmbedModel, Prompt: text}, &result); err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Generate returns a chat completion for the conversation.
func (c *Client) Generate(ctx context.Context, msgs []domain.Message) (string, error) {
	req := chatRequest{Model: c.cfg.ChatModel, Stream: false}
	for _, m := range msgs {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var result chatResponse
	if err := c.post(ctx, "/api/chat", req, &result); err != nil {
		return "", fmt.Errorf("ollama: chat: %w", err)
	}
	return result.Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
