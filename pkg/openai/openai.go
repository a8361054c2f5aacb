// Package openai provides embedding and chat clients for the OpenAI HTTP API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/cortexqa/engine/engine/domain"
	"github.com/cortexqa/engine/pkg/fn"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultEmbedModel is the embedding model used when none is configured.
	DefaultEmbedModel = "text-embedding-3-small"
	// DefaultChatModel is the chat model used when none is configured.
	DefaultChatModel = "gpt-4o-mini"
)

// Config holds client configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Timeout    time.Duration
	// RequestsPerSecond caps outbound calls. Zero disables the limiter.
	RequestsPerSecond float64
	Retry             fn.RetryOpts
}

// Client talks to the OpenAI API with rate limiting and retries.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fn.DefaultRetry
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
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	result := fn.Retry(ctx, c.cfg.Retry, func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(c.embedOnce(ctx, text))
	})
	return result.Unwrap()
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	err := c.post(ctx, "/embeddings", embedRequest{Model: c.cfg.EmbedModel, Input: text}, &out)
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("openai: embed: empty response")
	}
	return out.Data[0].Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate returns a chat completion for the conversation.
func (c *Client) Generate(ctx context.Context, msgs []domain.Message) (string, error) {
	result := fn.Retry(ctx, c.cfg.Retry, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(c.generateOnce(ctx, msgs))
	})
	return result.Unwrap()
}

func (c *Client) generateOnce(ctx context.Context, msgs []domain.Message) (string, error) {
	req := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: fn.Map(msgs, func(m domain.Message) chatMessage {
			return chatMessage{Role: m.Role, Content: m.Content}
		}),
	}
	var out chatResponse
	if err := c.post(ctx, "/chat/completions", req, &out); err != nil {
		return "", fmt.Errorf("openai: chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: chat: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
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
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
