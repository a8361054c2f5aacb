// Package anthropic provides a chat generation client backed by the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/cortexqa/engine/engine/domain"
)

// DefaultModel is used when no model is configured.
const DefaultModel = anthropic.ModelClaude3_5HaikuLatest

// Config holds client configuration.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
}

// Client generates chat completions via the Anthropic API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New creates a Client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate sends the conversation to the Messages API and returns the
// concatenated text blocks of the reply. System messages are passed via the
// dedicated system field.
func (c *Client) Generate(ctx context.Context, msgs []domain.Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{
				Text: m.Content,
				Type: constant.ValueOf[constant.Text]().Default(),
			})
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: messages: %w", err)
	}

	var reply string
	for _, block := range message.Content {
		if block.Type == "text" {
			reply += block.Text
		}
	}
	return reply, nil
}
