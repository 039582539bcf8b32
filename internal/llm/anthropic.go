package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator generates text with the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicGenerator creates a generator for model using apiKey.
// An empty apiKey defers to the ANTHROPIC_API_KEY environment variable.
//
// Precondition: model must be non-empty; maxTokens must be > 0.
func NewAnthropicGenerator(apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicGenerator {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Generate sends prompt as a single user message and returns the
// concatenated text blocks of the reply.
//
// Postcondition: Returns non-empty text, or a non-nil error.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: creating message: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return text, nil
}
