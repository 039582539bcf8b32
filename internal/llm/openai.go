package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator generates text with the OpenAI chat completion API.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIGenerator creates a generator for model using apiKey.
//
// Precondition: model must be non-empty; maxTokens must be > 0.
func NewOpenAIGenerator(apiKey, model string, maxTokens int) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:    openai.NewClient(apiKey),
		model:     model,
		maxTokens: maxTokens,
	}
}

// NewOpenAIGeneratorWithConfig creates a generator from a prepared client
// configuration, e.g. one pointing BaseURL at a compatible server.
func NewOpenAIGeneratorWithConfig(cfg openai.ClientConfig, model string, maxTokens int) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate sends prompt as a single user message and returns the first choice.
//
// Postcondition: Returns non-empty text, or a non-nil error.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{ //nolint:exhaustruct // readability
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return text, nil
}
