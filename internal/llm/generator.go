// Package llm adapts hosted language-model APIs to the single text-generation
// contract used by conversation sessions: prompt in, text or error out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/config"
)

// ErrEmptyResponse is returned when the service answers without any text.
var ErrEmptyResponse = errors.New("empty response")

// ErrDisabled is returned by the Disabled generator.
var ErrDisabled = errors.New("text generation disabled")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Disabled is a Generator that always fails, so every conversation turn
// resolves to fallback dialogue.
var Disabled Generator = GeneratorFunc(func(context.Context, string) (string, error) {
	return "", ErrDisabled
})

// New builds the Generator selected by cfg.Provider, wrapped with a per-call
// timeout and call logging.
//
// Precondition: cfg must have passed validation.
// Postcondition: Returns a non-nil Generator or a non-nil error.
func New(cfg config.LLMConfig, logger *zap.Logger) (Generator, error) {
	var g Generator
	switch cfg.Provider {
	case config.ProviderAnthropic:
		g = NewAnthropicGenerator(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case config.ProviderOpenAI:
		g = NewOpenAIGenerator(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case config.ProviderNone:
		g = Disabled
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return &loggingGenerator{next: g, provider: cfg.Provider, timeout: cfg.Timeout, logger: logger}, nil
}

type loggingGenerator struct {
	next     Generator
	provider string
	timeout  time.Duration
	logger   *zap.Logger
}

func (g *loggingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := g.next.Generate(ctx, prompt)
	if err != nil {
		g.logger.Warn("llm: generation failed",
			zap.String("provider", g.provider),
			zap.Int("prompt_len", len(prompt)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}
	g.logger.Debug("llm: generation complete",
		zap.String("provider", g.provider),
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}
