package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"crate-rag/internal/config"
)

// ErrNoChatModel is returned when answering is requested but no chat model
// is configured.
var ErrNoChatModel = errors.New("no chat model configured")

// NewChatModel builds the chat model named by cfg.Provider. An empty
// provider yields a nil model and no error.
func NewChatModel(cfg *config.LLMConfig) (llms.Model, error) {
	log.Debug().
		Str("provider", cfg.Provider).
		Str("base_url", cfg.BaseURL).
		Str("model", cfg.Model).
		Msg("Creating chat model")

	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s chat model: %w", cfg.Provider, err)
		}
		return llm, nil
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama chat model: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}

// GenerateContent sends messages to llm and returns the text of the first
// choice.
func GenerateContent(ctx context.Context, llm llms.Model, messages []llms.MessageContent, options ...llms.CallOption) (string, error) {
	if llm == nil {
		return "", ErrNoChatModel
	}
	resp, err := llm.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	log.Debug().Str("stop_reason", resp.Choices[0].StopReason).Msg("Chat completion finished")
	return resp.Choices[0].Content, nil
}
