package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"crate-rag/internal/config"
)

// Backend computes one vector per text for a single batch. Provider owns
// batching, retries, caching and response validation; a backend only makes
// the call. The int result is the token usage reported by the service, or 0.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)
	Model() string
}

// NewBackend builds the backend named by cfg.Provider.
func NewBackend(cfg *config.LLMConfig) (Backend, error) {
	log.Debug().Interface("config", map[string]any{
		"provider":   cfg.Provider,
		"base_url":   cfg.BaseURL,
		"model":      cfg.Model,
		"dimensions": cfg.Dimensions,
	}).Msg("Creating embedding backend")

	switch cfg.Provider {
	case "openai":
		return NewOpenAIBackend(cfg)
	case "openrouter":
		return NewOpenRouterBackend(cfg)
	case "ollama":
		return NewOllamaBackend(cfg)
	case "hash":
		return NewHashBackend(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// langchainBackend adapts a langchaingo embedder. The embedder is created
// with a batch size no smaller than anything Provider sends, so one Embed
// call is one request.
type langchainBackend struct {
	embedder *embeddings.EmbedderImpl
	model    string
}

func (b *langchainBackend) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	vectors, err := b.embedder.EmbedDocuments(ctx, texts)
	return vectors, 0, err
}

func (b *langchainBackend) Model() string { return b.model }

// NewOpenRouterBackend talks to any OpenAI-compatible embeddings endpoint
// through langchaingo.
func NewOpenRouterBackend(cfg *config.LLMConfig) (Backend, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openrouter client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(maxBackendBatch),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openrouter embedder: %w", err)
	}
	return &langchainBackend{embedder: embedder, model: cfg.Model}, nil
}

// NewOllamaBackend embeds with a local Ollama server.
func NewOllamaBackend(cfg *config.LLMConfig) (Backend, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(maxBackendBatch),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
	}
	return &langchainBackend{embedder: embedder, model: cfg.Model}, nil
}
