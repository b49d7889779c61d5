package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"crate-rag/internal/config"
)

const defaultOpenAIModel = string(openai.SmallEmbedding3)

// OpenAIBackend calls the OpenAI embeddings API with the whole batch as one
// request.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	dims   int
}

func NewOpenAIBackend(cfg *config.LLMConfig) (*OpenAIBackend, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("openai embedding backend needs an API key (embed_llm.key or OPENAI_API_KEY)")
	}
	clientCfg := openai.DefaultConfig(cfg.Key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dims:   cfg.Dimensions,
	}, nil
}

func (b *OpenAIBackend) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	resp, err := b.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(b.model),
		Dimensions: b.dims,
	})
	if err != nil {
		return nil, 0, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, 0, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, resp.Usage.TotalTokens, nil
}

func (b *OpenAIBackend) Model() string { return b.model }
