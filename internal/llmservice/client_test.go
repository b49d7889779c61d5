package llmservice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"crate-rag/internal/config"
)

type fakeModel struct {
	resp *llms.ContentResponse
	err  error
	got  []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = messages
	return f.resp, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestGenerateContent(t *testing.T) {
	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "answer"}}}}
	msgs := []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, "question")}

	out, err := GenerateContent(context.Background(), m, msgs)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, msgs, m.got)
}

func TestGenerateContent_Errors(t *testing.T) {
	_, err := GenerateContent(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoChatModel)

	_, err = GenerateContent(context.Background(), &fakeModel{resp: &llms.ContentResponse{}}, nil)
	assert.Error(t, err)

	cause := errors.New("upstream 503")
	_, err = GenerateContent(context.Background(), &fakeModel{err: cause}, nil)
	assert.ErrorIs(t, err, cause)
}

func TestNewChatModel(t *testing.T) {
	m, err := NewChatModel(&config.LLMConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewChatModel(&config.LLMConfig{Provider: "bard"})
	assert.Error(t, err)

	m, err = NewChatModel(&config.LLMConfig{Provider: "ollama", BaseURL: "http://localhost:11434", Model: "llama3"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}
