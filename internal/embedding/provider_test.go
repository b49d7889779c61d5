package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crate-rag/internal/config"
	"crate-rag/internal/models"
)

// scriptedBackend embeds with a HashBackend but fails calls according to a
// script of errors, consumed one per call.
type scriptedBackend struct {
	mu      sync.Mutex
	hash    *HashBackend
	script  []error
	calls   [][]string
	mangler func([][]float32) [][]float32
	block   bool
}

func newScripted(dims int, script ...error) *scriptedBackend {
	return &scriptedBackend{hash: NewHashBackend(dims), script: script}
}

func (b *scriptedBackend) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	b.mu.Lock()
	b.calls = append(b.calls, append([]string(nil), texts...))
	var err error
	if len(b.script) > 0 {
		err, b.script = b.script[0], b.script[1:]
	}
	block := b.block
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if err != nil {
		return nil, 0, err
	}
	vectors, tokens, _ := b.hash.Embed(ctx, texts)
	if b.mangler != nil {
		vectors = b.mangler(vectors)
	}
	return vectors, tokens, nil
}

func (b *scriptedBackend) Model() string { return "scripted" }

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newTestProvider(t *testing.T, backend Backend, opts ...ProviderOption) *Provider {
	t.Helper()
	opts = append([]ProviderOption{WithBackOff(zeroBackOff)}, opts...)
	p, err := NewProvider(backend, 32, opts...)
	require.NoError(t, err)
	return p
}

func TestGenerateEmbeddings_OrderAndBatching(t *testing.T) {
	backend := newScripted(32)
	p := newTestProvider(t, backend, WithBatchSize(2))
	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}

	vectors, meta, err := p.GenerateEmbeddings(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		want, _ := NewHashBackend(32).vector(text)
		assert.Equal(t, want, vectors[i], "vector %d out of order", i)
	}
	assert.Equal(t, 3, meta.Batches)
	assert.Equal(t, 3, backend.callCount())
	assert.Equal(t, []string{"epsilon"}, backend.calls[2])
	assert.Equal(t, "scripted", meta.Model)
	assert.Equal(t, 32, meta.Dimensions)
}

func TestGenerateEmbeddings_Empty(t *testing.T) {
	backend := newScripted(32)
	p := newTestProvider(t, backend)

	vectors, meta, err := p.GenerateEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, meta.Batches)
	assert.Zero(t, backend.callCount())
}

func TestGenerateEmbeddings_RetriesTransientFailures(t *testing.T) {
	backend := newScripted(32,
		&openai.APIError{HTTPStatusCode: 429, Message: "slow down"},
		errors.New("upstream returned 503"),
	)
	p := newTestProvider(t, backend, WithRetryLimit(3))

	vectors, meta, err := p.GenerateEmbeddings(context.Background(), []string{"one"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 2, meta.Retries)
	assert.Equal(t, 3, backend.callCount())
}

func TestGenerateEmbeddings_ExhaustedRetriesReportBatchIndex(t *testing.T) {
	transient := &openai.APIError{HTTPStatusCode: 500, Message: "boom"}
	// First batch succeeds, second batch fails on every attempt.
	backend := newScripted(32, nil, transient, transient, transient)
	p := newTestProvider(t, backend, WithBatchSize(2), WithRetryLimit(2))

	vectors, meta, err := p.GenerateEmbeddings(context.Background(), []string{"a", "b", "c", "d"})
	require.Error(t, err)
	assert.Nil(t, vectors)

	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Index)
	assert.Equal(t, 2, meta.Retries)
	assert.Equal(t, 4, backend.callCount())
}

func TestGenerateEmbeddings_PermanentFailureNotRetried(t *testing.T) {
	backend := newScripted(32, &openai.APIError{HTTPStatusCode: 400, Message: "bad input"})
	p := newTestProvider(t, backend, WithRetryLimit(3))

	_, meta, err := p.GenerateEmbeddings(context.Background(), []string{"x"})

	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Index)
	assert.Zero(t, meta.Retries)
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerateEmbeddings_WrongDimensionsNotRetried(t *testing.T) {
	backend := newScripted(32)
	backend.mangler = func(v [][]float32) [][]float32 {
		v[0] = v[0][:8]
		return v
	}
	p := newTestProvider(t, backend, WithRetryLimit(3))

	_, _, err := p.GenerateEmbeddings(context.Background(), []string{"x", "y"})

	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "dimensions")
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerateEmbeddings_WrongCountNotRetried(t *testing.T) {
	backend := newScripted(32)
	backend.mangler = func(v [][]float32) [][]float32 { return v[:1] }
	p := newTestProvider(t, backend)

	_, _, err := p.GenerateEmbeddings(context.Background(), []string{"x", "y"})

	require.Error(t, err)
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerateEmbeddings_CallTimeout(t *testing.T) {
	backend := newScripted(32)
	backend.block = true
	p := newTestProvider(t, backend, WithTimeout(20*time.Millisecond), WithRetryLimit(1))

	_, meta, err := p.GenerateEmbeddings(context.Background(), []string{"slow"})

	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, models.IsTimeout(err))
	assert.Equal(t, 1, meta.Retries)
	assert.Equal(t, 2, backend.callCount())
}

func TestGenerateEmbeddings_CancelledContext(t *testing.T) {
	backend := newScripted(32, errors.New("connection refused"))
	p := newTestProvider(t, backend, WithRetryLimit(5))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.GenerateEmbeddings(ctx, []string{"x"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, backend.callCount())
}

func TestGenerateEmbeddings_Cache(t *testing.T) {
	backend := newScripted(32)
	p := newTestProvider(t, backend, WithCacheSize(16))

	first, _, err := p.GenerateEmbeddings(context.Background(), []string{"serde", "tokio"})
	require.NoError(t, err)

	second, meta, err := p.GenerateEmbeddings(context.Background(), []string{"tokio", "rand", "serde"})
	require.NoError(t, err)

	assert.Equal(t, 2, meta.CacheHits)
	assert.Equal(t, 1, meta.Batches)
	assert.Equal(t, []string{"rand"}, backend.calls[1])
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	// Callers own returned vectors.
	second[0][0] = 42
	third, _, err := p.GenerateEmbeddings(context.Background(), []string{"tokio"})
	require.NoError(t, err)
	assert.Equal(t, first[1], third[0])
}

func TestNewProvider_RejectsBadOptions(t *testing.T) {
	_, err := NewProvider(NewHashBackend(8), 0)
	assert.Error(t, err)
	_, err = NewProvider(NewHashBackend(8), 8, WithBatchSize(0))
	assert.Error(t, err)
	_, err = NewProvider(NewHashBackend(8), 8, WithRetryLimit(-1))
	assert.Error(t, err)
	_, err = NewProvider(NewHashBackend(8), 8, WithTimeout(0))
	assert.Error(t, err)
}

func TestNew_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.EmbedLLM.Dimensions = 64

	p, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 64, p.Dimensions())
	assert.Equal(t, "hash-64", p.Model())
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&openai.APIError{HTTPStatusCode: 429}, true},
		{&openai.APIError{HTTPStatusCode: 502}, true},
		{&openai.APIError{HTTPStatusCode: 401}, false},
		{&openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, true},
		{&models.TimeoutError{Op: "embedding call", Err: context.DeadlineExceeded}, true},
		{&invalidResponseError{reason: "short"}, false},
		{context.Canceled, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("model not found"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isTransient(tc.err), "%v", tc.err)
	}
}
