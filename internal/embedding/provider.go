package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"crate-rag/internal/config"
	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
)

// maxBackendBatch caps a single backend request.
const maxBackendBatch = 2048

// Provider turns texts into vectors through a Backend. It splits the input
// into batches, serves repeated texts from an LRU cache, throttles requests
// with a token bucket shared by all callers and retries transient failures.
// A Provider is safe for concurrent use.
type Provider struct {
	backend    Backend
	dims       int
	batchSize  int
	retryLimit int
	timeout    time.Duration
	limiter    *rate.Limiter
	cache      *lru.Cache[string, []float32]
	newBackOff func() backoff.BackOff
}

type ProviderOption func(*Provider) error

func WithBatchSize(n int) ProviderOption {
	return func(p *Provider) error {
		if n < 1 || n > maxBackendBatch {
			return fmt.Errorf("batch size must be in [1, %d], got %d", maxBackendBatch, n)
		}
		p.batchSize = n
		return nil
	}
}

// WithRetryLimit sets how many times a failing batch is retried.
func WithRetryLimit(n int) ProviderOption {
	return func(p *Provider) error {
		if n < 0 {
			return fmt.Errorf("retry limit must not be negative, got %d", n)
		}
		p.retryLimit = n
		return nil
	}
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		p.timeout = d
		return nil
	}
}

// WithRateLimit allows rps requests per second with the given burst. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ProviderOption {
	return func(p *Provider) error {
		if rps <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithCacheSize keeps up to n vectors keyed by model and text. Zero disables
// the cache.
func WithCacheSize(n int) ProviderOption {
	return func(p *Provider) error {
		if n <= 0 {
			p.cache = nil
			return nil
		}
		cache, err := lru.New[string, []float32](n)
		if err != nil {
			return err
		}
		p.cache = cache
		return nil
	}
}

// WithBackOff replaces the retry interval policy.
func WithBackOff(newBackOff func() backoff.BackOff) ProviderOption {
	return func(p *Provider) error {
		p.newBackOff = newBackOff
		return nil
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewProvider wraps backend. dims is the dimensionality every returned
// vector must have.
func NewProvider(backend Backend, dims int, opts ...ProviderOption) (*Provider, error) {
	if dims < 1 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	p := &Provider{
		backend:    backend,
		dims:       dims,
		batchSize:  models.DefaultEmbeddingBatch,
		retryLimit: models.DefaultRetryLimit,
		timeout:    time.Duration(models.DefaultProviderTimeoutMs) * time.Millisecond,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// New builds the backend named in cfg.EmbedLLM and wraps it with the
// batching, retry, rate limit and cache settings from cfg.RAG.
func New(cfg *config.Config) (*Provider, error) {
	backend, err := NewBackend(&cfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	return NewProvider(backend, cfg.EmbedLLM.Dimensions,
		WithBatchSize(cfg.RAG.EmbeddingBatchSize),
		WithRetryLimit(cfg.RAG.ProviderRetryLimit),
		WithTimeout(cfg.RAG.ProviderTimeout()),
		WithRateLimit(cfg.RAG.ProviderRequestsPerSecond, cfg.RAG.ProviderBurst),
		WithCacheSize(cfg.RAG.EmbeddingCacheSize),
	)
}

func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) Model() string { return p.backend.Model() }

// GenerateEmbeddings returns one vector per text in input order. On failure
// no vectors are returned and the error is a *models.ProviderError whose
// Index is the input position of the first text of the failing batch.
func (p *Provider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, models.EmbeddingMeta, error) {
	meta := models.EmbeddingMeta{Model: p.backend.Model(), Dimensions: p.dims}
	out := make([][]float32, len(texts))

	var missing []int
	for i, text := range texts {
		if v, ok := p.cacheGet(text); ok {
			out[i] = v
			meta.CacheHits++
			continue
		}
		missing = append(missing, i)
	}
	metrics.EmbeddingCacheHits.Add(float64(meta.CacheHits))

	for start := 0; start < len(missing); start += p.batchSize {
		idx := missing[start:min(start+p.batchSize, len(missing))]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		res, err := p.embedBatch(ctx, batch)
		meta.Batches++
		meta.Retries += res.retries
		meta.Tokens += res.tokens
		metrics.EmbeddingBatches.WithLabelValues(metrics.Outcome(err)).Inc()
		metrics.EmbeddingRetries.Add(float64(res.retries))
		if err != nil {
			log.Error().Err(err).
				Int("index", idx[0]).
				Int("batch_size", len(batch)).
				Int("retries", res.retries).
				Msg("Embedding batch failed")
			return nil, meta, &models.ProviderError{Index: idx[0], Err: err}
		}

		metrics.TokensEmbedded.Add(float64(res.tokens))
		for j, i := range idx {
			out[i] = res.vectors[j]
			p.cachePut(texts[i], res.vectors[j])
		}
	}

	log.Debug().
		Int("texts", len(texts)).
		Int("batches", meta.Batches).
		Int("cache_hits", meta.CacheHits).
		Int("retries", meta.Retries).
		Msg("Generated embeddings")
	return out, meta, nil
}

func (p *Provider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(p.backend.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (p *Provider) cacheGet(text string) ([]float32, bool) {
	if p.cache == nil {
		return nil, false
	}
	v, ok := p.cache.Get(p.cacheKey(text))
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

func (p *Provider) cachePut(text string, v []float32) {
	if p.cache == nil {
		return
	}
	p.cache.Add(p.cacheKey(text), append([]float32(nil), v...))
}
