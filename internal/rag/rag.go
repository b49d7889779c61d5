package rag

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"crate-rag/internal/config"
	"crate-rag/internal/llmservice"
	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
	"crate-rag/internal/parser"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Engine answers queries against the vector store. It holds no mutable
// state of its own and is safe for concurrent use.
type Engine struct {
	store    models.VectorStore
	embedder models.Embedder
	chat     llms.Model
	defaultK int
}

// NewEngine wires an engine. chat may be nil, in which case Answer fails
// with llmservice.ErrNoChatModel.
func NewEngine(store models.VectorStore, embedder models.Embedder, chat llms.Model, defaultK int) *Engine {
	if defaultK < 1 {
		defaultK = models.DefaultSearchK
	}
	return &Engine{store: store, embedder: embedder, chat: chat, defaultK: defaultK}
}

func New(cfg *config.Config, store models.VectorStore, embedder models.Embedder, chat llms.Model) *Engine {
	return NewEngine(store, embedder, chat, cfg.RAG.SearchDefaultK)
}

// Search returns the k passages most similar to query, optionally limited
// to one package. k of zero means the configured default.
func (e *Engine) Search(ctx context.Context, query, packageName string, k int) (results []models.SearchResult, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordSearch(len(results), time.Since(start).Seconds(), err)
	}()

	switch {
	case k < 0:
		return nil, models.NewValidationError("k", fmt.Sprintf("must not be negative, got %d", k))
	case k == 0:
		k = e.defaultK
	}
	text := parser.Normalize(query)
	if strings.TrimSpace(text) == "" {
		return nil, models.NewValidationError("query", "must not be empty")
	}

	vectors, _, err := e.embedder.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	results, err = e.store.Search(ctx, vectors[0], packageName, k)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("query", text).
		Str("package", packageName).
		Int("k", k).
		Int("results", len(results)).
		Dur("took", time.Since(start)).
		Msg("Search finished")
	return results, nil
}

// Answer retrieves passages for query and asks the chat model to answer
// from them.
func (e *Engine) Answer(ctx context.Context, query, packageName string, k int) (*models.PromptResponse, error) {
	if e.chat == nil {
		return nil, llmservice.ErrNoChatModel
	}
	results, err := e.Search(ctx, query, packageName, k)
	if err != nil {
		return nil, err
	}

	passages := make([]string, len(results))
	var sources []string
	seen := make(map[string]bool)
	for i, r := range results {
		passages[i] = fmt.Sprintf("[%s %s#%d]\n%s", r.PackageName, r.DocPath, r.PassageIndex, r.Content)
		src := r.PackageName + "/" + r.DocPath
		if !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, models.AnswerSystemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman,
			fmt.Sprintf(models.AnswerPromptTemplate, strings.Join(passages, models.ContextSeparator), query)),
	}
	content, err := llmservice.GenerateContent(ctx, e.chat, messages)
	if err != nil {
		return nil, err
	}

	return &models.PromptResponse{
		Query:   query,
		Source:  strings.Join(sources, ", "),
		Content: strings.TrimSpace(thinkRe.ReplaceAllString(content, "")),
		Results: results,
	}, nil
}
