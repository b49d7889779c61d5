// Package ingest turns a package's documents into stored, embedded passages.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"crate-rag/internal/config"
	"crate-rag/internal/helper"
	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
	"crate-rag/internal/parser"
)

// bytesPerToken estimates token counts when the backend reports none.
const bytesPerToken = 4

// Pipeline normalizes, chunks, embeds and stores documents. Documents are
// processed independently by up to workers goroutines; a failing document
// never affects the passages of another.
type Pipeline struct {
	store         models.VectorStore
	embedder      models.Embedder
	chunker       *parser.Chunker
	workers       int
	deferEmbed    bool
	backfillBatch int
}

type Option func(*Pipeline)

// WithWorkers bounds how many documents are processed at once.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithChunker(c *parser.Chunker) Option {
	return func(p *Pipeline) { p.chunker = c }
}

// WithDeferredEmbedding stores passages without vectors. They stay out of
// search results until Backfill embeds them.
func WithDeferredEmbedding(deferred bool) Option {
	return func(p *Pipeline) { p.deferEmbed = deferred }
}

// WithBackfillBatch sets how many pending passages Backfill loads at once.
func WithBackfillBatch(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.backfillBatch = n
		}
	}
}

func NewPipeline(store models.VectorStore, embedder models.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		embedder:      embedder,
		chunker:       parser.NewChunker(),
		workers:       models.DefaultIngestWorkers,
		backfillBatch: models.DefaultEmbeddingBatch,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// New builds a pipeline with the chunking and worker settings of cfg.
func New(cfg *config.Config, store models.VectorStore, embedder models.Embedder, opts ...Option) *Pipeline {
	base := []Option{
		WithChunker(parser.NewChunker(
			parser.WithMaxChars(cfg.RAG.ChunkSize),
			parser.WithOverlap(cfg.RAG.ChunkOverlap),
			parser.WithMinChars(cfg.RAG.ChunkMin),
		)),
		WithWorkers(cfg.RAG.IngestWorkers),
		WithBackfillBatch(cfg.RAG.EmbeddingBatchSize),
	}
	return NewPipeline(store, embedder, append(base, opts...)...)
}

type docOutcome struct {
	attempted bool
	written   int
	err       error
}

// Ingest replaces the stored passages of every document in docs. The report
// lists failures in input order. When ctx is cancelled no further documents
// are started and the report of what completed is returned with ctx.Err().
func (p *Pipeline) Ingest(ctx context.Context, packageName string, docs []models.Document) (models.IngestReport, error) {
	return p.IngestVersion(ctx, packageName, "", docs)
}

// IngestVersion is Ingest that first records version for the package. An
// empty version leaves any recorded version unchanged. If the version
// cannot be stored no document is touched.
func (p *Pipeline) IngestVersion(ctx context.Context, packageName, version string, docs []models.Document) (models.IngestReport, error) {
	report := models.IngestReport{
		JobID:   helper.JobID(),
		Package: packageName,
		Version: version,
		Errors:  []models.IngestFailure{},
	}
	if strings.TrimSpace(packageName) == "" {
		return report, models.NewValidationError("package_name", "must not be empty")
	}

	start := time.Now()
	logger := log.With().Str("job_id", report.JobID).Str("package", packageName).Logger()
	logger.Info().Int("documents", len(docs)).Str("version", version).Msg("Starting ingestion")

	if version != "" {
		if err := p.retryStore(ctx, func() error {
			return p.store.SetPackageVersion(ctx, packageName, version)
		}); err != nil {
			logger.Error().Err(err).Msg("Could not record package version")
			return report, err
		}
	}

	outcomes := make([]docOutcome, len(docs))
	seen := make(map[string]bool, len(docs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		switch {
		case doc.Path == "":
			outcomes[i] = docOutcome{err: models.NewValidationError("path", "must not be empty")}
			continue
		case seen[doc.Path]:
			outcomes[i] = docOutcome{err: fmt.Errorf("duplicate path %q in batch", doc.Path)}
			continue
		}
		seen[doc.Path] = true

		i, doc := i, doc // per-iteration copies (go.mod targets go 1.21)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			written, err := p.ingestDocument(ctx, packageName, doc)
			outcomes[i] = docOutcome{attempted: true, written: written, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if o.attempted {
			report.Processed++
			report.Written += o.written
		}
		if o.err != nil {
			report.Errors = append(report.Errors, models.IngestFailure{Path: docs[i].Path, Reason: o.err.Error()})
			logger.Warn().Err(o.err).Str("path", docs[i].Path).Msg("Document failed")
		}
		switch {
		case o.err != nil:
			metrics.DocumentsIngested.WithLabelValues("error").Inc()
		case o.attempted:
			metrics.DocumentsIngested.WithLabelValues("ok").Inc()
		}
	}
	metrics.PassagesWritten.Add(float64(report.Written))
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())

	logger.Info().
		Int("processed", report.Processed).
		Int("written", report.Written).
		Int("failed", len(report.Errors)).
		Dur("took", time.Since(start)).
		Msg("Ingestion finished")
	return report, ctx.Err()
}

func (p *Pipeline) ingestDocument(ctx context.Context, packageName string, doc models.Document) (int, error) {
	chunks := p.chunker.Chunk(parser.Normalize(doc.Content))
	if len(chunks) == 0 {
		log.Debug().Str("package", packageName).Str("path", doc.Path).Msg("Document is empty, removing its passages")
		return 0, p.retryStore(ctx, func() error {
			return p.store.DeleteDocument(ctx, packageName, doc.Path)
		})
	}

	var vectors [][]float32
	var tokens []int
	if p.deferEmbed {
		tokens = estimateTokens(chunks, 0)
	} else {
		var meta models.EmbeddingMeta
		var err error
		vectors, meta, err = p.embedder.GenerateEmbeddings(ctx, chunks)
		if err != nil {
			return 0, err
		}
		reported := meta.Tokens
		if meta.CacheHits > 0 {
			reported = 0
		}
		tokens = estimateTokens(chunks, reported)
	}

	rows := make([]models.Passage, len(chunks))
	for i, c := range chunks {
		rows[i] = models.Passage{
			PackageName:  packageName,
			DocPath:      doc.Path,
			PassageIndex: i,
			Content:      c,
			TokenCount:   tokens[i],
		}
		if vectors != nil {
			rows[i].Embedding = vectors[i]
		}
	}

	if err := p.retryStore(ctx, func() error { return p.store.UpsertPassages(ctx, rows) }); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// retryStore runs op and, when it fails for a reason other than bad input
// or a finished context, runs it once more. Store writes are keyed, so a
// repeat is safe.
func (p *Pipeline) retryStore(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || models.IsValidation(err) || ctx.Err() != nil {
		return err
	}
	log.Warn().Err(err).Msg("Store write failed, retrying once")
	return op()
}

// estimateTokens splits reported across chunks by byte length. With nothing
// reported each chunk is estimated at bytesPerToken bytes per token.
func estimateTokens(chunks []string, reported int) []int {
	out := make([]int, len(chunks))
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if reported <= 0 || total == 0 {
		for i, c := range chunks {
			out[i] = max(1, (len(c)+bytesPerToken-1)/bytesPerToken)
		}
		return out
	}

	left := reported
	for i, c := range chunks {
		if i == len(chunks)-1 {
			out[i] = left
			break
		}
		out[i] = reported * len(c) / total
		left -= out[i]
	}
	return out
}

// Backfill embeds passages of packageName that were stored without vectors.
// An empty packageName covers every package. It returns how many passages
// were embedded; on error the passages embedded so far stay embedded.
func (p *Pipeline) Backfill(ctx context.Context, packageName string) (int, error) {
	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		pending, err := p.store.PendingPassages(ctx, packageName, p.backfillBatch)
		if err != nil {
			return done, err
		}
		if len(pending) == 0 {
			break
		}

		texts := make([]string, len(pending))
		for i, r := range pending {
			texts[i] = r.Content
		}
		vectors, _, err := p.embedder.GenerateEmbeddings(ctx, texts)
		if err != nil {
			return done, err
		}
		for i := range pending {
			pending[i].Embedding = vectors[i]
		}
		if err := p.store.SetEmbeddings(ctx, pending); err != nil {
			log.Error().Err(err).Int("embedded", done).Msg("Backfill stopped")
			return done, err
		}
		done += len(pending)
		metrics.PassagesWritten.Add(float64(len(pending)))
		log.Debug().Str("package", packageName).Int("embedded", done).Msg("Backfill progress")
	}

	log.Info().Str("package", packageName).Int("embedded", done).Msg("Backfill finished")
	return done, nil
}
