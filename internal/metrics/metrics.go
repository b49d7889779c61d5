// Package metrics holds the Prometheus collectors for ingestion, search and
// the embedding provider. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craterag_documents_ingested_total",
		Help: "Documents processed by ingestion, by outcome",
	}, []string{"outcome"})
	PassagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craterag_passages_written_total",
		Help: "Passages written to the vector store",
	})
	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "craterag_ingestion_duration_seconds",
		Help:    "Duration of ingestion jobs in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	EmbeddingBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craterag_embedding_batches_total",
		Help: "Embedding batches sent to the backend, by outcome",
	}, []string{"outcome"})
	EmbeddingRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craterag_embedding_retries_total",
		Help: "Embedding calls retried after a transient failure",
	})
	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craterag_embedding_cache_hits_total",
		Help: "Texts served from the embedding cache",
	})
	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "craterag_embedding_call_duration_seconds",
		Help:    "Duration of single embedding backend calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	TokensEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craterag_tokens_embedded_total",
		Help: "Tokens reported by the embedding backend",
	})

	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craterag_search_requests_total",
		Help: "Search requests, by outcome",
	}, []string{"outcome"})
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "craterag_search_duration_seconds",
		Help:    "Duration of search requests in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	SearchResultCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "craterag_search_results",
		Help:    "Results returned per search",
		Buckets: prometheus.LinearBuckets(0, 5, 20),
	})

	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craterag_store_operations_total",
		Help: "Vector store operations, by backend, operation and outcome",
	}, []string{"backend", "op", "outcome"})
)

// Outcome maps an error to the outcome label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStoreOp counts one vector store operation.
func RecordStoreOp(backend, op string, err error) {
	StoreOperations.WithLabelValues(backend, op, Outcome(err)).Inc()
}

// RecordSearch records a finished search request.
func RecordSearch(results int, seconds float64, err error) {
	SearchRequests.WithLabelValues(Outcome(err)).Inc()
	SearchDuration.Observe(seconds)
	if err == nil {
		SearchResultCount.Observe(float64(results))
	}
}
