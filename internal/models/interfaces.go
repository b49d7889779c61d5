package models

import "context"

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, EmbeddingMeta, error)
}

// VectorStore persists passages and answers nearest-neighbour queries.
// An empty packageFilter matches every package. UpsertPassages replaces each
// document it touches; SetEmbeddings only fills vectors of existing rows.
// SetPackageVersion records the version a package was ingested from and
// Documents lists the stored documents of one package by path.
type VectorStore interface {
	UpsertPassages(ctx context.Context, rows []Passage) error
	DeleteDocument(ctx context.Context, packageName, docPath string) error
	DeletePackage(ctx context.Context, packageName string) error
	Search(ctx context.Context, query []float32, packageFilter string, k int) ([]SearchResult, error)
	PendingPassages(ctx context.Context, packageName string, limit int) ([]Passage, error)
	SetEmbeddings(ctx context.Context, rows []Passage) error
	Stats(ctx context.Context) ([]PackageStats, error)
	SetPackageVersion(ctx context.Context, packageName, version string) error
	Documents(ctx context.Context, packageName string) ([]DocumentInfo, error)
	Close() error
}
