package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Document is a single source page of a package's documentation.
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Passage is a chunk of a document with its embedding. Embedding is nil
// while the passage waits for a backfill.
type Passage struct {
	PackageName  string    `json:"package"`
	DocPath      string    `json:"path"`
	PassageIndex int       `json:"index"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"-"`
	TokenCount   int       `json:"token_count"`
}

// SearchResult is one ranked passage.
type SearchResult struct {
	PackageName  string  `json:"package"`
	DocPath      string  `json:"path"`
	PassageIndex int     `json:"index"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
}

// IngestFailure names a document that could not be ingested.
type IngestFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// IngestReport summarises one ingestion run.
type IngestReport struct {
	JobID     string          `json:"job_id"`
	Package   string          `json:"package"`
	Version   string          `json:"version,omitempty"`
	Processed int             `json:"processed"`
	Written   int             `json:"written"`
	Errors    []IngestFailure `json:"errors"`
}

// PackageStats describes what is stored for one package. Version is empty
// until an ingestion records one.
type PackageStats struct {
	Name        string    `json:"name" bun:"package_name"`
	Version     string    `json:"version,omitempty" bun:"version"`
	Documents   int       `json:"documents" bun:"documents"`
	Passages    int       `json:"passages" bun:"passages"`
	Pending     int       `json:"pending" bun:"pending"`
	TotalTokens int       `json:"total_tokens" bun:"total_tokens"`
	LastUpdated time.Time `json:"last_updated" bun:"last_updated"`
}

// DocumentInfo describes the stored passages of one document.
type DocumentInfo struct {
	Path        string    `json:"path" bun:"doc_path"`
	Passages    int       `json:"passages" bun:"passages"`
	Pending     int       `json:"pending" bun:"pending"`
	TotalTokens int       `json:"total_tokens" bun:"total_tokens"`
	LastUpdated time.Time `json:"last_updated" bun:"last_updated"`
}

// EmbeddingMeta is returned alongside a batch of vectors.
type EmbeddingMeta struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Batches    int    `json:"batches"`
	Retries    int    `json:"retries"`
	CacheHits  int    `json:"cache_hits"`
	Tokens     int    `json:"tokens"`
}

// PromptResponse is a chat answer with the passages it was built from.
type PromptResponse struct {
	Query   string         `json:"query"`
	Source  string         `json:"source"`
	Content string         `json:"content"`
	Results []SearchResult `json:"results"`
}

// GroupPassages splits rows by package and document, in order of first
// appearance, and sorts each group by index. Every group must hold the
// complete sequence 0..n-1 and every non-nil embedding must have dims
// entries.
func GroupPassages(rows []Passage, dims int) ([][]Passage, error) {
	type docKey struct{ pkg, path string }
	pos := make(map[docKey]int)
	var groups [][]Passage
	for _, r := range rows {
		if err := checkPassage(r, dims); err != nil {
			return nil, err
		}
		k := docKey{r.PackageName, r.DocPath}
		i, ok := pos[k]
		if !ok {
			i = len(groups)
			pos[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}

	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool { return g[a].PassageIndex < g[b].PassageIndex })
		for i, r := range g {
			if r.PassageIndex != i {
				return nil, NewValidationError("passage_index",
					fmt.Sprintf("document %s/%s must have passages 0..%d, found index %d", r.PackageName, r.DocPath, len(g)-1, r.PassageIndex))
			}
		}
	}
	return groups, nil
}

func checkPassage(r Passage, dims int) error {
	switch {
	case r.PackageName == "":
		return NewValidationError("package_name", "must not be empty")
	case r.DocPath == "":
		return NewValidationError("doc_path", "must not be empty")
	case r.Embedding != nil && len(r.Embedding) != dims:
		return NewValidationError("embedding",
			fmt.Sprintf("passage %s/%s#%d has %d dimensions, expected %d", r.PackageName, r.DocPath, r.PassageIndex, len(r.Embedding), dims))
	}
	return nil
}

// CheckEmbedded validates rows passed to SetEmbeddings.
func CheckEmbedded(rows []Passage, dims int) error {
	for _, r := range rows {
		if r.Embedding == nil {
			return NewValidationError("embedding", fmt.Sprintf("passage %s/%s#%d has no embedding", r.PackageName, r.DocPath, r.PassageIndex))
		}
		if err := checkPassage(r, dims); err != nil {
			return err
		}
	}
	return nil
}

// CheckSearch validates a store search request.
func CheckSearch(query []float32, k, dims int) error {
	if k <= 0 {
		return NewValidationError("k", fmt.Sprintf("must be positive, got %d", k))
	}
	if len(query) != dims {
		return NewValidationError("query", fmt.Sprintf("vector has %d dimensions, expected %d", len(query), dims))
	}
	return nil
}

// CheckPackageName rejects a blank package name.
func CheckPackageName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("package_name", "must not be empty")
	}
	return nil
}
