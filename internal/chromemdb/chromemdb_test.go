package chromemdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crate-rag/internal/models"
)

const testDims = 4

func newTestManager(t *testing.T) *VectorDBManager {
	t.Helper()
	m, err := NewVectorDBManager(t.TempDir(), "crate_docs", true, "", testDims)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func row(pkg, path string, idx int, content string, vec ...float32) models.Passage {
	p := models.Passage{PackageName: pkg, DocPath: path, PassageIndex: idx, Content: content, TokenCount: 2}
	if len(vec) > 0 {
		p.Embedding = vec
	}
	return p
}

func TestUpsertAndSearch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("serde", "de.md", 0, "deserialize", 1, 0, 0, 0),
		row("serde", "de.md", 1, "visitor", 0.9, 0.1, 0, 0),
		row("tokio", "rt.md", 0, "runtime", 0, 0, 1, 0),
	}))

	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "deserialize", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Equal(t, "visitor", results[1].Content)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearch_FilterAndBounds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("serde", "de.md", 0, "a", 1, 0, 0, 0),
		row("tokio", "rt.md", 0, "b", 1, 0, 0, 0),
		row("tokio", "rt.md", 1, "c", 0, 1, 0, 0),
	}))

	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "tokio", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "tokio", r.PackageName)
	}

	results, err = m.Search(ctx, []float32{1, 0, 0, 0}, "rand", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = m.Search(ctx, []float32{1, 0, 0, 0}, "", 0)
	assert.True(t, models.IsValidation(err))
	_, err = m.Search(ctx, []float32{1, 0}, "", 1)
	assert.True(t, models.IsValidation(err))
}

func TestSearch_EmptyStore(t *testing.T) {
	m := newTestManager(t)

	results, err := m.Search(context.Background(), []float32{0, 0, 0, 1}, "", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_TieBreak(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "b.md", 0, "b0", 0, 1, 0, 0),
		row("demo", "a.md", 0, "a0", 0, 1, 0, 0),
		row("demo", "a.md", 1, "a1", 0, 1, 0, 0),
	}))

	results, err := m.Search(ctx, []float32{0, 1, 0, 0}, "demo", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a0", "a1", "b0"}, []string{results[0].Content, results[1].Content, results[2].Content})
}

func TestUpsert_ReplacesShorterDocument(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "intro.md", 0, "old zero", 1, 0, 0, 0),
		row("demo", "intro.md", 1, "old one", 1, 0, 0, 0),
		row("demo", "intro.md", 2, "old two", 1, 0, 0, 0),
	}))

	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "intro.md", 0, "new zero", 1, 0, 0, 0),
	}))

	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new zero", results[0].Content)
}

func TestUpsert_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	rows := []models.Passage{
		row("demo", "intro.md", 0, "zero", 1, 0, 0, 0),
		row("demo", "intro.md", 1, "one", 0, 1, 0, 0),
	}

	require.NoError(t, m.UpsertPassages(ctx, rows))
	first, err := m.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, m.UpsertPassages(ctx, rows))
	second, err := m.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, second[0].Passages)
}

func TestUpsert_SlashesInNamesDoNotCollide(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{row("a/b", "c", 0, "first", 1, 0, 0, 0)}))
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{row("a", "b/c", 0, "second", 1, 0, 0, 0)}))

	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "a/b", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "first", results[0].Content)
	assert.Equal(t, "c", results[0].DocPath)

	results, err = m.Search(ctx, []float32{1, 0, 0, 0}, "a", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].Content)

	assert.NotEqual(t, docID("a/b", "c", 0), docID("a", "b/c", 0))
	assert.NotEqual(t, docID("a", "b#1", 0), docID("a", "b", 10))
}

func TestDeleteDocumentAndPackage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "a.md", 0, "a", 1, 0, 0, 0),
		row("demo", "b.md", 0, "b", 1, 0, 0, 0),
		row("other", "c.md", 0, "c", 1, 0, 0, 0),
	}))

	require.NoError(t, m.DeleteDocument(ctx, "demo", "a.md"))
	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	require.NoError(t, m.DeletePackage(ctx, "demo"))
	results, err = m.Search(ctx, []float32{1, 0, 0, 0}, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "other", results[0].PackageName)

	// Deleting what is not there is fine.
	assert.NoError(t, m.DeletePackage(ctx, "missing"))
}

func TestPendingAndSetEmbeddings(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "intro.md", 0, "embedded", 1, 0, 0, 0),
		row("demo", "intro.md", 1, "waiting"),
	}))

	results, err := m.Search(ctx, []float32{1, 0, 0, 0}, "", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1, "pending passages are never returned")

	pending, err := m.PendingPassages(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "waiting", pending[0].Content)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, models.PackageStats{
		Name: "demo", Documents: 1, Passages: 2, Pending: 1, TotalTokens: 4,
		LastUpdated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, stats[0])

	pending[0].Embedding = []float32{0, 1, 0, 0}
	require.NoError(t, m.SetEmbeddings(ctx, pending))

	pending, err = m.PendingPassages(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	results, err = m.Search(ctx, []float32{0, 1, 0, 0}, "demo", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "waiting", results[0].Content)
	assert.Equal(t, 1, results[0].PassageIndex)
}

func TestUpsert_ValidationErrors(t *testing.T) {
	m := newTestManager(t)

	err := m.UpsertPassages(context.Background(), []models.Passage{row("demo", "a.md", 0, "x", 1, 0)})
	assert.True(t, models.IsValidation(err))

	err = m.SetEmbeddings(context.Background(), []models.Passage{row("demo", "a.md", 0, "x")})
	assert.True(t, models.IsValidation(err))
}

func TestCancelledContextIsStoreError(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Search(ctx, []float32{1, 0, 0, 0}, "", 1)

	var se *models.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "search", se.Op)
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	key := "0123456789abcdef0123456789abcdef"
	ctx := context.Background()

	src, err := NewVectorDBManager(dir, "crate_docs", true, key, testDims)
	require.NoError(t, err)
	require.NoError(t, src.UpsertPassages(ctx, []models.Passage{row("demo", "intro.md", 0, "hello", 1, 0, 0, 0)}))
	require.NoError(t, src.Export(ctx))

	dst, err := NewVectorDBManager(dir, "crate_docs", true, key, testDims)
	require.NoError(t, err)
	require.NoError(t, dst.Import(ctx))

	results, err := dst.Search(ctx, []float32{1, 0, 0, 0}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hello", results[0].Content)
}

func TestExport_RequiresKey(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.Export(context.Background()))
}

func TestPackageVersion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetPackageVersion(ctx, "serde", "1.0.200"))
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("serde", "de.md", 0, "deserialize", 1, 0, 0, 0),
		row("tokio", "rt.md", 0, "runtime", 0, 1, 0, 0),
	}))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "1.0.200", stats[0].Version)
	assert.Empty(t, stats[1].Version)

	// The version survives in passage metadata once the in-memory record is gone.
	m.versions = make(map[string]string)
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.200", stats[0].Version)

	require.NoError(t, m.SetPackageVersion(ctx, "serde", "1.0.201"))
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.201", stats[0].Version)

	require.NoError(t, m.DeletePackage(ctx, "serde"))
	assert.NotContains(t, m.versions, "serde")

	assert.True(t, models.IsValidation(m.SetPackageVersion(ctx, "", "1.0.0")))
	assert.True(t, models.IsValidation(m.SetPackageVersion(ctx, "serde", "")))
}

func TestDocuments(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertPassages(ctx, []models.Passage{
		row("demo", "b.md", 0, "b0", 1, 0, 0, 0),
		row("demo", "b.md", 1, "b1"),
		row("demo", "a.md", 0, "a0", 0, 1, 0, 0),
		row("other", "c.md", 0, "c0", 0, 0, 1, 0),
	}))

	docs, err := m.Documents(ctx, "demo")
	require.NoError(t, err)
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []models.DocumentInfo{
		{Path: "a.md", Passages: 1, TotalTokens: 2, LastUpdated: updated},
		{Path: "b.md", Passages: 2, Pending: 1, TotalTokens: 4, LastUpdated: updated},
	}, docs)

	docs, err = m.Documents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = m.Documents(ctx, "")
	assert.True(t, models.IsValidation(err))
}
