package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"crate-rag/internal/config"
	"crate-rag/internal/helper"
	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
)

const (
	backendName = "chromem"
	compress    = false

	metaPackage    = "package_name"
	metaDocPath    = "doc_path"
	metaIndex      = "passage_index"
	metaTokenCount = "token_count"
	metaUpdatedAt  = "updated_at"
	metaVersion    = "package_version"
)

type pendingPassage struct {
	models.Passage
	updatedAt time.Time
}

// VectorDBManager stores passages in a chromem-go collection. A store-level
// lock serializes writers against readers, so a search sees each document
// either fully replaced or untouched. Passages without an embedding cannot
// live in the collection and are kept in memory until SetEmbeddings.
// Package versions are kept in memory and stamped on every passage written
// after they are set, so a reopened database recovers them from metadata.
type VectorDBManager struct {
	mu            sync.RWMutex
	db            *chromem.DB
	collection    *chromem.Collection
	pending       map[string]pendingPassage
	versions      map[string]string
	dims          int
	timeout       time.Duration
	dbPath        string
	encryptionKey string
	filePath      string
	now           func() time.Time
}

// NewVectorDBManager opens the database at dbPath, or an in-memory one, and
// the named collection inside it.
func NewVectorDBManager(dbPath, collectionName string, inMemory bool, encryptionKey string, dims int) (*VectorDBManager, error) {
	if dims < 1 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}

	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:            db,
		pending:       make(map[string]pendingPassage),
		versions:      make(map[string]string),
		dims:          dims,
		timeout:       time.Duration(models.DefaultStoreTimeoutMs) * time.Millisecond,
		dbPath:        dbPath,
		encryptionKey: encryptionKey,
		filePath:      filepath.Join(dbPath, collectionName+".chromem"),
		now:           time.Now,
	}
	if _, err := m.GetOrCreateCollection(collectionName); err != nil {
		return nil, err
	}
	return m, nil
}

// Open builds the store from the database section of cfg.
func Open(cfg *config.Config) (*VectorDBManager, error) {
	d := cfg.Database
	if err := helper.CreateFolder(d.ChromemPath); err != nil {
		return nil, err
	}
	m, err := NewVectorDBManager(d.ChromemPath, d.ChromemCollection, d.InMemory, d.EncryptionKey, cfg.EmbedLLM.Dimensions)
	if err != nil {
		return nil, err
	}
	m.timeout = cfg.RAG.StoreTimeout()
	log.Info().
		Str("path", d.ChromemPath).
		Str("collection", d.ChromemCollection).
		Bool("in_memory", d.InMemory).
		Int("documents", m.collection.Count()).
		Msg("Opened chromem vector store")
	return m, nil
}

// refuseEmbedding is the collection's embedding func. Passages always arrive
// with vectors from the provider, so chromem must never compute its own.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("passages must be embedded before they are stored")
}

func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

// docID escapes both names so that no two (package, path, index) keys share
// an ID.
func docID(pkg, path string, idx int) string {
	return url.PathEscape(pkg) + "/" + url.PathEscape(path) + "#" + strconv.Itoa(idx)
}

// passageMeta must be called with m.mu held.
func (m *VectorDBManager) passageMeta(p models.Passage, tokens int, now time.Time) map[string]string {
	meta := map[string]string{
		metaPackage:    p.PackageName,
		metaDocPath:    p.DocPath,
		metaIndex:      strconv.Itoa(p.PassageIndex),
		metaTokenCount: strconv.Itoa(tokens),
		metaUpdatedAt:  now.Format(time.RFC3339Nano),
	}
	if v := m.versions[p.PackageName]; v != "" {
		meta[metaVersion] = v
	}
	return meta
}

func docWhere(pkg, path string) map[string]string {
	return map[string]string{metaPackage: pkg, metaDocPath: path}
}

func (m *VectorDBManager) run(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := ctx.Err()
	if err == nil {
		err = fn(ctx)
	}
	metrics.RecordStoreOp(backendName, op, err)
	return models.WrapStoreError(op, err)
}

// list returns every stored passage matching where. It queries with a unit
// vector and nResults equal to the collection size, which chromem answers
// with all matching documents.
func (m *VectorDBManager) list(ctx context.Context, where map[string]string) ([]chromem.Result, error) {
	n := m.collection.Count()
	if n == 0 {
		return nil, nil
	}
	unit := make([]float32, m.dims)
	unit[0] = 1
	return m.collection.QueryEmbedding(ctx, unit, n, where, nil)
}

func (m *VectorDBManager) UpsertPassages(ctx context.Context, rows []models.Passage) error {
	groups, err := models.GroupPassages(rows, m.dims)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := m.run(ctx, "upsert", func(ctx context.Context) error {
			return m.replaceDocument(ctx, group)
		}); err != nil {
			return err
		}
	}
	return nil
}

// replaceDocument writes the new passages first and only then removes the
// stale ones, so a failed write leaves the previous passages in place.
func (m *VectorDBManager) replaceDocument(ctx context.Context, group []models.Passage) error {
	pkg, path := group[0].PackageName, group[0].DocPath
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []chromem.Document
	keep := make(map[string]bool, len(group))
	for _, p := range group {
		if p.Embedding == nil {
			continue
		}
		id := docID(pkg, path, p.PassageIndex)
		keep[id] = true
		docs = append(docs, chromem.Document{
			ID:        id,
			Content:   p.Content,
			Embedding: append([]float32(nil), p.Embedding...),
			Metadata:  m.passageMeta(p, p.TokenCount, now),
		})
	}

	existing, err := m.list(ctx, docWhere(pkg, path))
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to add documents: %w", err)
		}
	}
	var stale []string
	for _, r := range existing {
		if !keep[r.ID] {
			stale = append(stale, r.ID)
		}
	}
	if len(stale) > 0 {
		if err := m.collection.Delete(ctx, nil, nil, stale...); err != nil {
			return fmt.Errorf("failed to delete stale passages: %w", err)
		}
	}

	m.dropPending(func(p pendingPassage) bool { return p.PackageName == pkg && p.DocPath == path })
	for _, p := range group {
		if p.Embedding == nil {
			m.pending[docID(pkg, path, p.PassageIndex)] = pendingPassage{Passage: p, updatedAt: now}
		}
	}
	return nil
}

func (m *VectorDBManager) dropPending(match func(pendingPassage) bool) {
	for id, p := range m.pending {
		if match(p) {
			delete(m.pending, id)
		}
	}
}

func (m *VectorDBManager) DeleteDocument(ctx context.Context, packageName, docPath string) error {
	return m.run(ctx, "delete_document", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.collection.Count() > 0 {
			if err := m.collection.Delete(ctx, docWhere(packageName, docPath), nil); err != nil {
				return err
			}
		}
		m.dropPending(func(p pendingPassage) bool { return p.PackageName == packageName && p.DocPath == docPath })
		return nil
	})
}

func (m *VectorDBManager) DeletePackage(ctx context.Context, packageName string) error {
	return m.run(ctx, "delete_package", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.collection.Count() > 0 {
			if err := m.collection.Delete(ctx, map[string]string{metaPackage: packageName}, nil); err != nil {
				return err
			}
		}
		m.dropPending(func(p pendingPassage) bool { return p.PackageName == packageName })
		delete(m.versions, packageName)
		log.Info().Str("package", packageName).Msg("Deleted package passages")
		return nil
	})
}

// Search returns the k passages most similar to query. chromem reports
// cosine similarity directly.
func (m *VectorDBManager) Search(ctx context.Context, query []float32, packageFilter string, k int) ([]models.SearchResult, error) {
	if err := models.CheckSearch(query, k, m.dims); err != nil {
		return nil, err
	}

	results := []models.SearchResult{}
	err := m.run(ctx, "search", func(ctx context.Context) error {
		m.mu.RLock()
		defer m.mu.RUnlock()

		n := m.collection.Count()
		if n == 0 {
			return nil
		}
		var where map[string]string
		if packageFilter != "" {
			where = map[string]string{metaPackage: packageFilter}
		}
		// Query every match so ties can be broken deterministically before
		// truncating to k.
		found, err := m.collection.QueryEmbedding(ctx, query, n, where, nil)
		if err != nil {
			return err
		}
		for _, r := range found {
			idx, _ := strconv.Atoi(r.Metadata[metaIndex])
			results = append(results, models.SearchResult{
				PackageName:  r.Metadata[metaPackage],
				DocPath:      r.Metadata[metaDocPath],
				PassageIndex: idx,
				Content:      r.Content,
				Score:        float64(r.Similarity),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocPath != b.DocPath {
			return a.DocPath < b.DocPath
		}
		return a.PassageIndex < b.PassageIndex
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *VectorDBManager) PendingPassages(ctx context.Context, packageName string, limit int) ([]models.Passage, error) {
	if limit <= 0 {
		return nil, models.NewValidationError("limit", fmt.Sprintf("must be positive, got %d", limit))
	}

	var out []models.Passage
	err := m.run(ctx, "pending", func(ctx context.Context) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, p := range m.pending {
			if packageName == "" || p.PackageName == packageName {
				out = append(out, p.Passage)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PackageName != out[j].PackageName {
			return out[i].PackageName < out[j].PackageName
		}
		if out[i].DocPath != out[j].DocPath {
			return out[i].DocPath < out[j].DocPath
		}
		return out[i].PassageIndex < out[j].PassageIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetEmbeddings moves pending passages into the collection. Rows that are
// no longer pending are skipped.
func (m *VectorDBManager) SetEmbeddings(ctx context.Context, rows []models.Passage) error {
	if err := models.CheckEmbedded(rows, m.dims); err != nil {
		return err
	}
	return m.run(ctx, "set_embeddings", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := m.now().UTC()
		var docs []chromem.Document
		var ids []string
		for _, r := range rows {
			id := docID(r.PackageName, r.DocPath, r.PassageIndex)
			p, ok := m.pending[id]
			if !ok {
				continue
			}
			tokens := p.TokenCount
			if r.TokenCount > 0 {
				tokens = r.TokenCount
			}
			docs = append(docs, chromem.Document{
				ID:        id,
				Content:   p.Content,
				Embedding: append([]float32(nil), r.Embedding...),
				Metadata:  m.passageMeta(p.Passage, tokens, now),
			})
			ids = append(ids, id)
		}
		if len(docs) == 0 {
			return nil
		}
		if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to add documents: %w", err)
		}
		for _, id := range ids {
			delete(m.pending, id)
		}
		return nil
	})
}

func (m *VectorDBManager) Stats(ctx context.Context) ([]models.PackageStats, error) {
	type agg struct {
		stats     models.PackageStats
		docs      map[string]bool
		versionAt time.Time
	}
	byPkg := make(map[string]*agg)
	get := func(pkg string) *agg {
		a, ok := byPkg[pkg]
		if !ok {
			a = &agg{stats: models.PackageStats{Name: pkg}, docs: make(map[string]bool)}
			byPkg[pkg] = a
		}
		return a
	}

	err := m.run(ctx, "stats", func(ctx context.Context) error {
		m.mu.RLock()
		defer m.mu.RUnlock()

		stored, err := m.list(ctx, nil)
		if err != nil {
			return err
		}
		for _, r := range stored {
			a := get(r.Metadata[metaPackage])
			a.docs[r.Metadata[metaDocPath]] = true
			a.stats.Passages++
			tokens, _ := strconv.Atoi(r.Metadata[metaTokenCount])
			a.stats.TotalTokens += tokens
			t, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaUpdatedAt])
			if t.After(a.stats.LastUpdated) {
				a.stats.LastUpdated = t
			}
			if v := r.Metadata[metaVersion]; v != "" && !t.Before(a.versionAt) {
				a.stats.Version, a.versionAt = v, t
			}
		}
		for _, p := range m.pending {
			a := get(p.PackageName)
			a.docs[p.DocPath] = true
			a.stats.Passages++
			a.stats.Pending++
			a.stats.TotalTokens += p.TokenCount
			if p.updatedAt.After(a.stats.LastUpdated) {
				a.stats.LastUpdated = p.updatedAt
			}
		}
		for pkg, a := range byPkg {
			if v := m.versions[pkg]; v != "" {
				a.stats.Version = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats := make([]models.PackageStats, 0, len(byPkg))
	for _, a := range byPkg {
		a.stats.Documents = len(a.docs)
		stats = append(stats, a.stats)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}

// SetPackageVersion records version for the package. Passages written from
// now on carry it in their metadata.
func (m *VectorDBManager) SetPackageVersion(ctx context.Context, packageName, version string) error {
	if err := models.CheckPackageName(packageName); err != nil {
		return err
	}
	if version == "" {
		return models.NewValidationError("version", "must not be empty")
	}
	return m.run(ctx, "set_version", func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.versions[packageName] = version
		return nil
	})
}

// Documents lists the stored documents of one package ordered by path.
func (m *VectorDBManager) Documents(ctx context.Context, packageName string) ([]models.DocumentInfo, error) {
	if err := models.CheckPackageName(packageName); err != nil {
		return nil, err
	}

	byPath := make(map[string]*models.DocumentInfo)
	get := func(path string) *models.DocumentInfo {
		d, ok := byPath[path]
		if !ok {
			d = &models.DocumentInfo{Path: path}
			byPath[path] = d
		}
		return d
	}
	err := m.run(ctx, "documents", func(ctx context.Context) error {
		m.mu.RLock()
		defer m.mu.RUnlock()

		stored, err := m.list(ctx, map[string]string{metaPackage: packageName})
		if err != nil {
			return err
		}
		for _, r := range stored {
			d := get(r.Metadata[metaDocPath])
			d.Passages++
			tokens, _ := strconv.Atoi(r.Metadata[metaTokenCount])
			d.TotalTokens += tokens
			if t, err := time.Parse(time.RFC3339Nano, r.Metadata[metaUpdatedAt]); err == nil && t.After(d.LastUpdated) {
				d.LastUpdated = t
			}
		}
		for _, p := range m.pending {
			if p.PackageName != packageName {
				continue
			}
			d := get(p.DocPath)
			d.Passages++
			d.Pending++
			d.TotalTokens += p.TokenCount
			if p.updatedAt.After(d.LastUpdated) {
				d.LastUpdated = p.updatedAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	docs := make([]models.DocumentInfo, 0, len(byPath))
	for _, d := range byPath {
		docs = append(docs, *d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// Close is a no-op; persistent collections are written on every change.
func (m *VectorDBManager) Close() error { return nil }

// DeleteCollection drops the whole collection and any pending passages.
func (m *VectorDBManager) DeleteCollection() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.collection.Name
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	m.pending = make(map[string]pendingPassage)
	m.versions = make(map[string]string)
	_, err := m.GetOrCreateCollection(name)
	return err
}

// Export writes the collection to an encrypted file next to the database.
func (m *VectorDBManager) Export(ctx context.Context) error {
	if err := m.checkExport(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Debug().Str("collection", m.collection.Name).Str("file", m.filePath).Msg("Exporting collection")
	if err := m.db.ExportToFile(m.filePath, compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import replaces the collection with the contents of the exported file.
func (m *VectorDBManager) Import(ctx context.Context) error {
	if err := m.checkExport(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.collection.Name
	if err := m.db.ImportFromFile(m.filePath, m.encryptionKey, name); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	c := m.db.GetCollection(name, refuseEmbedding)
	if c == nil {
		return fmt.Errorf("collection %s missing after import", name)
	}
	m.collection = c
	log.Info().Str("collection", name).Int("documents", c.Count()).Msg("Imported collection")
	return nil
}

func (m *VectorDBManager) checkExport() error {
	switch {
	case len(m.encryptionKey) != 32:
		return fmt.Errorf("encryption key must be 32 bytes")
	case m.dbPath == "":
		return fmt.Errorf("db path is required")
	}
	return nil
}
