package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"crate-rag/internal/config"
	"crate-rag/internal/metrics"
	"crate-rag/internal/models"
)

const backendName = "postgres"

// HNSW candidate list bounds for hnsw.ef_search. 40 is the pgvector default.
const (
	minEFSearch = 40
	maxEFSearch = 1000
)

// PassageRow is one passage in the doc_passages table.
type PassageRow struct {
	bun.BaseModel `bun:"table:doc_passages,alias:p"`
	PackageName   string           `bun:"package_name,pk"`
	DocPath       string           `bun:"doc_path,pk"`
	PassageIndex  int              `bun:"passage_index,pk"`
	Content       string           `bun:"content,notnull"`
	Embedding     nullVector `bun:"embedding"`
	TokenCount    int        `bun:"token_count,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

// PackageRow records the version a package was last ingested from.
type PackageRow struct {
	bun.BaseModel `bun:"table:packages,alias:pk"`
	Name          string    `bun:"name,pk"`
	Version       string    `bun:"version,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// nullVector writes a missing embedding as NULL. A nil *pgvector.Vector
// would be written as DEFAULT.
type nullVector struct {
	*pgvector.Vector
}

func (v nullVector) Value() (driver.Value, error) {
	if v.Vector == nil {
		return nil, nil
	}
	return v.Vector.Value()
}

func (v *nullVector) Scan(src any) error {
	if src == nil {
		v.Vector = nil
		return nil
	}
	vec := new(pgvector.Vector)
	if err := vec.Scan(src); err != nil {
		return err
	}
	v.Vector = vec
	return nil
}

type searchRow struct {
	PackageName  string  `bun:"package_name"`
	DocPath      string  `bun:"doc_path"`
	PassageIndex int     `bun:"passage_index"`
	Content      string  `bun:"content"`
	Score        float64 `bun:"score"`
}

// Store keeps passages in Postgres with pgvector. Each document is replaced
// in its own short transaction, so readers see either the old or the new
// passages of a document and never a mix.
type Store struct {
	db      *bun.DB
	dims    int
	timeout time.Duration
	now     func() time.Time
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with the configured driver. The DSN is passed
// through unchanged.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func NewStore(db *bun.DB, dims int, timeout time.Duration) *Store {
	return &Store{db: db, dims: dims, timeout: timeout, now: time.Now}
}

// Open connects, verifies the connection and creates the schema.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	sqldb, err := ConnectDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	store := NewStore(NewDB(sqldb, cfg.Database.Debug), cfg.EmbedLLM.Dimensions, cfg.RAG.StoreTimeout())

	if err := store.run(ctx, "ping", store.db.PingContext); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := store.InitDB(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Database.Driver).Int("dimensions", store.dims).Msg("Connected to postgres vector store")
	return store, nil
}

// InitDB creates the pgvector extension, the passages and packages tables
// and their indexes. Filtered search needs pgvector 0.8 or later.
func (s *Store) InitDB(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS doc_passages (
	package_name text NOT NULL,
	doc_path text NOT NULL,
	passage_index integer NOT NULL,
	content text NOT NULL,
	embedding vector(%d),
	token_count integer NOT NULL DEFAULT 0,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (package_name, doc_path, passage_index)
)`, s.dims),
		`CREATE INDEX IF NOT EXISTS doc_passages_embedding_idx ON doc_passages USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS doc_passages_package_idx ON doc_passages (package_name)`,
		`CREATE TABLE IF NOT EXISTS packages (
	name text PRIMARY KEY,
	version text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
	}
	return s.run(ctx, "init", func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropPassages removes the passages and packages tables.
func (s *Store) DropPassages(ctx context.Context) error {
	return s.run(ctx, "drop", func(ctx context.Context) error {
		for _, model := range []any{(*PassageRow)(nil), (*PackageRow)(nil)} {
			if _, err := s.db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// run bounds fn by the store timeout and classifies its error.
func (s *Store) run(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	metrics.RecordStoreOp(backendName, op, err)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return models.WrapStoreError(op, err)
}

func (s *Store) UpsertPassages(ctx context.Context, rows []models.Passage) error {
	groups, err := models.GroupPassages(rows, s.dims)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := s.replaceDocument(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) replaceDocument(ctx context.Context, group []models.Passage) error {
	pkg, path := group[0].PackageName, group[0].DocPath
	now := s.now().UTC()
	rows := make([]PassageRow, len(group))
	for i, p := range group {
		rows[i] = PassageRow{
			PackageName:  p.PackageName,
			DocPath:      p.DocPath,
			PassageIndex: p.PassageIndex,
			Content:      p.Content,
			Embedding:    toVector(p.Embedding),
			TokenCount:   p.TokenCount,
			UpdatedAt:    now,
		}
	}

	return s.run(ctx, "upsert", func(ctx context.Context) error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewInsert().
				Model(&rows).
				On("CONFLICT (package_name, doc_path, passage_index) DO UPDATE").
				Set("content = EXCLUDED.content").
				Set("embedding = EXCLUDED.embedding").
				Set("token_count = EXCLUDED.token_count").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewDelete().
				Model((*PassageRow)(nil)).
				Where("package_name = ?", pkg).
				Where("doc_path = ?", path).
				Where("passage_index >= ?", len(rows)).
				Exec(ctx)
			return err
		})
	})
}

func (s *Store) DeleteDocument(ctx context.Context, packageName, docPath string) error {
	return s.run(ctx, "delete_document", func(ctx context.Context) error {
		_, err := s.db.NewDelete().
			Model((*PassageRow)(nil)).
			Where("package_name = ?", packageName).
			Where("doc_path = ?", docPath).
			Exec(ctx)
		return err
	})
}

// DeletePackage removes every passage of the package and its version.
func (s *Store) DeletePackage(ctx context.Context, packageName string) error {
	return s.run(ctx, "delete_package", func(ctx context.Context) error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			res, err := tx.NewDelete().
				Model((*PassageRow)(nil)).
				Where("package_name = ?", packageName).
				Exec(ctx)
			if err != nil {
				return err
			}
			if _, err := tx.NewDelete().
				Model((*PackageRow)(nil)).
				Where("name = ?", packageName).
				Exec(ctx); err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				log.Info().Str("package", packageName).Int64("passages", n).Msg("Deleted package passages")
			}
			return nil
		})
	})
}

// SetPackageVersion records version for the package, replacing any earlier
// one.
func (s *Store) SetPackageVersion(ctx context.Context, packageName, version string) error {
	if err := models.CheckPackageName(packageName); err != nil {
		return err
	}
	if version == "" {
		return models.NewValidationError("version", "must not be empty")
	}
	row := &PackageRow{Name: packageName, Version: version, UpdatedAt: s.now().UTC()}
	return s.run(ctx, "set_version", func(ctx context.Context) error {
		_, err := s.db.NewInsert().
			Model(row).
			On("CONFLICT (name) DO UPDATE").
			Set("version = EXCLUDED.version").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

// Search ranks passages by cosine similarity, 1 - cosine distance. Rows
// without an embedding are never returned. It runs in a read-only
// transaction so the HNSW settings apply to this query only.
func (s *Store) Search(ctx context.Context, query []float32, packageFilter string, k int) ([]models.SearchResult, error) {
	if err := models.CheckSearch(query, k, s.dims); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(query)

	var rows []searchRow
	err := s.run(ctx, "search", func(ctx context.Context) error {
		return s.db.RunInTx(ctx, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx bun.Tx) error {
			// The HNSW index applies the package filter after collecting
			// candidates; keep scanning until k rows survive it.
			if _, err := tx.ExecContext(ctx, "SET LOCAL hnsw.iterative_scan = strict_order"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(k))); err != nil {
				return err
			}

			q := tx.NewSelect().
				TableExpr("doc_passages").
				Column("package_name", "doc_path", "passage_index", "content").
				ColumnExpr("1 - (embedding <=> ?) AS score", vec).
				Where("embedding IS NOT NULL")
			if packageFilter != "" {
				q = q.Where("package_name = ?", packageFilter)
			}
			return q.
				OrderExpr("embedding <=> ?", vec).
				OrderExpr("doc_path ASC").
				OrderExpr("passage_index ASC").
				Limit(k).
				Scan(ctx, &rows)
		})
	})
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = models.SearchResult{
			PackageName:  r.PackageName,
			DocPath:      r.DocPath,
			PassageIndex: r.PassageIndex,
			Content:      r.Content,
			Score:        r.Score,
		}
	}
	return results, nil
}

func (s *Store) PendingPassages(ctx context.Context, packageName string, limit int) ([]models.Passage, error) {
	if limit <= 0 {
		return nil, models.NewValidationError("limit", fmt.Sprintf("must be positive, got %d", limit))
	}

	var rows []PassageRow
	err := s.run(ctx, "pending", func(ctx context.Context) error {
		q := s.db.NewSelect().
			Model(&rows).
			Column("package_name", "doc_path", "passage_index", "content", "token_count", "updated_at").
			Where("embedding IS NULL")
		if packageName != "" {
			q = q.Where("package_name = ?", packageName)
		}
		return q.
			OrderExpr("package_name ASC, doc_path ASC, passage_index ASC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}

	passages := make([]models.Passage, len(rows))
	for i, r := range rows {
		passages[i] = models.Passage{
			PackageName:  r.PackageName,
			DocPath:      r.DocPath,
			PassageIndex: r.PassageIndex,
			Content:      r.Content,
			TokenCount:   r.TokenCount,
		}
	}
	return passages, nil
}

// SetEmbeddings fills the vectors of existing passages. Rows that no longer
// exist are skipped.
func (s *Store) SetEmbeddings(ctx context.Context, rows []models.Passage) error {
	if err := models.CheckEmbedded(rows, s.dims); err != nil {
		return err
	}
	now := s.now().UTC()
	return s.run(ctx, "set_embeddings", func(ctx context.Context) error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, r := range rows {
				if _, err := tx.NewUpdate().
					Model((*PassageRow)(nil)).
					Set("embedding = ?", pgvector.NewVector(r.Embedding)).
					Set("token_count = ?", r.TokenCount).
					Set("updated_at = ?", now).
					Where("package_name = ?", r.PackageName).
					Where("doc_path = ?", r.DocPath).
					Where("passage_index = ?", r.PassageIndex).
					Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) Stats(ctx context.Context) ([]models.PackageStats, error) {
	var stats []models.PackageStats
	err := s.run(ctx, "stats", func(ctx context.Context) error {
		return s.db.NewSelect().
			TableExpr("doc_passages AS p").
			Join("LEFT JOIN packages AS pk ON pk.name = p.package_name").
			ColumnExpr("p.package_name").
			ColumnExpr("coalesce(max(pk.version), '') AS version").
			ColumnExpr("count(DISTINCT p.doc_path) AS documents").
			ColumnExpr("count(*) AS passages").
			ColumnExpr("count(*) FILTER (WHERE p.embedding IS NULL) AS pending").
			ColumnExpr("coalesce(sum(p.token_count), 0) AS total_tokens").
			ColumnExpr("max(p.updated_at) AS last_updated").
			GroupExpr("p.package_name").
			OrderExpr("p.package_name ASC").
			Scan(ctx, &stats)
	})
	return stats, err
}

// Documents lists the stored documents of one package ordered by path.
func (s *Store) Documents(ctx context.Context, packageName string) ([]models.DocumentInfo, error) {
	if err := models.CheckPackageName(packageName); err != nil {
		return nil, err
	}
	docs := []models.DocumentInfo{}
	err := s.run(ctx, "documents", func(ctx context.Context) error {
		return s.db.NewSelect().
			TableExpr("doc_passages").
			ColumnExpr("doc_path").
			ColumnExpr("count(*) AS passages").
			ColumnExpr("count(*) FILTER (WHERE embedding IS NULL) AS pending").
			ColumnExpr("coalesce(sum(token_count), 0) AS total_tokens").
			ColumnExpr("max(updated_at) AS last_updated").
			Where("package_name = ?", packageName).
			GroupExpr("doc_path").
			OrderExpr("doc_path ASC").
			Scan(ctx, &docs)
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toVector(v []float32) nullVector {
	if v == nil {
		return nullVector{}
	}
	vec := pgvector.NewVector(v)
	return nullVector{&vec}
}

// efSearch sizes the HNSW candidate list so one scan pass can hold k rows.
func efSearch(k int) int {
	return min(max(k, minEFSearch), maxEFSearch)
}
