package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"knowledge-base/internal/embeddings"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db  DB
	dim int
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// ftsDocument is the text search vector every full-text query ranks against.
// It must match the expression of documents_fts_idx.
const ftsDocument = `to_tsvector('simple', d.title || ' ' || d.content || ' ' || d.summary)`

var documentColumns = []string{
	"d.id",
	"d.title",
	"d.content",
	"d.summary",
	"d.tags",
	"d.source_type",
	"COALESCE(d.source_url, '') AS source_url",
	"COALESCE(c.name, '') AS category",
	"d.status",
	"d.created_at",
}

// NewPostgres connects to dsn and migrates the schema for dim-sized vectors.
func NewPostgres(ctx context.Context, dsn string, dim int) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresWithDB(pool, dim)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// NewPostgresWithDB wraps an existing connection without migrating.
func NewPostgresWithDB(db DB, dim int) *PostgresStore {
	if dim <= 0 {
		dim = embeddings.DefaultDimension
	}
	return &PostgresStore{db: db, dim: dim}
}

// Migrate creates the schema and seeds default categories.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	// Advisory lock keeps concurrent api and indexer replicas from racing on DDL.
	const lockID = 581203377

	var acquired bool
	if err := s.db.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another replica is migrating
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS categories (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			color TEXT NOT NULL DEFAULT '#999999'
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			source_type TEXT NOT NULL,
			source_url TEXT,
			category_id BIGINT REFERENCES categories(id) ON DELETE SET NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_embeddings (
			document_id UUID PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
			embedding vector(%d) NOT NULL,
			model TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
		`CREATE TABLE IF NOT EXISTS search_log (
			id BIGSERIAL PRIMARY KEY,
			query TEXT NOT NULL,
			search_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS document_embeddings_embedding_idx
			ON document_embeddings USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS documents_fts_idx
			ON documents USING gin (to_tsvector('simple', title || ' ' || content || ' ' || summary))`,
		`CREATE INDEX IF NOT EXISTS documents_tags_idx ON documents USING gin (tags)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	seed := psql.Insert("categories").Columns("name", "color")
	for _, c := range DefaultCategories {
		seed = seed.Values(c.Name, c.Color)
	}
	query, args, err := seed.Suffix("ON CONFLICT (name) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("building category seed: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("seeding categories: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, in NewDocument) (Document, error) {
	var categoryID *int64
	if in.Category != "" {
		query, args, err := psql.Select("id").From("categories").Where(squirrel.Eq{"name": in.Category}).ToSql()
		if err != nil {
			return Document{}, fmt.Errorf("building category lookup: %w", err)
		}
		var id int64
		if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Document{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, in.Category)
			}
			return Document{}, fmt.Errorf("looking up category: %w", err)
		}
		categoryID = &id
	}

	doc := Document{
		ID:         uuid.New(),
		Title:      in.Title,
		Content:    in.Content,
		Summary:    in.Summary,
		Tags:       nonNilTags(in.Tags),
		SourceType: in.SourceType,
		SourceURL:  in.SourceURL,
		Category:   in.Category,
		Status:     StatusIndexing,
	}
	var sourceURL *string
	if in.SourceURL != "" {
		sourceURL = &in.SourceURL
	}
	query, args, err := psql.Insert("documents").
		Columns("id", "title", "content", "summary", "tags", "source_type", "source_url", "category_id", "status").
		Values(doc.ID, doc.Title, doc.Content, doc.Summary, doc.Tags, doc.SourceType, sourceURL, categoryID, doc.Status).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return Document{}, fmt.Errorf("building document insert: %w", err)
	}
	if err := s.db.QueryRow(ctx, query, args...).Scan(&doc.CreatedAt); err != nil {
		return Document{}, fmt.Errorf("inserting document: %w", err)
	}
	return doc, nil
}

func selectDocuments(extra ...string) squirrel.SelectBuilder {
	cols := append(append([]string{}, documentColumns...), extra...)
	return psql.Select(cols...).
		From("documents d").
		LeftJoin("categories c ON c.id = d.category_id")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	query, args, err := selectDocuments().Where(squirrel.Eq{"d.id": id}).ToSql()
	if err != nil {
		return Document{}, fmt.Errorf("building document select: %w", err)
	}
	var doc Document
	if err := pgxscan.Get(ctx, s.db, &doc, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, f ListFilter) ([]Document, error) {
	qb := selectDocuments()
	if f.Category != "" {
		qb = qb.Where(squirrel.Eq{"c.name": f.Category})
	}
	if f.Tag != "" {
		qb = qb.Where("? = ANY(d.tags)", f.Tag)
	}
	query, args, err := qb.OrderBy("d.created_at DESC", "d.id ASC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building document list: %w", err)
	}
	docs := []Document{}
	if err := pgxscan.Select(ctx, s.db, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	query, args, err := psql.Update("documents").Set("status", status).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building status update: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAnnotations(ctx context.Context, id uuid.UUID, summary string, tags []string) error {
	query, args, err := psql.Update("documents").
		Set("summary", summary).
		Set("tags", nonNilTags(tags)).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building annotation update: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("saving annotations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveEmbedding(ctx context.Context, emb Embedding) error {
	if len(emb.Vector) != s.dim {
		return fmt.Errorf("embedding for %s has %d dims, column has %d", emb.DocumentID, len(emb.Vector), s.dim)
	}
	query, args, err := psql.Insert("document_embeddings").
		Columns("document_id", "embedding", "model", "updated_at").
		Values(emb.DocumentID, pgvector.NewVector(emb.Vector.Float32()), emb.Model, squirrel.Expr("now()")).
		Suffix("ON CONFLICT (document_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building embedding upsert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("saving embedding: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	qb, err := s.searchQuery(p)
	if err != nil {
		return nil, err
	}
	qb = applySearchFilters(qb, p).Limit(uint64(p.Limit)).Offset(uint64(p.Offset))
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building search: %w", err)
	}
	results := []SearchResult{}
	if err := pgxscan.Select(ctx, s.db, &results, query, args...); err != nil {
		return nil, fmt.Errorf("search %s: %w", p.Type, err)
	}
	return results, nil
}

func (s *PostgresStore) searchQuery(p SearchParams) (squirrel.SelectBuilder, error) {
	switch p.Type {
	case SearchSemantic:
		if p.Vector.IsZero() {
			return squirrel.SelectBuilder{}, embeddings.ErrZeroVector
		}
		vec := pgvector.NewVector(p.Vector.Float32())
		return psql.Select(documentColumns...).
			Column(squirrel.Expr("1 - (e.embedding <=> ?) AS relevance_score", vec)).
			From("document_embeddings e").
			Join("documents d ON d.id = e.document_id").
			LeftJoin("categories c ON c.id = d.category_id").
			Where(squirrel.Eq{"e.model": p.Model}).
			OrderByClause("e.embedding <=> ? ASC", vec).
			OrderBy("d.id ASC"), nil
	case SearchHybrid:
		if p.Vector.IsZero() {
			return squirrel.SelectBuilder{}, embeddings.ErrZeroVector
		}
		vec := pgvector.NewVector(p.Vector.Float32())
		return psql.Select(documentColumns...).
			Column(squirrel.Expr(
				"0.5 * ts_rank("+ftsDocument+", plainto_tsquery('simple', ?)) + 0.5 * COALESCE(1 - (e.embedding <=> ?), 0) AS relevance_score",
				p.Query, vec,
			)).
			From("documents d").
			LeftJoin("categories c ON c.id = d.category_id").
			LeftJoin("document_embeddings e ON e.document_id = d.id AND e.model = ?", p.Model).
			Where(squirrel.Or{
				squirrel.Expr(ftsDocument+" @@ plainto_tsquery('simple', ?)", p.Query),
				squirrel.Expr("e.document_id IS NOT NULL"),
			}).
			OrderBy("relevance_score DESC", "d.id ASC"), nil
	case SearchCombined, "":
		if p.Query == "" {
			return selectDocuments("0::float8 AS relevance_score").
				OrderBy("d.created_at DESC", "d.id ASC"), nil
		}
		return psql.Select(documentColumns...).
			Column(squirrel.Expr("ts_rank("+ftsDocument+", plainto_tsquery('simple', ?))::float8 AS relevance_score", p.Query)).
			From("documents d").
			LeftJoin("categories c ON c.id = d.category_id").
			Where(squirrel.Expr(ftsDocument+" @@ plainto_tsquery('simple', ?)", p.Query)).
			OrderBy("relevance_score DESC", "d.created_at DESC", "d.id ASC"), nil
	default:
		return squirrel.SelectBuilder{}, fmt.Errorf("unknown search type %q", p.Type)
	}
}

func applySearchFilters(qb squirrel.SelectBuilder, p SearchParams) squirrel.SelectBuilder {
	if p.Category != "" {
		qb = qb.Where(squirrel.Eq{"c.name": p.Category})
	}
	if len(p.Tags) > 0 {
		qb = qb.Where("d.tags && ?", p.Tags)
	}
	if p.SourceType != "" {
		qb = qb.Where(squirrel.Eq{"d.source_type": p.SourceType})
	}
	return qb
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	query, args, err := psql.Select("id", "name", "color").From("categories").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building category list: %w", err)
	}
	cats := []Category{}
	if err := pgxscan.Select(ctx, s.db, &cats, query, args...); err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return cats, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `SELECT
		(SELECT count(*) FROM documents),
		(SELECT count(*) FROM categories),
		(SELECT count(*) FROM search_log)`).Scan(&st.TotalDocuments, &st.TotalCategories, &st.TotalSearches)
	if err != nil {
		return Stats{}, fmt.Errorf("counting: %w", err)
	}

	query, args, err := psql.Select("tag").
		FromSelect(psql.Select("unnest(tags) AS tag").From("documents"), "t").
		GroupBy("tag").
		OrderBy("count(*) DESC", "tag ASC").
		Limit(mostCommonTagsLimit).
		ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("building tag query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()
	st.MostCommonTags = []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return Stats{}, err
		}
		st.MostCommonTags = append(st.MostCommonTags, tag)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *PostgresStore) RecordSearch(ctx context.Context, query string, searchType SearchType) error {
	q, args, err := psql.Insert("search_log").Columns("query", "search_type").Values(query, string(searchType)).ToSql()
	if err != nil {
		return fmt.Errorf("building search log insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("recording search: %w", err)
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
