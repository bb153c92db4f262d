package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"knowledge-base/internal/embeddings"
)

type DocumentStatus string

const (
	StatusIndexing DocumentStatus = "indexing"
	StatusReady    DocumentStatus = "ready"
	StatusFailed   DocumentStatus = "failed"
)

// SearchType selects the ranking strategy.
type SearchType string

const (
	SearchCombined SearchType = "combined"
	SearchSemantic SearchType = "semantic"
	SearchHybrid   SearchType = "hybrid"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrCategoryNotFound = errors.New("category not found")
)

type Document struct {
	ID         uuid.UUID      `db:"id"`
	Title      string         `db:"title"`
	Content    string         `db:"content"`
	Summary    string         `db:"summary"`
	Tags       []string       `db:"tags"`
	SourceType string         `db:"source_type"`
	SourceURL  string         `db:"source_url"`
	Category   string         `db:"category"`
	Status     DocumentStatus `db:"status"`
	CreatedAt  time.Time      `db:"created_at"`
}

// NewDocument is the input to CreateDocument. Category, when set, must name
// an existing category.
type NewDocument struct {
	Title      string
	Content    string
	Summary    string
	Tags       []string
	SourceType string
	SourceURL  string
	Category   string
}

type Category struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Color string `db:"color"`
}

// DefaultCategories are seeded into an empty store.
var DefaultCategories = []Category{
	{Name: "AI & Machine Learning", Color: "#FF6B6B"},
	{Name: "Programming", Color: "#4ECDC4"},
	{Name: "Business", Color: "#45B7D1"},
	{Name: "Personal", Color: "#96CEB4"},
	{Name: "Research", Color: "#FFEAA7"},
}

type Embedding struct {
	DocumentID uuid.UUID
	Vector     embeddings.Vector
	Model      string
}

type ListFilter struct {
	Category string
	Tag      string
	Limit    int
	Offset   int
}

// SearchParams drives Search. Vector and Model are required for semantic and
// hybrid searches; Query is required for hybrid.
type SearchParams struct {
	Type       SearchType
	Query      string
	Vector     embeddings.Vector
	Model      string
	Category   string
	Tags       []string
	SourceType string
	Limit      int
	Offset     int
}

type SearchResult struct {
	Document
	Score float64 `db:"relevance_score"`
}

type Stats struct {
	TotalDocuments  int64
	TotalCategories int64
	TotalSearches   int64
	MostCommonTags  []string
}

// mostCommonTagsLimit bounds Stats.MostCommonTags.
const mostCommonTagsLimit = 5

// Store defines the persistence contract.
type Store interface {
	CreateDocument(ctx context.Context, doc NewDocument) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	ListDocuments(ctx context.Context, filter ListFilter) ([]Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error
	SaveAnnotations(ctx context.Context, id uuid.UUID, summary string, tags []string) error
	SaveEmbedding(ctx context.Context, emb Embedding) error
	Search(ctx context.Context, params SearchParams) ([]SearchResult, error)
	ListCategories(ctx context.Context) ([]Category, error)
	Stats(ctx context.Context) (Stats, error)
	RecordSearch(ctx context.Context, query string, searchType SearchType) error
}
