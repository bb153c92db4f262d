package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"knowledge-base/internal/embeddings"
)

// MemoryStore keeps everything in process memory. It serves local development
// and tests and ranks with the same ordering rules as the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[uuid.UUID]Document
	embeddings map[uuid.UUID]Embedding
	categories []Category
	searches   int64
	now        func() time.Time
}

func NewMemory() *MemoryStore {
	cats := make([]Category, len(DefaultCategories))
	for i, c := range DefaultCategories {
		c.ID = int64(i + 1)
		cats[i] = c
	}
	return &MemoryStore{
		docs:       make(map[uuid.UUID]Document),
		embeddings: make(map[uuid.UUID]Embedding),
		categories: cats,
		now:        time.Now,
	}
}

func (m *MemoryStore) CreateDocument(_ context.Context, in NewDocument) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.Category != "" && !m.hasCategory(in.Category) {
		return Document{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, in.Category)
	}
	doc := Document{
		ID:         uuid.New(),
		Title:      in.Title,
		Content:    in.Content,
		Summary:    in.Summary,
		Tags:       slices.Clone(nonNilTags(in.Tags)),
		SourceType: in.SourceType,
		SourceURL:  in.SourceURL,
		Category:   in.Category,
		Status:     StatusIndexing,
		CreatedAt:  m.now().UTC(),
	}
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *MemoryStore) hasCategory(name string) bool {
	for _, c := range m.categories {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetDocument(_ context.Context, id uuid.UUID) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, f ListFilter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := []Document{}
	for _, d := range m.docs {
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.Tag != "" && !slices.Contains(d.Tags, f.Tag) {
			continue
		}
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return newerFirst(docs[i], docs[j]) })
	return page(docs, f.Limit, f.Offset), nil
}

func (m *MemoryStore) UpdateDocumentStatus(_ context.Context, id uuid.UUID, status DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.Status = status
	m.docs[id] = doc
	return nil
}

func (m *MemoryStore) SaveAnnotations(_ context.Context, id uuid.UUID, summary string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.Summary = summary
	doc.Tags = slices.Clone(nonNilTags(tags))
	m.docs[id] = doc
	return nil
}

func (m *MemoryStore) SaveEmbedding(_ context.Context, emb Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[emb.DocumentID]; !ok {
		return ErrDocumentNotFound
	}
	emb.Vector = slices.Clone(emb.Vector)
	m.embeddings[emb.DocumentID] = emb
	return nil
}

func (m *MemoryStore) Search(_ context.Context, p SearchParams) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make(map[uuid.UUID]Document)
	for id, d := range m.docs {
		if matchesFilters(d, p) {
			candidates[id] = d
		}
	}

	var results []SearchResult
	switch p.Type {
	case SearchSemantic:
		items := make([]embeddings.Item, 0, len(candidates))
		for id := range candidates {
			if emb, ok := m.embeddings[id]; ok && emb.Model == p.Model {
				items = append(items, embeddings.Item{ID: id.String(), Vector: emb.Vector})
			}
		}
		matches, err := embeddings.Rank(p.Vector, items)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			results = append(results, SearchResult{Document: candidates[uuid.MustParse(match.ID)], Score: match.Similarity})
		}
	case SearchHybrid:
		if p.Vector.IsZero() {
			return nil, embeddings.ErrZeroVector
		}
		terms := embeddings.Tokenize(p.Query)
		for id, d := range candidates {
			text := textScore(terms, d)
			emb, hasEmb := m.embeddings[id]
			hasEmb = hasEmb && emb.Model == p.Model && !emb.Vector.IsZero()
			if text == 0 && !hasEmb {
				continue
			}
			var sim float64
			if hasEmb {
				sim = embeddings.Dot(p.Vector, emb.Vector)
			}
			results = append(results, SearchResult{Document: d, Score: 0.5*text + 0.5*sim})
		}
		sort.Slice(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].ID.String() < results[j].ID.String()
		})
	case SearchCombined, "":
		terms := embeddings.Tokenize(p.Query)
		for _, d := range candidates {
			if p.Query == "" {
				results = append(results, SearchResult{Document: d})
				continue
			}
			if score := textScore(terms, d); score > 0 {
				results = append(results, SearchResult{Document: d, Score: score})
			}
		}
		sort.Slice(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return newerFirst(results[i].Document, results[j].Document)
		})
	default:
		return nil, fmt.Errorf("unknown search type %q", p.Type)
	}
	return page(results, p.Limit, p.Offset), nil
}

func (m *MemoryStore) ListCategories(_ context.Context) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cats := slices.Clone(m.categories)
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	return cats, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, d := range m.docs {
		for _, t := range d.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > mostCommonTagsLimit {
		tags = tags[:mostCommonTagsLimit]
	}
	return Stats{
		TotalDocuments:  int64(len(m.docs)),
		TotalCategories: int64(len(m.categories)),
		TotalSearches:   m.searches,
		MostCommonTags:  tags,
	}, nil
}

func (m *MemoryStore) RecordSearch(_ context.Context, _ string, _ SearchType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
	return nil
}

func matchesFilters(d Document, p SearchParams) bool {
	if p.Category != "" && d.Category != p.Category {
		return false
	}
	if p.SourceType != "" && d.SourceType != p.SourceType {
		return false
	}
	if len(p.Tags) > 0 && !slices.ContainsFunc(p.Tags, func(t string) bool { return slices.Contains(d.Tags, t) }) {
		return false
	}
	return true
}

// textScore is the fraction of distinct query terms found in the document.
func textScore(terms []string, d Document) float64 {
	if len(terms) == 0 {
		return 0
	}
	words := make(map[string]struct{})
	for _, w := range embeddings.Tokenize(d.Title + " " + d.Content + " " + d.Summary) {
		words[w] = struct{}{}
	}
	distinct := make(map[string]struct{}, len(terms))
	var hits int
	for _, t := range terms {
		if _, dup := distinct[t]; dup {
			continue
		}
		distinct[t] = struct{}{}
		if _, ok := words[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(distinct))
}

func newerFirst(a, b Document) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
