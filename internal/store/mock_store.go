package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateDocument(ctx context.Context, doc NewDocument) (Document, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) ListDocuments(ctx context.Context, filter ListFilter) ([]Document, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockStore) SaveAnnotations(ctx context.Context, id uuid.UUID, summary string, tags []string) error {
	args := m.Called(ctx, id, summary, tags)
	return args.Error(0)
}

func (m *MockStore) SaveEmbedding(ctx context.Context, emb Embedding) error {
	args := m.Called(ctx, emb)
	return args.Error(0)
}

func (m *MockStore) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]SearchResult), args.Error(1)
}

func (m *MockStore) ListCategories(ctx context.Context) ([]Category, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Category), args.Error(1)
}

func (m *MockStore) Stats(ctx context.Context) (Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(Stats), args.Error(1)
}

func (m *MockStore) RecordSearch(ctx context.Context, query string, searchType SearchType) error {
	args := m.Called(ctx, query, searchType)
	return args.Error(0)
}
