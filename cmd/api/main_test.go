package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"knowledge-base/internal/app"
	"knowledge-base/internal/cache"
	"knowledge-base/internal/config"
	"knowledge-base/internal/embeddings"
	"knowledge-base/internal/indexer"
	"knowledge-base/internal/llm"
	"knowledge-base/internal/metrics"
	"knowledge-base/internal/queue"
	"knowledge-base/internal/store"
)

const testDim = 64

func newTestDeps(st store.Store, q queue.Queue, c cache.Cache) *app.Deps {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &app.Deps{
		Store:    st,
		Queue:    q,
		Cache:    c,
		Embedder: embeddings.NewHashEmbedder(testDim),
		LLM:      llm.NewExtractive(),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Config: config.Config{
			ProjectRef:       "test-ref",
			MaxUploadSize:    1024 * 1024, // 1MB for tests
			MaxContentLength: 5000,
			CacheTTL:         time.Minute,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// newLocalDeps wires a memory store to an inline queue so documents are
// indexed before the create request returns.
func newLocalDeps(t *testing.T) *app.Deps {
	t.Helper()
	st := store.NewMemory()
	deps := newTestDeps(st, nil, nil)
	deps.Indexer = indexer.New(deps.Log, st, deps.Embedder, deps.LLM, deps.Cache, deps.Metrics)
	q := queue.NewLocal(deps.Log, deps.Indexer.MarkFailed)
	q.Register(queue.TaskTypeIndex, deps.Indexer.Handle)
	deps.Queue = q
	return deps
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createDoc(t *testing.T, h http.Handler, body map[string]any) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/documents", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["document_id"].(string)
}

func TestRootHandler(t *testing.T) {
	h := newRouter(newTestDeps(new(store.MockStore), new(queue.MockQueue), nil))

	rec := do(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "test-ref", body["project_ref"])
	assert.Equal(t, "/api/search", body["endpoints"].(map[string]any)["search"])
}

func TestSearchValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"malformed json", `{"query":`, "invalid payload"},
		{"unknown field", `{"q":"x"}`, "invalid payload"},
		{"bad search type", map[string]any{"query": "go", "search_type": "fuzzy"}, "invalid search request"},
		{"limit zero", map[string]any{"query": "go", "limit": 0}, "invalid search request"},
		{"limit too large", map[string]any{"query": "go", "limit": 101}, "invalid search request"},
		{"negative offset", map[string]any{"query": "go", "offset": -1}, "invalid search request"},
		{"semantic without query", map[string]any{"search_type": "semantic", "category": "Programming"}, "query is required for semantic search"},
		{"hybrid without query", map[string]any{"search_type": "hybrid"}, "query is required for hybrid search"},
		{"combined without query or filters", map[string]any{"query": "   "}, "query or at least one filter is required"},
		{"combined query without terms", map[string]any{"query": "!!!"}, "query has no searchable terms"},
		{"filtered query without terms", map[string]any{"query": "!!!", "category": "Programming"}, "query has no searchable terms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			h := newRouter(newTestDeps(mockStore, new(queue.MockQueue), nil))

			rec := do(t, h, http.MethodPost, "/api/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Contains(t, body["error"], tt.want)
			mockStore.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
			mockStore.AssertNotCalled(t, "RecordSearch", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSearchZeroVectorQuery(t *testing.T) {
	deps := newLocalDeps(t)
	h := newRouter(deps)

	rec := do(t, h, http.MethodPost, "/api/search", map[string]any{"query": "!!! ???", "search_type": "semantic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query has no searchable terms", decode(t, rec)["error"])

	stats := decode(t, do(t, h, http.MethodGet, "/api/stats", nil))
	assert.Equal(t, float64(0), stats["total_searches"], "rejected searches are not counted")
}

func TestSearchEmbedderFailure(t *testing.T) {
	mockStore := new(store.MockStore)
	mockEmb := new(embeddings.MockEmbedder)
	deps := newTestDeps(mockStore, new(queue.MockQueue), nil)
	deps.Embedder = mockEmb
	mockEmb.On("Model").Return("mock-embedder/v1")
	mockEmb.On("Embed", mock.Anything, "machine learning").Return(nil, errors.New("upstream timeout")).Once()

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{"query": "machine learning", "search_type": "semantic"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "failed to embed query", decode(t, rec)["error"])

	mockEmb.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
	mockStore.AssertNotCalled(t, "RecordSearch", mock.Anything, mock.Anything, mock.Anything)
}

func TestSearchZeroVectorFromEmbedder(t *testing.T) {
	mockStore := new(store.MockStore)
	mockEmb := new(embeddings.MockEmbedder)
	deps := newTestDeps(mockStore, new(queue.MockQueue), nil)
	deps.Embedder = mockEmb
	zero := make(embeddings.Vector, testDim)
	mockEmb.On("Model").Return("mock-embedder/v1")
	mockEmb.On("Embed", mock.Anything, "hello").Return(zero, nil).Once()
	mockStore.On("Search", mock.Anything, mock.MatchedBy(func(p store.SearchParams) bool {
		return p.Model == "mock-embedder/v1" && p.Vector.IsZero()
	})).Return(nil, embeddings.ErrZeroVector).Once()

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{"query": "hello", "search_type": "hybrid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query has no searchable terms", decode(t, rec)["error"])

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "RecordSearch", mock.Anything, mock.Anything, mock.Anything)
}

func TestSearchPassesParamsAndCaches(t *testing.T) {
	docID := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mockStore := new(store.MockStore)
	mockCache := new(cache.MockCache)
	deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)

	mockStore.On("RecordSearch", mock.Anything, "machine learning", store.SearchSemantic).Return(nil).Once()
	mockCache.On("GetSearch", mock.Anything, mock.AnythingOfType("string")).Return(nil, nil).Once()
	mockStore.On("Search", mock.Anything, mock.MatchedBy(func(p store.SearchParams) bool {
		return p.Type == store.SearchSemantic &&
			p.Query == "machine learning" &&
			p.Model == embeddings.HashModelTag(testDim) &&
			p.Category == "Research" &&
			assert.ObjectsAreEqual([]string{"ml"}, p.Tags) &&
			p.Limit == 5 && p.Offset == 2 &&
			len(p.Vector) == testDim && !p.Vector.IsZero()
	})).Return([]store.SearchResult{{
		Document: store.Document{ID: docID, Title: "ML basics", Tags: []string{"ml"}, SourceType: "note", CreatedAt: created},
		Score:    0.87,
	}}, nil).Once()
	mockCache.On("SetSearch", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(e *cache.SearchEntry) bool {
		return e.Count == 1
	}), time.Minute).Return(nil).Once()

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{
		"query":       " machine learning ",
		"search_type": "semantic",
		"category":    "Research",
		"tags":        []string{"ML", " "},
		"limit":       5,
		"offset":      2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "machine learning", body["query"])
	assert.Equal(t, "semantic", body["search_type"])
	assert.Equal(t, false, body["cached"])
	hit := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, docID.String(), hit["id"])
	assert.Equal(t, 0.87, hit["relevance_score"])

	mockStore.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestSearchCacheHit(t *testing.T) {
	mockStore := new(store.MockStore)
	mockCache := new(cache.MockCache)
	deps := newTestDeps(mockStore, new(queue.MockQueue), mockCache)

	mockStore.On("RecordSearch", mock.Anything, "go", store.SearchCombined).Return(nil).Once()
	mockCache.On("GetSearch", mock.Anything, mock.AnythingOfType("string")).
		Return(&cache.SearchEntry{Count: 1, Results: json.RawMessage(`[{"id":"cached"}]`)}, nil).Once()

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{"query": "go"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, "combined", body["search_type"])
	assert.Equal(t, "cached", body["results"].([]any)[0].(map[string]any)["id"])

	mockStore.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
	mockStore.AssertExpectations(t)
}

func TestSearchStoreFailure(t *testing.T) {
	mockStore := new(store.MockStore)
	deps := newTestDeps(mockStore, new(queue.MockQueue), nil)
	mockStore.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{"query": "go"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "search failed", decode(t, rec)["error"])
	mockStore.AssertNotCalled(t, "RecordSearch", mock.Anything, mock.Anything, mock.Anything)
}

func TestSearchRecordFailureIsNotFatal(t *testing.T) {
	mockStore := new(store.MockStore)
	deps := newTestDeps(mockStore, new(queue.MockQueue), nil)
	mockStore.On("Search", mock.Anything, mock.Anything).Return([]store.SearchResult{}, nil).Once()
	mockStore.On("RecordSearch", mock.Anything, "go", store.SearchCombined).Return(errors.New("log table locked")).Once()

	rec := do(t, newRouter(deps), http.MethodPost, "/api/search", map[string]any{"query": "go"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])
	mockStore.AssertExpectations(t)
}

func TestEndToEnd(t *testing.T) {
	deps := newLocalDeps(t)
	h := newRouter(deps)

	mlID := createDoc(t, h, map[string]any{
		"title":    "Machine learning basics",
		"content":  "Machine learning models learn patterns from data. Supervised learning uses labels.",
		"category": "AI & Machine Learning",
	})
	pgID := createDoc(t, h, map[string]any{
		"title":       "Postgres indexing",
		"content":     "Postgres supports btree and gin indexes for fast queries.",
		"tags":        []string{"Postgres", "databases"},
		"source_type": "article",
		"source_url":  "https://example.com/pg",
		"category":    "Programming",
	})

	t.Run("documents are indexed", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/documents/"+mlID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		doc := decode(t, rec)["document"].(map[string]any)
		assert.Equal(t, "ready", doc["status"])
		assert.Equal(t, "note", doc["source_type"])
		assert.NotEmpty(t, doc["summary"])
		assert.Contains(t, doc["tags"], "learning")
	})

	t.Run("semantic search ranks the closer document first", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/search", map[string]any{"query": "machine learning", "search_type": "semantic"})
		require.Equal(t, http.StatusOK, rec.Code)
		results := decode(t, rec)["results"].([]any)
		require.NotEmpty(t, results)
		first := results[0].(map[string]any)
		assert.Equal(t, mlID, first["id"])
		assert.Greater(t, first["relevance_score"].(float64), 0.0)
	})

	t.Run("combined search filters by category", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/search", map[string]any{"category": "Programming"})
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(1), body["count"])
		assert.Nil(t, body["query"])
		assert.Equal(t, pgID, body["results"].([]any)[0].(map[string]any)["id"])
	})

	t.Run("hybrid search", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/search", map[string]any{"query": "postgres indexes", "search_type": "hybrid"})
		require.Equal(t, http.StatusOK, rec.Code)
		results := decode(t, rec)["results"].([]any)
		require.NotEmpty(t, results)
		assert.Equal(t, pgID, results[0].(map[string]any)["id"])
	})

	t.Run("list by tag", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/documents?tag=postgres&limit=10", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(1), body["count"])
		assert.Equal(t, float64(10), body["limit"])
		assert.Equal(t, float64(0), body["offset"])
	})

	t.Run("categories", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/categories", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		cats := decode(t, rec)["categories"].([]any)
		require.Len(t, cats, 5)
		assert.Equal(t, "AI & Machine Learning", cats[0].(map[string]any)["name"])
	})

	t.Run("stats count searches", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(2), body["total_documents"])
		assert.Equal(t, float64(5), body["total_categories"])
		assert.Equal(t, float64(3), body["total_searches"])
		assert.NotEmpty(t, body["most_common_tags"])
	})
}

func TestCreateDocumentValidation(t *testing.T) {
	manyTags := make([]string, 21)
	for i := range manyTags {
		manyTags[i] = fmt.Sprintf("tag%d", i)
	}

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing title", map[string]any{"content": "c"}, "title"},
		{"blank content", map[string]any{"title": "t", "content": "   "}, "content"},
		{"title too long", map[string]any{"title": strings.Repeat("a", 501), "content": "c"}, "title"},
		{"too many tags", map[string]any{"title": "t", "content": "c", "tags": manyTags}, "tags"},
		{"tag too long", map[string]any{"title": "t", "content": "c", "tags": []string{strings.Repeat("x", 65)}}, "tags[0]"},
		{"bad source type", map[string]any{"title": "t", "content": "c", "source_type": "tweet"}, "source_type"},
		{"bad url", map[string]any{"title": "t", "content": "c", "source_url": "nope"}, "source_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockQueue := new(queue.MockQueue)
			h := newRouter(newTestDeps(mockStore, mockQueue, nil))

			rec := do(t, h, http.MethodPost, "/api/documents", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			fields := decode(t, rec)["fields"].(map[string]any)
			assert.Contains(t, fields, tt.field)

			mockStore.AssertExpectations(t)
			mockQueue.AssertExpectations(t)
		})
	}
}

func TestCreateDocumentUnknownCategory(t *testing.T) {
	h := newRouter(newLocalDeps(t))

	rec := do(t, h, http.MethodPost, "/api/documents", map[string]any{"title": "t", "content": "c", "category": "Cooking"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown category", decode(t, rec)["error"])
}

func TestCreateDocumentTruncatesContent(t *testing.T) {
	deps := newLocalDeps(t)
	deps.Config.MaxContentLength = 10
	h := newRouter(deps)

	id := createDoc(t, h, map[string]any{"title": "t", "content": "абвгдежзийклмн"})
	rec := do(t, h, http.MethodGet, "/api/documents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "абвгдежзий", decode(t, rec)["document"].(map[string]any)["content"])
}

func TestCreateDocumentEnqueueFailureMarksFailed(t *testing.T) {
	docID := uuid.New()
	mockStore := new(store.MockStore)
	mockQueue := new(queue.MockQueue)

	mockStore.On("CreateDocument", mock.Anything, mock.MatchedBy(func(d store.NewDocument) bool {
		return d.Title == "t" && d.SourceType == "note" && d.Tags == nil
	})).Return(store.Document{ID: docID, Status: store.StatusIndexing}, nil).Once()
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("queue error")).Times(3)
	mockStore.On("UpdateDocumentStatus", mock.Anything, docID, store.StatusFailed).Return(nil).Once()

	rec := do(t, newRouter(newTestDeps(mockStore, mockQueue, nil)), http.MethodPost, "/api/documents", map[string]any{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	mockStore.AssertExpectations(t)
	mockQueue.AssertExpectations(t)
}

func TestCreateDocumentEnqueuesIndexTask(t *testing.T) {
	docID := uuid.New()
	mockStore := new(store.MockStore)
	mockQueue := new(queue.MockQueue)

	mockStore.On("CreateDocument", mock.Anything, mock.Anything).
		Return(store.Document{ID: docID, Status: store.StatusIndexing}, nil).Once()
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()

	rec := do(t, newRouter(newTestDeps(mockStore, mockQueue, nil)), http.MethodPost, "/api/documents", map[string]any{"title": "t", "content": "c"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, docID.String(), body["document_id"])
	assert.Equal(t, string(store.StatusIndexing), body["status"])

	tasks := mockQueue.Enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskTypeIndex, tasks[0].Type)
	payload, err := queue.DecodeIndexPayload(tasks[0])
	require.NoError(t, err)
	assert.Equal(t, docID, payload.DocumentID)
}

func TestUploadHandler(t *testing.T) {
	validDocID := uuid.New()

	tests := []struct {
		name        string
		filename    string
		contentType string
		content     []byte
		fields      map[string]string
		setup       func(*store.MockStore, *queue.MockQueue)
		wantStatus  int
	}{
		{
			name:        "successful upload",
			filename:    "notes.txt",
			contentType: "text/plain",
			content:     []byte("Hello knowledge base"),
			fields:      map[string]string{"tags": "Go, notes", "category": "Personal"},
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, store.NewDocument{
					Title:      "notes",
					Content:    "Hello knowledge base",
					Tags:       []string{"go", "notes"},
					SourceType: "file",
					Category:   "Personal",
				}).Return(store.Document{ID: validDocID, Status: store.StatusIndexing}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:        "explicit title",
			filename:    "a.txt",
			contentType: "text/plain; charset=utf-8",
			content:     []byte("body"),
			fields:      map[string]string{"title": "My title"},
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, mock.MatchedBy(func(d store.NewDocument) bool {
					return d.Title == "My title"
				})).Return(store.Document{ID: validDocID, Status: store.StatusIndexing}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:        "file too large",
			filename:    "large.txt",
			contentType: "text/plain",
			content:     make([]byte, 2*1024*1024), // 2MB
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "missing Content-Type detects from extension",
			filename:    "test.txt",
			contentType: "", // Empty, should detect from .txt
			content:     []byte("content"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, mock.Anything).
					Return(store.Document{ID: validDocID, Status: store.StatusIndexing}, nil).Once()
				q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:        "unsupported extension",
			filename:    "test.docx",
			contentType: "",
			content:     []byte("content"),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "unsupported Content-Type",
			filename:    "test.doc",
			contentType: "application/msword",
			content:     []byte("content"),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "empty text",
			filename:    "blank.txt",
			contentType: "text/plain",
			content:     []byte("  \n "),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "broken pdf",
			filename:    "broken.pdf",
			contentType: "application/pdf",
			content:     []byte("not a pdf"),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "CreateDocument failure",
			filename:    "test.txt",
			contentType: "text/plain",
			content:     []byte("content"),
			setup: func(s *store.MockStore, q *queue.MockQueue) {
				s.On("CreateDocument", mock.Anything, mock.Anything).
					Return(store.Document{}, errors.New("db error")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			mockQueue := new(queue.MockQueue)

			if tt.setup != nil {
				tt.setup(mockStore, mockQueue)
			}

			deps := newTestDeps(mockStore, mockQueue, nil)
			handler := uploadHandler(deps)

			req, err := createMultipartRequest(tt.filename, tt.contentType, tt.content, tt.fields)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, w.Code, w.Body.String())
			}

			mockStore.AssertExpectations(t)
			mockQueue.AssertExpectations(t)
		})
	}

	// Test missing file separately since it requires different request setup
	t.Run("missing file", func(t *testing.T) {
		deps := newTestDeps(new(store.MockStore), new(queue.MockQueue), nil)
		handler := uploadHandler(deps)

		req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", nil)
		req.Header.Set("Content-Type", "multipart/form-data")
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestGetDocumentHandler(t *testing.T) {
	validDocID := uuid.New()

	tests := []struct {
		name       string
		docID      string
		setup      func(*store.MockStore)
		wantStatus int
	}{
		{
			name:  "found",
			docID: validDocID.String(),
			setup: func(s *store.MockStore) {
				s.On("GetDocument", mock.Anything, validDocID).
					Return(store.Document{ID: validDocID, Title: "t", Status: store.StatusReady}, nil).Once()
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid UUID",
			docID:      "not-a-uuid",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:  "not found",
			docID: validDocID.String(),
			setup: func(s *store.MockStore) {
				s.On("GetDocument", mock.Anything, validDocID).
					Return(store.Document{}, store.ErrDocumentNotFound).Once()
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name:  "store error",
			docID: validDocID.String(),
			setup: func(s *store.MockStore) {
				s.On("GetDocument", mock.Anything, validDocID).
					Return(store.Document{}, errors.New("db error")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			if tt.setup != nil {
				tt.setup(mockStore)
			}
			h := newRouter(newTestDeps(mockStore, new(queue.MockQueue), nil))

			rec := do(t, h, http.MethodGet, "/api/documents/"+tt.docID, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				doc := decode(t, rec)["document"].(map[string]any)
				assert.Equal(t, validDocID.String(), doc["id"])
				assert.Equal(t, []any{}, doc["tags"])
			}
			mockStore.AssertExpectations(t)
		})
	}
}

func TestListDocumentsParams(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		filter     store.ListFilter
	}{
		{"defaults", "", http.StatusOK, store.ListFilter{Limit: 20}},
		{"filters", "?category=Research&tag=ml&limit=5&offset=10", http.StatusOK, store.ListFilter{Category: "Research", Tag: "ml", Limit: 5, Offset: 10}},
		{"limit zero", "?limit=0", http.StatusBadRequest, store.ListFilter{}},
		{"limit too large", "?limit=101", http.StatusBadRequest, store.ListFilter{}},
		{"limit not a number", "?limit=ten", http.StatusBadRequest, store.ListFilter{}},
		{"negative offset", "?offset=-5", http.StatusBadRequest, store.ListFilter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(store.MockStore)
			if tt.wantStatus == http.StatusOK {
				mockStore.On("ListDocuments", mock.Anything, tt.filter).Return([]store.Document{}, nil).Once()
			}
			h := newRouter(newTestDeps(mockStore, new(queue.MockQueue), nil))

			rec := do(t, h, http.MethodGet, "/api/documents"+tt.query, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			mockStore.AssertExpectations(t)
		})
	}
}

func TestStatsAndCategoriesErrors(t *testing.T) {
	mockStore := new(store.MockStore)
	mockStore.On("Stats", mock.Anything).Return(store.Stats{}, errors.New("db error"))
	mockStore.On("ListCategories", mock.Anything).Return(nil, errors.New("db error"))
	h := newRouter(newTestDeps(mockStore, new(queue.MockQueue), nil))

	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/stats", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/categories", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	deps := newLocalDeps(t)
	h := newRouter(deps)

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kb_http_requests_total")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"go", "ml"}, cleanTags([]string{" Go", "ml", "GO", ""}))
	assert.Nil(t, cleanTags(nil))
	assert.Equal(t, "abc", truncateRunes("abcdef", 3))
	assert.Equal(t, "abc", truncateRunes("abc", 0))

	ct, ok := detectContentType("x.PDF", "")
	assert.True(t, ok)
	assert.Equal(t, "application/pdf", ct)
	_, ok = detectContentType("x.exe", "application/octet-stream")
	assert.False(t, ok)
}

func createMultipartRequest(filename, contentType string, content []byte, fields map[string]string) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, err
	}

	if _, err := part.Write(content); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req, nil
}
