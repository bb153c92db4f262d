package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"knowledge-base/internal/app"
	"knowledge-base/internal/cache"
	"knowledge-base/internal/embeddings"
	"knowledge-base/internal/httputil"
	"knowledge-base/internal/queue"
	"knowledge-base/internal/store"
)

const (
	apiVersion = "1.0.0"

	defaultLimit = 20
	maxLimit     = 100
)

type searchRequest struct {
	Query      string   `json:"query"`
	SearchType string   `json:"search_type" validate:"omitempty,oneof=combined semantic hybrid"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags" validate:"max=20"`
	SourceType string   `json:"source_type"`
	Limit      *int     `json:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int      `json:"offset" validate:"min=0"`
}

// searchKey is the normalized request used as the cache key.
type searchKey struct {
	Query      string   `json:"q"`
	Type       string   `json:"t"`
	Model      string   `json:"m"`
	Category   string   `json:"c"`
	Tags       []string `json:"g"`
	SourceType string   `json:"s"`
	Limit      int      `json:"l"`
	Offset     int      `json:"o"`
}

type createDocumentRequest struct {
	Title      string   `json:"title" validate:"required,max=500"`
	Content    string   `json:"content" validate:"required"`
	Summary    string   `json:"summary"`
	Tags       []string `json:"tags" validate:"max=20,dive,required,max=64"`
	SourceType string   `json:"source_type" validate:"omitempty,oneof=note article file web code"`
	SourceURL  string   `json:"source_url" validate:"omitempty,url"`
	Category   string   `json:"category"`
}

type documentView struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags"`
	SourceType string    `json:"source_type"`
	SourceURL  string    `json:"source_url,omitempty"`
	Category   string    `json:"category,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type searchHit struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Summary        string    `json:"summary"`
	Tags           []string  `json:"tags"`
	SourceType     string    `json:"source_type"`
	Category       string    `json:"category,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	RelevanceScore float64   `json:"relevance_score"`
}

type searchResponse struct {
	Success    bool            `json:"success"`
	Count      int             `json:"count"`
	Results    json.RawMessage `json:"results"`
	Query      *string         `json:"query"`
	SearchType string          `json:"search_type"`
	Cached     bool            `json:"cached"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, "api")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := httputil.Serve(ctx, deps.Log, srv); err != nil {
		deps.Log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func newRouter(deps *app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log, httputil.RouterOptions{
		AllowedOrigins: deps.Config.CORSAllowedOrigins,
		Metrics:        deps.Metrics,
	})

	r.Get("/", rootHandler(deps))
	r.Post("/api/search", searchHandler(deps))
	r.Post("/api/documents", createDocumentHandler(deps))
	r.Post("/api/documents/upload", uploadHandler(deps))
	r.Get("/api/documents", listDocumentsHandler(deps))
	r.Get("/api/documents/{id}", getDocumentHandler(deps))
	r.Get("/api/categories", categoriesHandler(deps))
	r.Get("/api/stats", statsHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps.Log, deps.Checks))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	return r
}

func rootHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"message":     "AI Knowledge Base API",
			"version":     apiVersion,
			"project_ref": deps.Config.ProjectRef,
			"endpoints": map[string]string{
				"search":     "/api/search",
				"documents":  "/api/documents",
				"upload":     "/api/documents/upload",
				"categories": "/api/categories",
				"stats":      "/api/stats",
			},
		})
	}
}

func searchHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validate(req); err != nil {
			httputil.Fail(deps.Log, w, "invalid search request", err, http.StatusBadRequest)
			return
		}

		key := normalizeSearch(req, deps.Embedder.Model())
		searchType := store.SearchType(key.Type)
		switch {
		case key.Query != "" && len(embeddings.Tokenize(key.Query)) == 0:
			httputil.Fail(deps.Log, w, "query has no searchable terms", nil, http.StatusBadRequest)
			return
		case searchType != store.SearchCombined && key.Query == "":
			httputil.Fail(deps.Log, w, fmt.Sprintf("query is required for %s search", searchType), nil, http.StatusBadRequest)
			return
		case key.Query == "" && key.Category == "" && len(key.Tags) == 0 && key.SourceType == "":
			httputil.Fail(deps.Log, w, "query or at least one filter is required", nil, http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		log := deps.Log.With("search_type", searchType)

		// Served searches count, cached or not. Rejected ones do not.
		record := func() {
			if err := deps.Store.RecordSearch(ctx, key.Query, searchType); err != nil {
				log.Warn("failed to record search", "err", err)
			}
			deps.Metrics.RecordSearch(string(searchType))
		}

		cacheKey, err := cache.GenerateCacheKey(key)
		if err != nil {
			httputil.Fail(log, w, "failed to build cache key", err, http.StatusInternalServerError)
			return
		}
		if cached, err := deps.Cache.GetSearch(ctx, cacheKey); err != nil {
			log.Warn("cache read failed", "err", err)
		} else if cached != nil {
			deps.Metrics.RecordCache(true)
			log.Debug("cache hit", "query", key.Query)
			record()
			writeSearch(w, key, cached, true)
			return
		}
		deps.Metrics.RecordCache(false)

		params := store.SearchParams{
			Type:       searchType,
			Query:      key.Query,
			Model:      key.Model,
			Category:   key.Category,
			Tags:       key.Tags,
			SourceType: key.SourceType,
			Limit:      key.Limit,
			Offset:     key.Offset,
		}
		if searchType != store.SearchCombined {
			vec, err := deps.Embedder.Embed(ctx, key.Query)
			if err != nil {
				httputil.Fail(log, w, "failed to embed query", err, http.StatusBadGateway)
				return
			}
			params.Vector = vec
		}

		results, err := deps.Store.Search(ctx, params)
		if errors.Is(err, embeddings.ErrZeroVector) {
			httputil.Fail(log, w, "query has no searchable terms", err, http.StatusBadRequest)
			return
		}
		if err != nil {
			httputil.Fail(log, w, "search failed", err, http.StatusInternalServerError)
			return
		}
		record()

		hits := make([]searchHit, len(results))
		for i, res := range results {
			hits[i] = toHit(res)
		}
		body, err := json.Marshal(hits)
		if err != nil {
			httputil.Fail(log, w, "failed to encode results", err, http.StatusInternalServerError)
			return
		}
		entry := &cache.SearchEntry{Count: len(hits), Results: body}
		if err := deps.Cache.SetSearch(ctx, cacheKey, entry, deps.Config.CacheTTL); err != nil {
			log.Warn("cache write failed", "err", err)
		}
		writeSearch(w, key, entry, false)
	}
}

func normalizeSearch(req searchRequest, model string) searchKey {
	key := searchKey{
		Query:      strings.TrimSpace(req.Query),
		Type:       req.SearchType,
		Category:   strings.TrimSpace(req.Category),
		Tags:       cleanTags(req.Tags),
		SourceType: strings.TrimSpace(req.SourceType),
		Limit:      defaultLimit,
		Offset:     req.Offset,
	}
	if key.Type == "" {
		key.Type = string(store.SearchCombined)
	}
	if key.Type != string(store.SearchCombined) {
		key.Model = model
	}
	if req.Limit != nil {
		key.Limit = *req.Limit
	}
	return key
}

func writeSearch(w http.ResponseWriter, key searchKey, entry *cache.SearchEntry, cached bool) {
	resp := searchResponse{
		Success:    true,
		Count:      entry.Count,
		Results:    entry.Results,
		SearchType: key.Type,
		Cached:     cached,
	}
	if key.Query != "" {
		q := key.Query
		resp.Query = &q
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func createDocumentHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDocumentRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if req.SourceType == "" {
			req.SourceType = "note"
		}
		createDocument(deps, w, r, req)
	}
}

func uploadHandler(deps *app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		// Validate file size before parsing
		if r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}
		// Leave room for the multipart envelope and form fields.
		r.Body = http.MaxBytesReader(w, r.Body, maxFileSize+64*1024)

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}

		contentType, ok := detectContentType(header.Filename, header.Header.Get("Content-Type"))
		if !ok {
			httputil.Fail(deps.Log, w, "unsupported file type (only PDF and TXT allowed)", nil, http.StatusBadRequest)
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}
		text := extractText(deps.Log, contentType, header.Filename, content)
		if strings.TrimSpace(text) == "" {
			httputil.Fail(deps.Log, w, "file contains no text", nil, http.StatusBadRequest)
			return
		}

		title := strings.TrimSpace(r.FormValue("title"))
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
		}
		sourceType := strings.TrimSpace(r.FormValue("source_type"))
		if sourceType == "" {
			sourceType = "file"
		}
		var tags []string
		if raw := r.FormValue("tags"); raw != "" {
			tags = strings.Split(raw, ",")
		}

		createDocument(deps, w, r, createDocumentRequest{
			Title:      title,
			Content:    text,
			Tags:       tags,
			SourceType: sourceType,
			Category:   r.FormValue("category"),
		})
	}
}

// createDocument validates, persists and enqueues indexing for a new document.
func createDocument(deps *app.Deps, w http.ResponseWriter, r *http.Request, req createDocumentRequest) {
	ctx := r.Context()

	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	req.Category = strings.TrimSpace(req.Category)
	req.Tags = cleanTags(req.Tags)
	if err := httputil.Validate(req); err != nil {
		httputil.Fail(deps.Log, w, "invalid document", err, http.StatusBadRequest)
		return
	}

	doc, err := deps.Store.CreateDocument(ctx, store.NewDocument{
		Title:      req.Title,
		Content:    truncateRunes(req.Content, deps.Config.MaxContentLength),
		Summary:    strings.TrimSpace(req.Summary),
		Tags:       req.Tags,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		Category:   req.Category,
	})
	if errors.Is(err, store.ErrCategoryNotFound) {
		httputil.Fail(deps.Log, w, "unknown category", err, http.StatusBadRequest)
		return
	}
	if err != nil {
		httputil.Fail(deps.Log, w, "failed to persist document", err, http.StatusInternalServerError)
		return
	}

	task, err := queue.NewIndexTask(doc.ID)
	if err != nil {
		fail(deps, ctx, w, "failed to build index task", err, doc.ID, http.StatusInternalServerError, true)
		return
	}
	if err := queue.EnqueueWithRetry(ctx, deps.Queue, task, 3, 200*time.Millisecond); err != nil {
		fail(deps, ctx, w, "failed to enqueue document; please retry", err, doc.ID, http.StatusInternalServerError, true)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"document_id": doc.ID.String(),
		"status":      doc.Status,
		"message":     "document added",
	})
}

// fail is an error handler that can also mark the document as failed.
func fail(deps *app.Deps, ctx context.Context, w http.ResponseWriter, message string, err error, docID uuid.UUID, status int, markFailed bool) {
	log := deps.Log.With("document_id", docID)
	if markFailed && docID != uuid.Nil {
		if upErr := deps.Store.UpdateDocumentStatus(ctx, docID, store.StatusFailed); upErr != nil {
			log.Error("failed to mark document failed", "err", upErr)
		}
	}

	httputil.Fail(log, w, message, err, status)
}

func listDocumentsHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := intParam(q.Get("limit"), defaultLimit)
		if err != nil || limit < 1 || limit > maxLimit {
			httputil.Fail(deps.Log, w, fmt.Sprintf("limit must be between 1 and %d", maxLimit), err, http.StatusBadRequest)
			return
		}
		offset, err := intParam(q.Get("offset"), 0)
		if err != nil || offset < 0 {
			httputil.Fail(deps.Log, w, "offset must be zero or positive", err, http.StatusBadRequest)
			return
		}

		docs, err := deps.Store.ListDocuments(r.Context(), store.ListFilter{
			Category: strings.TrimSpace(q.Get("category")),
			Tag:      strings.TrimSpace(q.Get("tag")),
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = toView(d)
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"documents": views,
			"count":     len(views),
			"limit":     limit,
			"offset":    offset,
		})
	}
}

func getDocumentHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.GetDocument(r.Context(), docID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"document": toView(doc),
		})
	}
}

func categoriesHandler(deps *app.Deps) http.HandlerFunc {
	type categoryView struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := deps.Store.ListCategories(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list categories", err, http.StatusInternalServerError)
			return
		}
		views := make([]categoryView, len(cats))
		for i, c := range cats {
			views[i] = categoryView{ID: c.ID, Name: c.Name, Color: c.Color}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "categories": views})
	}
}

func statsHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load stats", err, http.StatusInternalServerError)
			return
		}
		tags := stats.MostCommonTags
		if tags == nil {
			tags = []string{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"total_documents":  stats.TotalDocuments,
			"total_categories": stats.TotalCategories,
			"total_searches":   stats.TotalSearches,
			"most_common_tags": tags,
		})
	}
}

func toView(d store.Document) documentView {
	return documentView{
		ID:         d.ID,
		Title:      d.Title,
		Content:    d.Content,
		Summary:    d.Summary,
		Tags:       nonNil(d.Tags),
		SourceType: d.SourceType,
		SourceURL:  d.SourceURL,
		Category:   d.Category,
		Status:     string(d.Status),
		CreatedAt:  d.CreatedAt,
	}
}

func toHit(res store.SearchResult) searchHit {
	return searchHit{
		ID:             res.ID,
		Title:          res.Title,
		Content:        res.Content,
		Summary:        res.Summary,
		Tags:           nonNil(res.Tags),
		SourceType:     res.SourceType,
		Category:       res.Category,
		CreatedAt:      res.CreatedAt,
		RelevanceScore: res.Score,
	}
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// cleanTags trims, lowercases and de-duplicates tags, dropping empty ones.
func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// detectContentType accepts text and PDF uploads, falling back to the file
// extension when the part carries no Content-Type.
func detectContentType(filename, contentType string) (string, bool) {
	if contentType == "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".txt", ".md":
			contentType = "text/plain"
		case ".pdf":
			contentType = "application/pdf"
		default:
			return "", false
		}
	}
	// Drop parameters such as "; charset=utf-8".
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	switch contentType {
	case "text/plain", "text/markdown", "application/pdf":
		return contentType, true
	default:
		return "", false
	}
}

// extractText extracts text from uploaded files, with PDF support.
func extractText(log *slog.Logger, contentType, filename string, content []byte) string {
	if contentType == "application/pdf" {
		text, err := extractPDF(content)
		if err != nil {
			log.Warn("pdf extraction failed", "err", err, "filename", filename)
			return ""
		}
		return text
	}
	// Treat other files as plain text
	return strings.ToValidUTF8(string(content), "")
}

func extractPDF(content []byte) (string, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return "", err
	}

	var textBuilder strings.Builder
	numPages := pdfReader.NumPage()

	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}

	return textBuilder.String(), nil
}
