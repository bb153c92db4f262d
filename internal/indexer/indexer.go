// Package indexer turns stored documents into searchable ones: it fills in a
// missing summary and tags, stores the embedding and flips the status to ready.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"knowledge-base/internal/cache"
	"knowledge-base/internal/embeddings"
	"knowledge-base/internal/llm"
	"knowledge-base/internal/metrics"
	"knowledge-base/internal/queue"
	"knowledge-base/internal/store"
	"knowledge-base/internal/summarize"
)

// Outcome labels a finished indexing run.
type Outcome string

const (
	OutcomeReady Outcome = "ready"
	// OutcomeEmpty means the document had no tokens, so no embedding was stored.
	OutcomeEmpty  Outcome = "empty"
	OutcomeFailed Outcome = "failed"
)

type Indexer struct {
	log      *slog.Logger
	store    store.Store
	embedder embeddings.Embedder
	llm      llm.Client
	cache    cache.Cache
	metrics  *metrics.Metrics
	tagCount int
}

func New(log *slog.Logger, st store.Store, emb embeddings.Embedder, client llm.Client, c cache.Cache, m *metrics.Metrics) *Indexer {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &Indexer{
		log:      log,
		store:    st,
		embedder: emb,
		llm:      client,
		cache:    c,
		metrics:  m,
		tagCount: summarize.DefaultTagCount,
	}
}

// Handle is the queue.Handler for index tasks. Returned errors are retried by the queue.
func (ix *Indexer) Handle(ctx context.Context, task queue.Task) error {
	payload, err := queue.DecodeIndexPayload(task)
	if err != nil {
		// Retrying cannot fix a malformed task.
		ix.log.Error("dropping malformed index task", "task_id", task.ID, "err", err)
		return nil
	}

	_, err = ix.Index(ctx, payload.DocumentID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		ix.log.Warn("document vanished before indexing", "document_id", payload.DocumentID)
		return nil
	}
	return err
}

// Index processes one document.
func (ix *Indexer) Index(ctx context.Context, id uuid.UUID) (Outcome, error) {
	start := time.Now()
	log := ix.log.With("document_id", id)

	doc, err := ix.store.GetDocument(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}

	if err := ix.annotate(ctx, doc); err != nil {
		return "", err
	}

	outcome := OutcomeReady
	vec, err := ix.embedder.Embed(ctx, embeddingText(doc))
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	if vec.IsZero() {
		outcome = OutcomeEmpty
		log.Info("document has no tokens, skipping embedding")
	} else {
		err = ix.store.SaveEmbedding(ctx, store.Embedding{DocumentID: doc.ID, Vector: vec, Model: ix.embedder.Model()})
		if err != nil {
			return "", fmt.Errorf("save embedding: %w", err)
		}
	}

	if err := ix.store.UpdateDocumentStatus(ctx, doc.ID, store.StatusReady); err != nil {
		return "", fmt.Errorf("mark ready: %w", err)
	}
	if err := ix.cache.Invalidate(ctx); err != nil {
		log.Warn("search cache invalidation failed", "err", err)
	}

	ix.metrics.RecordIndex(string(outcome), time.Since(start))
	log.Info("document indexed", "outcome", outcome, "model", ix.embedder.Model(), "duration_ms", time.Since(start).Milliseconds())
	return outcome, nil
}

// annotate fills a missing summary or tag list and persists them.
func (ix *Indexer) annotate(ctx context.Context, doc store.Document) error {
	summary, tags := doc.Summary, doc.Tags
	if summary == "" {
		s, _, err := ix.llm.Summarize(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		summary = s
	}
	if len(tags) == 0 {
		tags = summarize.Tags(embeddingText(doc), ix.tagCount)
	}
	if summary == doc.Summary && len(tags) == len(doc.Tags) {
		return nil
	}
	if err := ix.store.SaveAnnotations(ctx, doc.ID, summary, tags); err != nil {
		return fmt.Errorf("save annotations: %w", err)
	}
	return nil
}

// MarkFailed is the queue.ExhaustedFunc for index tasks.
func (ix *Indexer) MarkFailed(ctx context.Context, task queue.Task, cause error) {
	payload, err := queue.DecodeIndexPayload(task)
	if err != nil {
		return
	}
	ix.metrics.RecordIndex(string(OutcomeFailed), 0)
	if err := ix.store.UpdateDocumentStatus(ctx, payload.DocumentID, store.StatusFailed); err != nil {
		ix.log.Error("failed to mark document failed", "document_id", payload.DocumentID, "err", err, "cause", cause)
		return
	}
	ix.log.Error("document indexing failed", "document_id", payload.DocumentID, "attempts", task.Attempts, "cause", cause)
}

func embeddingText(doc store.Document) string {
	return doc.Title + "\n\n" + doc.Content
}
