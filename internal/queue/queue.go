package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"knowledge-base/internal/retry"
)

// TaskType enumerates supported task categories.
type TaskType string

const (
	// TaskTypeIndex summarizes, tags and embeds one document.
	TaskTypeIndex TaskType = "index"
)

// DefaultMaxAttempts applies when a task leaves MaxAttempts unset.
const DefaultMaxAttempts = 5

var ErrNoHandler = errors.New("no handler registered for task type")

// Task represents a unit of work handed from the api to the indexer.
type Task struct {
	ID          uuid.UUID `json:"id"`
	Type        TaskType  `json:"type"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NotBefore   time.Time `json:"not_before"`
}

// IndexPayload is the body of a TaskTypeIndex task.
type IndexPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// NewIndexTask builds an index task for a document.
func NewIndexTask(documentID uuid.UUID) (Task, error) {
	body, err := json.Marshal(IndexPayload{DocumentID: documentID})
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:          uuid.New(),
		Type:        TaskTypeIndex,
		Payload:     body,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// DecodeIndexPayload extracts the document id from an index task.
func DecodeIndexPayload(task Task) (IndexPayload, error) {
	var p IndexPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return p, fmt.Errorf("decode index payload: %w", err)
	}
	if p.DocumentID == uuid.Nil {
		return p, errors.New("decode index payload: document_id required")
	}
	return p, nil
}

type Handler func(context.Context, Task) error

// ExhaustedFunc is called once a task has used all of its attempts.
type ExhaustedFunc func(ctx context.Context, task Task, err error)

// Queue exposes a minimal contract to enqueue and consume tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Worker(ctx context.Context, taskType TaskType, handler Handler) error
}

// EnqueueWithRetry attempts to enqueue with retries and exponential backoff.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := q.Enqueue(ctx, task); err == nil {
			return nil
		} else if attempt == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.ExponentialBackoff(attempt, base)):
		}
	}
	return nil
}

func maxAttempts(task Task) int {
	if task.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return task.MaxAttempts
}
