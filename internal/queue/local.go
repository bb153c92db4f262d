package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Local dispatches tasks synchronously to in-process handlers. It lets the api
// index documents itself when no broker is configured.
type Local struct {
	log         *slog.Logger
	onExhausted ExhaustedFunc

	mu       sync.RWMutex
	handlers map[TaskType]Handler
}

func NewLocal(log *slog.Logger, onExhausted ExhaustedFunc) *Local {
	return &Local{log: log, onExhausted: onExhausted, handlers: map[TaskType]Handler{}}
}

// Register installs the handler for a task type, replacing any previous one.
func (q *Local) Register(taskType TaskType, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

// Enqueue runs the handler inline, retrying immediately until MaxAttempts.
// Handler failures are reported through the exhaustion hook, not returned.
func (q *Local) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	handler, ok := q.handlers[task.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, task.Type)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	limit := maxAttempts(task)
	var err error
	for {
		if err = handler(ctx, task); err == nil {
			return nil
		}
		task.Attempts++
		q.log.Warn("local task failed", "id", task.ID, "type", task.Type, "attempt", task.Attempts, "err", err)
		if task.Attempts >= limit || ctx.Err() != nil {
			break
		}
	}

	q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "attempts", task.Attempts, "original_err", err)
	if q.onExhausted != nil {
		q.onExhausted(ctx, task, err)
	}
	return nil
}

// Worker registers handler and blocks until ctx is done.
func (q *Local) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	q.Register(taskType, handler)
	<-ctx.Done()
	return nil
}
