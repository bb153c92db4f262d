package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"knowledge-base/internal/retry"
)

// NATSOptions tunes redelivery.
type NATSOptions struct {
	BaseDelay   time.Duration // first retry delay, default 1s
	MaxDelay    time.Duration // retry delay cap, default 1m
	OnExhausted ExhaustedFunc
}

// NewNATS constructs a thin NATS-based queue.
func NewNATS(log *slog.Logger, nc *nats.Conn, opts NATSOptions) Queue {
	return newNATSQueue(log, nc.Publish, nc, opts)
}

func newNATSQueue(log *slog.Logger, publish func(string, []byte) error, nc *nats.Conn, opts NATSOptions) *natsQueue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	return &natsQueue{log: log, nc: nc, publish: publish, opts: opts, now: time.Now}
}

type natsQueue struct {
	log     *slog.Logger
	nc      *nats.Conn
	publish func(subject string, data []byte) error
	opts    NATSOptions
	now     func() time.Time
	delayed sync.WaitGroup
}

func subjectFor(taskType TaskType) string {
	return "tasks." + string(taskType)
}

func (q *natsQueue) Enqueue(_ context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		return errors.New("task type required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.publish(subjectFor(task.Type), body)
}

func (q *natsQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	group := "workers-" + string(taskType)
	sub, err := q.nc.QueueSubscribe(subjectFor(taskType), group, func(msg *nats.Msg) {
		q.handleMessage(ctx, msg.Data, handler)
	})
	if err != nil {
		return err
	}
	q.log.Info("worker subscribed", "subject", subjectFor(taskType), "group", group)
	<-ctx.Done()
	err = sub.Unsubscribe()
	q.delayed.Wait()
	return err
}

func (q *natsQueue) handleMessage(ctx context.Context, data []byte, handler Handler) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		q.log.Error("failed to decode task", "err", err)
		return
	}

	// Callbacks of one subscription run in sequence, so a delayed retry
	// waits off the callback goroutine.
	if wait := task.NotBefore.Sub(q.now()); wait > 0 {
		q.delayed.Add(1)
		go func() {
			defer q.delayed.Done()
			q.runDelayed(ctx, task, wait, handler)
		}()
		return
	}
	q.run(ctx, task, handler)
}

func (q *natsQueue) runDelayed(ctx context.Context, task Task, wait time.Duration, handler Handler) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Put it back so another worker picks it up after restart.
		if err := q.Enqueue(context.Background(), task); err != nil {
			q.log.Error("failed to hand back delayed task", "id", task.ID, "err", err)
		}
	case <-timer.C:
		q.run(ctx, task, handler)
	}
}

func (q *natsQueue) run(ctx context.Context, task Task, handler Handler) {
	if err := handler(ctx, task); err != nil {
		q.retryTask(ctx, task, err)
	}
}

func (q *natsQueue) retryTask(ctx context.Context, task Task, handlerErr error) {
	task.Attempts++
	task.MaxAttempts = maxAttempts(task)

	if task.Attempts < task.MaxAttempts {
		delay := retry.CappedBackoff(task.Attempts-1, q.opts.BaseDelay, q.opts.MaxDelay)
		task.NotBefore = q.now().Add(delay)
		q.log.Warn("task failed, retrying", "id", task.ID, "type", task.Type, "attempt", task.Attempts, "delay", delay, "err", handlerErr)
		if err := q.Enqueue(ctx, task); err != nil {
			q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "original_err", handlerErr, "enqueue_err", err)
		}
		return
	}

	q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "attempts", task.Attempts, "original_err", handlerErr)
	if q.opts.OnExhausted != nil {
		q.opts.OnExhausted(ctx, task, handlerErr)
	}
}
