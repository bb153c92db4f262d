package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"knowledge-base/internal/app"
	"knowledge-base/internal/httputil"
	"knowledge-base/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, "indexer")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	if deps.Config.QueueProvider == "local" {
		deps.Log.Warn("QUEUE_PROVIDER=local: the api indexes documents itself, this worker will stay idle")
	}

	if err := run(ctx, deps, fmt.Sprintf(":%d", deps.Config.HealthPort)); err != nil {
		deps.Log.Error("indexer stopped", "err", err)
		os.Exit(1)
	}
}

// run consumes index tasks and serves health checks until ctx is cancelled
// or either of them fails.
func run(ctx context.Context, deps *app.Deps, healthAddr string) error {
	deps.Log.Info("indexer starting", "model", deps.Embedder.Model())

	g, ctx := errgroup.WithContext(ctx)

	// Run queue worker
	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIndex, deps.Indexer.Handle)
	})

	// Run health check server
	g.Go(func() error {
		return httputil.ServeHealth(ctx, deps.Log, healthAddr, deps.Checks, deps.Metrics)
	})

	return g.Wait()
}
