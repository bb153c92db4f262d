package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"knowledge-base/internal/cache"
	"knowledge-base/internal/config"
	"knowledge-base/internal/embeddings"
	"knowledge-base/internal/httputil"
	"knowledge-base/internal/indexer"
	"knowledge-base/internal/llm"
	"knowledge-base/internal/logger"
	"knowledge-base/internal/metrics"
	"knowledge-base/internal/queue"
	"knowledge-base/internal/store"
)

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Store    store.Store
	Queue    queue.Queue
	Cache    cache.Cache
	Embedder embeddings.Embedder
	LLM      llm.Client
	Metrics  *metrics.Metrics
	Indexer  *indexer.Indexer

	// Checks back /healthz.
	Checks map[string]httputil.Check

	closers []func()
}

// Close releases connections in reverse order of creation.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Build loads env, config, and shared components for the named service.
func Build(ctx context.Context, service string) (*Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, service).With("project_ref", cfg.ProjectRef)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return BuildFromConfig(ctx, cfg, log, metrics.New(reg))
}

// BuildFromConfig wires components from an already loaded config.
func BuildFromConfig(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log, Metrics: m, Checks: map[string]httputil.Check{}}

	var err error
	if d.Store, err = d.buildStore(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	d.Cache = d.buildCache()
	if d.LLM, err = buildLLM(cfg, log); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	if d.Embedder, err = buildEmbedder(cfg, log); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	d.Indexer = indexer.New(log, d.Store, d.Embedder, d.LLM, d.Cache, m)
	if d.Queue, err = d.buildQueue(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return d, nil
}

func (d *Deps) buildStore(ctx context.Context) (store.Store, error) {
	cfg, log := d.Config, d.Log
	switch cfg.StoreProvider {
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		db, pool, err := store.NewPostgres(connectCtx, cfg.DBURL, d.dimension())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		d.Checks["store"] = pool.Ping
		log.Info("using Postgres store", "dimension", d.dimension())
		return db, nil
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid options: postgres, memory)", cfg.StoreProvider)
	}
}

// buildCache never fails: an unreachable Redis degrades to no caching.
func (d *Deps) buildCache() cache.Cache {
	cfg, log := d.Config, d.Log
	switch cfg.CacheProvider {
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, search cache disabled", "addr", cfg.RedisAddr, "err", err)
			return cache.NewNoOpCache()
		}
		d.closers = append(d.closers, func() { _ = c.Close() })
		log.Info("using Redis search cache", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
		return c
	case "none", "":
		return cache.NewNoOpCache()
	default:
		log.Warn("unknown CACHE_PROVIDER, search cache disabled", "provider", cfg.CacheProvider)
		return cache.NewNoOpCache()
	}
}

func (d *Deps) buildQueue() (queue.Queue, error) {
	cfg, log := d.Config, d.Log
	switch cfg.QueueProvider {
	case "nats":
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.QueueURL, nats.Name("knowledge-base"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.closers = append(d.closers, func() { _ = nc.Drain() })
		d.Checks["queue"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
		log.Info("using NATS queue")
		return queue.NewNATS(log, nc, queue.NATSOptions{OnExhausted: d.Indexer.MarkFailed}), nil
	case "local":
		q := queue.NewLocal(log, d.Indexer.MarkFailed)
		q.Register(queue.TaskTypeIndex, d.Indexer.Handle)
		log.Info("using local queue; documents are indexed in-process")
		return q, nil
	default:
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid options: nats, local)", cfg.QueueProvider)
	}
}

func (d *Deps) dimension() int {
	if d.Config.EmbeddingDimension <= 0 {
		return embeddings.DefaultDimension
	}
	return d.Config.EmbeddingDimension
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIKey, openai.ChatModel(cfg.LLMModel))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		log.Info("using OpenAI LLM client", "model", cfg.LLMModel)
		return client, nil
	case "extractive", "":
		log.Info("using extractive summarizer")
		return llm.NewExtractive(), nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid options: extractive, openai)", cfg.LLMProvider)
	}
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel), cfg.EmbeddingDimension)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
		}
		log.Info("using OpenAI embedder", "model", cfg.EmbeddingModel, "dimension", cfg.EmbeddingDimension)
		return embedder, nil
	case "hash", "":
		e := embeddings.NewHashEmbedder(cfg.EmbeddingDimension)
		log.Info("using hashing embedder", "model", e.Model(), "dimension", e.Dim)
		return e, nil
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %s (valid options: hash, openai)", cfg.EmbeddingProvider)
	}
}
