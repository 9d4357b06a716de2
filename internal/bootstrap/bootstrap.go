// Package bootstrap wires the collaborators shared by the API, the worker
// and the CLI from runtime configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"report-orchestrator/internal/config"
	"report-orchestrator/internal/export"
	"report-orchestrator/internal/llm"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/orchestrator"
	"report-orchestrator/internal/pipeline"
	"report-orchestrator/internal/queue"
	"report-orchestrator/internal/ratelimit"
	"report-orchestrator/internal/retrieval"
	"report-orchestrator/internal/store"
)

// QueueOptions maps configuration onto queue lease and retry settings.
func QueueOptions(cfg config.Config) queue.Options {
	opts := queue.DefaultOptions()
	if cfg.LeaseDuration > 0 {
		opts.LeaseDuration = cfg.LeaseDuration
	}
	if cfg.BackoffInitial > 0 {
		opts.Backoff.Initial = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		opts.Backoff.Max = cfg.BackoffMax
	}
	return opts
}

// OpenStore connects to Postgres and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, QueueOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// NewRedis returns a client for cfg.RedisAddr, or nil when Redis is not
// configured.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// WithNotifier wraps q so inserts wake idle workers. It returns q and a nil
// notifier when rdb is nil.
func WithNotifier(q queue.Queue, rdb *redis.Client) (queue.Queue, *queue.Notifier) {
	if rdb == nil {
		return q, nil
	}
	n := queue.NewNotifier(rdb)
	return queue.WithNotifier(q, n), n
}

// NewLLMClient returns a Gemini client throttled by a shared token bucket,
// or nil when no API key is configured. Callers close the returned client.
func NewLLMClient(ctx context.Context, cfg config.Config, rdb *redis.Client) (llm.Client, func() error, error) {
	noop := func() error { return nil }
	if cfg.GeminiAPIKey == "" {
		log.Printf("[bootstrap] GEMINI_API_KEY not set; sections use local fallback drafts")
		return nil, noop, nil
	}
	gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, llm.DefaultModels())
	if err != nil {
		return nil, noop, fmt.Errorf("init gemini client: %w", err)
	}
	var client llm.Client = gemini
	if rdb != nil {
		bucket := ratelimit.NewTokenBucket(rdb, cfg.LLMRateCapacity, cfg.LLMRateRefill, time.Hour)
		client = llm.Throttle(client, bucket, "rl:llm:gemini")
	}
	return client, gemini.Close, nil
}

// NewRetriever builds the evidence router. Without a vector service the
// static searcher stands in so vector-backed sections still get evidence.
func NewRetriever(cfg config.Config) *retrieval.Router {
	router := &retrieval.Router{WebLimit: cfg.WebResultLimit}
	if cfg.VectorSearchURL != "" {
		router.Vector = &retrieval.HTTPVectorSearcher{Endpoint: cfg.VectorSearchURL, APIKey: cfg.VectorSearchKey}
	} else {
		router.Vector = retrieval.StaticVectorSearcher{}
	}
	if cfg.WebSearchURL != "" {
		router.Web = &retrieval.HTTPWebSearcher{
			Endpoint:   cfg.WebSearchURL,
			APIKey:     cfg.WebSearchKey,
			FetchPages: cfg.WebFetchPages,
		}
	}
	return router
}

// NewExecutor builds the section pipeline on top of client, which may be nil.
func NewExecutor(cfg config.Config, client llm.Client) *pipeline.Executor {
	return pipeline.NewExecutor(
		NewRetriever(cfg),
		llm.NewDrafter(client),
		llm.NewVerifier(client),
		llm.NewReviewer(client),
	)
}

// NewExporter builds the export service. PDF and DOCX are only available
// when a renderer service is configured.
func NewExporter(ctx context.Context, cfg config.Config) (*export.Service, error) {
	storage, err := export.NewStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init export storage: %w", err)
	}
	renderers := map[models.ExportFormat]export.Renderer{}
	if cfg.RendererURL != "" {
		client := &http.Client{Timeout: 2 * time.Minute}
		renderers[models.FormatPDF] = export.NewServiceRenderer(cfg.RendererURL, models.FormatPDF, client)
		renderers[models.FormatDOCX] = export.NewServiceRenderer(cfg.RendererURL, models.FormatDOCX, client)
	}
	return export.NewService(storage, renderers), nil
}

// NewOrchestrator wires the job handlers over repo. The returned func
// releases the model client.
func NewOrchestrator(ctx context.Context, cfg config.Config, repo store.Repository, q queue.Queue, rdb *redis.Client) (*orchestrator.Orchestrator, func(), error) {
	client, closeClient, err := NewLLMClient(ctx, cfg, rdb)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := NewExporter(ctx, cfg)
	if err != nil {
		_ = closeClient()
		return nil, nil, err
	}
	if q == nil {
		q = repo
	}
	orch := orchestrator.New(repo, q, NewExecutor(cfg, client), exporter)
	release := func() {
		if err := closeClient(); err != nil {
			log.Printf("[bootstrap] close model client: %v", err)
		}
	}
	return orch, release, nil
}
