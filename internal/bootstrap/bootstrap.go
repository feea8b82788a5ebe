package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/scholarchat/internal/config"
	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
	"github.com/kirillkom/scholarchat/internal/core/usecase"
	"github.com/kirillkom/scholarchat/internal/infrastructure/chunking"
	natsevents "github.com/kirillkom/scholarchat/internal/infrastructure/events/nats"
	"github.com/kirillkom/scholarchat/internal/infrastructure/extractor"
	"github.com/kirillkom/scholarchat/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/scholarchat/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/scholarchat/internal/infrastructure/extractor/xlsx"
	"github.com/kirillkom/scholarchat/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/scholarchat/internal/infrastructure/lock/local"
	redislock "github.com/kirillkom/scholarchat/internal/infrastructure/lock/redis"
	"github.com/kirillkom/scholarchat/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/scholarchat/internal/infrastructure/resilience"
	"github.com/kirillkom/scholarchat/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/scholarchat/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/scholarchat/internal/infrastructure/vector/sqlite"
	"github.com/kirillkom/scholarchat/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Metrics *metrics.HTTPServerMetrics
	State   *usecase.KnowledgeBaseState
	Ingest  *usecase.IngestUseCase
	Answers *usecase.AnswerUseCase
	Chat    *usecase.ChatUseCase
	Events  ports.KnowledgeBaseEvents

	closers []func()
}

// New wires the pipeline. Postgres, NATS and Redis are optional: an empty
// DSN, URL or address leaves the corresponding feature off.
func New(ctx context.Context, cfg config.Config, service string) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Metrics = metrics.NewHTTPServerMetrics(service)
	pipelineMetrics := metrics.NewPipelineMetrics(service, app.Metrics.Registry())

	executor := resilience.NewExecutor(resiliencePolicy(cfg), resilience.WithObserver(pipelineMetrics))

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	store, err := openVectorStore(cfg, executor, app)
	if err != nil {
		return nil, err
	}

	var catalog ports.DocumentCatalog
	if cfg.PostgresDSN != "" {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		repo := postgres.NewCatalogRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure catalog schema: %w", err)
		}
		catalog = repo
	}

	lock, err := openLock(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	if cfg.NATSURL != "" {
		events, err := natsevents.New(cfg.NATSURL, cfg.NATSSubject, natsevents.Options{ResilienceExecutor: executor})
		if err != nil {
			return nil, fmt.Errorf("init knowledge base events: %w", err)
		}
		app.closers = append(app.closers, events.Close)
		app.Events = events
	}

	client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.WithExecutor(executor))
	embedder := ollama.NewEmbedder(client)
	generator := ollama.NewGenerator(client)

	app.State = usecase.NewKnowledgeBaseState(catalog)
	if err := app.State.Restore(ctx, store); err != nil {
		return nil, fmt.Errorf("restore knowledge base: %w", err)
	}

	app.Ingest = usecase.NewIngestUseCase(
		storage,
		newExtractorRegistry(storage),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		store,
		lock,
		app.State,
		usecase.IngestConfig{EmbedBatchSize: cfg.EmbedBatchSize},
	).WithObserver(pipelineMetrics)
	if app.Events != nil {
		app.Ingest.WithEvents(app.Events)
	}

	retrieverCfg := usecase.RetrieverConfig{
		TopK:       cfg.RAGTopK,
		FetchK:     cfg.RAGFetchK,
		Lambda:     cfg.RAGMMRLambda,
		SearchType: domain.SearchType(cfg.RAGSearchType),
	}
	app.Answers = usecase.NewAnswerUseCase(
		app.State,
		func() domain.Retriever { return usecase.NewRetriever(embedder, store, retrieverCfg) },
		generator,
		domain.GenerationOptions{Model: cfg.OllamaGenModel, Temperature: cfg.QATemperature},
	).WithObserver(app.Metrics)

	app.Chat = usecase.NewChatUseCase(generator, ParseChatModels(cfg.OllamaChatModels), cfg.ChatTemperature, cfg.ChatNumCtx)

	slog.Info("app_ready",
		"vector_backend", cfg.VectorBackend,
		"catalog", catalog != nil,
		"events", app.Events != nil,
		"distributed_lock", cfg.RedisAddr != "",
		"knowledge_base", app.State.Current() != nil,
	)
	return app, nil
}

// SubscribeUpdates adopts knowledge-base changes made by other processes
// sharing the index. It is a no-op without NATS.
func (a *App) SubscribeUpdates(ctx context.Context) error {
	if a.Events == nil {
		return nil
	}
	return a.Events.SubscribeKnowledgeBaseUpdated(ctx, a.State.Adopt)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openVectorStore(cfg config.Config, executor *resilience.Executor, app *App) (ports.VectorStore, error) {
	switch cfg.VectorBackend {
	case "", "sqlite":
		store, err := sqlite.Open(cfg.VectorDBPath)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		app.closers = append(app.closers, func() { _ = store.Close() })
		return store, nil
	case "qdrant":
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func openLock(ctx context.Context, cfg config.Config, app *App) (ports.IngestionLock, error) {
	if cfg.RedisAddr == "" {
		return local.NewLock(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	app.closers = append(app.closers, func() { _ = client.Close() })

	lock := redislock.NewLock(client)
	if err := lock.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return lock, nil
}

func newExtractorRegistry(storage ports.ObjectStorage) *extractor.Registry {
	registry := extractor.NewRegistry()
	registry.Register(pdf.NewExtractor(storage), []string{".pdf"}, []string{"application/pdf"})
	registry.Register(xlsx.NewExtractor(storage),
		[]string{".xlsx"},
		[]string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	)
	registry.Register(plaintext.NewExtractor(storage),
		[]string{".txt", ".md"},
		[]string{"text/plain", "text/markdown"},
	)
	return registry
}

func resiliencePolicy(cfg config.Config) resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.RetryMaxAttempts > 0 {
		p.Retry.Attempts = cfg.RetryMaxAttempts
	}
	if cfg.BreakerMinRequests > 0 {
		p.Breaker.MinRequests = uint32(cfg.BreakerMinRequests)
	}
	if cfg.BreakerTimeoutSeconds > 0 {
		p.Breaker.OpenFor = time.Duration(cfg.BreakerTimeoutSeconds) * time.Second
	}
	return p
}

// ParseChatModels reads "Label=name" pairs separated by commas. A bare name
// is its own label. Empty input selects the default catalog.
func ParseChatModels(raw string) []domain.ChatModel {
	var models []domain.ChatModel
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		label, name, ok := strings.Cut(item, "=")
		if !ok {
			name = label
		}
		label, name = strings.TrimSpace(label), strings.TrimSpace(name)
		if name == "" {
			continue
		}
		models = append(models, domain.ChatModel{Label: label, Name: name})
	}
	if len(models) == 0 {
		return usecase.DefaultChatModels
	}
	return models
}
