// Package app constructs the process-wide handles from configuration.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/auth"
	"github.com/xhad/docchat/pkg/config"
	"github.com/xhad/docchat/pkg/extractor"
	"github.com/xhad/docchat/pkg/llm"
	"github.com/xhad/docchat/pkg/pipeline"
	"github.com/xhad/docchat/pkg/processor"
	"github.com/xhad/docchat/pkg/storage"
	"github.com/xhad/docchat/pkg/store"
)

// App holds everything a server or CLI process needs. Build it once and
// share it between requests.
type App struct {
	Config   *config.Config
	Handles  pipeline.Handles
	Ingestor *pipeline.Ingestor
	Queries  *pipeline.QueryEngine
	Chats    *pipeline.ChatService
	Auth     types.Authenticator
	// UploadDir is the local directory served under /uploads, "" for buckets.
	UploadDir string

	pool *pgxpool.Pool
}

func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.LLM.EmbeddingModel,
		BaseURL:   cfg.LLM.BaseURL,
		Dimension: cfg.Database.VectorDim,
		Timeout:   cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}

	generator, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		BaseURL:     cfg.LLM.BaseURL,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	files, err := storage.New(storage.Config{
		Provider:  cfg.Storage.Provider,
		BaseURL:   cfg.Storage.BaseURL,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %v", err)
	}
	a.UploadDir = files.Dir()

	proc := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
	})

	a.Handles = pipeline.Handles{
		Extractor: extractor.NewPDFExtractor(),
		Processor: &proc,
		Embedder:  embedder,
		Generator: generator,
		Storage:   files,
	}

	if err := a.buildStores(ctx, cfg); err != nil {
		return nil, err
	}

	switch cfg.Auth.Mode {
	case "header":
		a.Auth = auth.NewHeader(cfg.Auth.Header)
	default:
		a.Auth = auth.NewJWT(cfg.Auth.JWTSecret)
	}

	a.Ingestor = pipeline.NewIngestor(a.Handles, pipeline.IngestConfig{
		EmbedBatchSize: cfg.LLM.EmbedBatchSize,
		Batcher: store.BatcherConfig{
			BatchSize: cfg.Database.BatchSize,
			Workers:   cfg.Database.UpsertWorkers,
			RateLimit: cfg.Database.UpsertRateLimit,
		},
		Timeout:    cfg.Server.RequestTimeout,
		Compensate: cfg.Ingest.Compensate,
	})
	a.Queries = pipeline.NewQueryEngine(a.Handles, pipeline.QueryConfig{
		TopK:    cfg.Retrieval.TopK,
		Timeout: cfg.Server.RequestTimeout,
	})
	a.Chats = pipeline.NewChatService(a.Handles.Chats, cfg.Server.AppURL)

	return a, nil
}

// buildStores uses Postgres when a database URL is configured and the
// in-memory stores otherwise.
func (a *App) buildStores(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.URL == "" {
		log.Printf("No database URL configured, using in-memory stores")
		chats := store.NewMemoryChatStore()
		a.Handles.Index = store.NewMemoryIndex(cfg.Database.VectorDim)
		a.Handles.Chats = chats
		a.Handles.Entitlements = entitlements(cfg.Billing.Policy, chats)
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	index, err := store.NewWithPool(ctx, pool, store.VectorStoreConfig{
		TableName: cfg.Database.TableName,
		VectorDim: cfg.Database.VectorDim,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to initialize vector store: %v", err)
	}

	chats, err := store.NewChatStore(ctx, pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to initialize chat store: %v", err)
	}

	a.pool = pool
	a.Handles.Index = index
	a.Handles.Chats = chats
	a.Handles.Entitlements = entitlements(cfg.Billing.Policy, store.NewDatabaseEntitlements(pool))
	return nil
}

func entitlements(policy string, db types.Entitlements) types.Entitlements {
	if policy == "database" {
		return db
	}
	return store.AllowAll{}
}

// Close releases the database pool. The index and chat store share it.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
