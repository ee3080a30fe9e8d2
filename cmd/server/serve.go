package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/api"
	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/lock"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/service"
	"github.com/katakuxiko/ragchat/internal/store"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Addr = serveAddr
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")

	return serve
}

// closers закрываются в обратном порядке при остановке.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cleanup closers
	defer cleanup.close()

	app, err := build(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", zap.String("addr", cfg.Server.Addr))
		errCh <- app.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	return app.ShutdownWithTimeout(15 * time.Second)
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger, cleanup *closers) (*fiber.App, error) {
	m := metrics.New()

	embedder, err := llm.New(cfg.Embedder, log.Named("embedder"))
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	generator, err := llm.New(cfg.Generator, log.Named("generator"))
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	// Postgres нужен, если в нём лежат чанки или история
	var db *sql.DB
	if cfg.VectorStore.Backend == "pgvector" || cfg.History.Backend == "postgres" {
		db, err = store.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		cleanup.add(func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if err := store.Migrate(db, "up", 0); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var passages store.PassageStore
	switch cfg.VectorStore.Backend {
	case "qdrant":
		q := store.NewQdrantStore(store.QdrantConfig{
			URL:        cfg.VectorStore.QdrantURL,
			APIKey:     cfg.VectorStore.QdrantAPIKey,
			Collection: cfg.VectorStore.QdrantCollection,
			Dimension:  cfg.VectorStore.Dimension,
		})
		if err := q.Init(ctx); err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		passages = q
	default:
		passages = store.NewPgStore(db)
	}

	var backend store.SessionBackend
	switch cfg.History.Backend {
	case "postgres":
		backend = store.NewPgSessions(db)
	case "mongo":
		client, err := store.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		})
		backend = store.NewMongoSessions(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
	default:
		backend = store.NewMemorySessions()
	}
	history := store.NewChatHistory(backend)

	var locker lock.Locker = lock.NewMemory()
	if cfg.Lock.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.add(func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.Lock.TTL, log.Named("lock"))
	}

	streamer := service.NewStreamer(service.StreamerDeps{
		Retriever:       service.NewRetriever(embedder, passages),
		Generator:       generator,
		History:         history,
		Locker:          locker,
		Metrics:         m,
		Logger:          log.Named("streamer"),
		MaxHistoryTurns: cfg.History.MaxTurns,
	})
	h := api.NewHandler(api.Deps{
		Streamer: streamer,
		Sessions: service.NewSessions(history, locker, m, log.Named("sessions")),
		Ingestor: service.NewIngestor(service.IngestorDeps{
			Embedder:     embedder,
			Store:        passages,
			ChunkSize:    cfg.Chunking.Size,
			ChunkOverlap: cfg.Chunking.Overlap,
			UploadDir:    cfg.Server.UploadDir,
			Metrics:      m,
			Logger:       log.Named("ingest"),
		}),
		Models:   generator,
		Provider: cfg.Generator.Provider,
		Defaults: cfg.Query,
		Logger:   log.Named("api"),
	})

	log.Info("backends ready",
		zap.String("vector_store", cfg.VectorStore.Backend),
		zap.String("history", cfg.History.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("generator", cfg.Generator.Provider),
		zap.String("model", cfg.Generator.Model),
	)
	return api.NewApp(cfg.Server, h, m, log.Named("http")), nil
}
