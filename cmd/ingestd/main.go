// Package main wires together the ingestion service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-rag-ingest/internal/api"
	"github.com/JakeFAU/realtime-rag-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-rag-ingest/internal/config"
	"github.com/JakeFAU/realtime-rag-ingest/internal/embed"
	"github.com/JakeFAU/realtime-rag-ingest/internal/gateway"
	"github.com/JakeFAU/realtime-rag-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/loader"
	"github.com/JakeFAU/realtime-rag-ingest/internal/logging"
	"github.com/JakeFAU/realtime-rag-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-rag-ingest/internal/orchestrator"
	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
	"github.com/JakeFAU/realtime-rag-ingest/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-rag-ingest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/realtime-rag-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-rag-ingest/internal/session"
	gcsstorage "github.com/JakeFAU/realtime-rag-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-rag-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-rag-ingest/internal/storage/memory"
	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
	storememory "github.com/JakeFAU/realtime-rag-ingest/internal/store/memory"
	storepostgres "github.com/JakeFAU/realtime-rag-ingest/internal/store/postgres"
	"github.com/JakeFAU/realtime-rag-ingest/internal/vector"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	registry := session.NewRegistry(session.Config{
		Retention: cfg.SessionRetention(),
		Clock:     clock,
		Logger:    logger.Named("session"),
	})

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	chunks, err := buildVectorStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	if pg, ok := chunks.(*vector.PostgresStore); ok {
		defer pg.Close()
	}

	runs, err := buildRunRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init run repository: %w", err)
	}
	if pg, ok := runs.(*storepostgres.Repository); ok {
		defer pg.Close()
	}

	blobs, fileRoot, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var renderer loader.Renderer
	if cfg.Headless.Enabled {
		chrome, err := loader.NewChromeRenderer(loader.ChromeConfig{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Web.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			defer chrome.Close()
			renderer = chrome
		}
	}

	processor, err := loader.NewProcessor(loader.ProcessorConfig{
		Chunker:  loader.NewTextChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap),
		Embedder: embedder,
		Store:    chunks,
		IDs:      idGen,
		Logger:   logger.Named("loader"),
	})
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}
	processor.Register(ingest.SourceWeb, loader.NewWebLoader(loader.WebConfig{
		UserAgent:        cfg.Web.UserAgent,
		Timeout:          time.Duration(cfg.Web.TimeoutSeconds) * time.Second,
		PromoteThreshold: cfg.Headless.PromotionThresh,
	}, renderer, logger.Named("web")))
	processor.Register(ingest.SourceGitHub, loader.NewGitHubLoader(loader.GitHubConfig{
		Token:   cfg.GitHub.Token,
		Timeout: time.Duration(cfg.GitHub.TimeoutSeconds) * time.Second,
	}, logger.Named("github")))
	if fileRoot != "" {
		files, err := loader.NewFileLoader(fileRoot)
		if err != nil {
			return fmt.Errorf("init file loader: %w", err)
		}
		processor.Register(ingest.SourcePDF, files)
		processor.Register(ingest.SourceCSV, files)
	} else {
		// The file loader reads from local disk; uploads stored elsewhere
		// are not reachable as pdf/csv sources.
		logger.Warn("pdf and csv sources disabled: uploads are not stored on local disk",
			zap.String("provider", cfg.Uploads.Provider))
	}

	gw := gateway.NewGateway(gateway.Config{
		Logger:           logger.Named("gateway"),
		ConnectedClients: metrics.ConnectedClients(),
		DroppedMessages:  metrics.DroppedMessages(),
	})
	promSink, err := sinks.NewPrometheusSink(promclient.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		Logger: logger.Named("hub"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink, gw)

	publisher, topic, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer closePublisher()

	orch, err := orchestrator.New(orchestrator.Config{
		Processor:       processor,
		Registry:        registry,
		Emitter:         hub,
		Runs:            runs,
		Publisher:       publisher,
		CompletionTopic: topic,
		IDs:             idGen,
		Clock:           clock,
		ReportEvery:     cfg.Ingest.ReportEvery,
		Logger:          logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	wsHandler := gateway.NewHandler(gw, cfg.Server.WSSendBuffer, logger.Named("ws"))
	apiServer := api.NewServer(orch, registry, runs, blobs, wsHandler, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.RunJanitor(gctx, cfg.JanitorInterval())
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("jobs still running at shutdown deadline", zap.Error(err))
		}
		// Hub last so draining jobs can still deliver their final events.
		if err := hub.Close(shutdownCtx); err != nil {
			logger.Error("hub close error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func buildEmbedder(cfg config.Config) (embed.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		return embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			BaseURL: cfg.Embedding.BaseURL,
			Token:   cfg.Embedding.Token,
			Model:   cfg.Embedding.Model,
		})
	default:
		return embed.NewLocalEmbedder(cfg.Embedding.Dims), nil
	}
}

func buildVectorStore(ctx context.Context, cfg config.Config) (vector.Store, error) {
	switch cfg.Vector.Provider {
	case "pgvector":
		return vector.NewPostgresStore(ctx, vector.PostgresConfig{
			DSN:      cfg.Vector.DSN,
			MaxConns: cfg.Vector.MaxConns,
		})
	default:
		return vector.NewMemoryStore(), nil
	}
}

func buildRunRepository(ctx context.Context, cfg config.Config) (store.Repository, error) {
	switch cfg.DB.Provider {
	case "postgres":
		return storepostgres.NewRepository(ctx, storepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
	default:
		return storememory.NewRepository(), nil
	}
}

// buildBlobStore returns the upload store plus the local directory the file
// loader can read uploads from; the directory is empty for stores that do not
// write to local disk.
func buildBlobStore(ctx context.Context, cfg config.Config) (ingest.BlobStore, string, error) {
	switch cfg.Uploads.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Uploads.GCSBucket})
		return store, "", err
	case "memory":
		return memorystorage.New(), "", nil
	default:
		store, err := localstorage.New(cfg.Uploads.Dir)
		if err != nil {
			return nil, "", err
		}
		return store, store.Root(), nil
	}
}

// buildPublisher returns the completion publisher, the topic to publish on,
// and a close function. With pubsub disabled the in-memory publisher records
// completions so local runs still exercise the notification path.
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (ingest.Publisher, string, func(), error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), "ingestion-completions", func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, "", nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	closeFn := func() {
		pub.Close()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	return pub, cfg.PubSub.TopicName, closeFn, nil
}
