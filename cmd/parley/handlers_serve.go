package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/embeddings"
	"github.com/parleyhq/parley/internal/groupchat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/rag/ingest"
	"github.com/parleyhq/parley/internal/rag/parser"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/taskqueue"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/vecstore"
)

// compactionSchedule runs the global vector-store sweep nightly, off-peak.
const compactionSchedule = "0 3 * * *"

// staticToolConfig disables the same tool names for every user, sourced
// from the tools.disabled config list.
type staticToolConfig []string

func (c staticToolConfig) DisabledTools(context.Context, string) ([]string, error) {
	return c, nil
}

// runServe implements the serve command: load config, wire the subsystems,
// serve until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"metrics_port", cfg.Server.MetricsPort,
	)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	// Storage: Postgres when configured, else in-memory for development.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		st = pg
		logger.Info("connected to postgres")
	} else {
		st = store.NewMemory()
		logger.Warn("no database configured, state is in-memory only")
	}
	defer st.Close()

	// Redis backs the shared capability cache; a miss just means the
	// cache is process-local.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, capability cache is local only",
				"addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			rdb = client
			defer rdb.Close()
		}
	}
	caps := capability.New(st, rdb, logger)
	if err := caps.Warm(ctx); err != nil {
		logger.Warn("capability cache warm failed", "error", err)
	}

	h := hub.New(logger)

	// RAG: vector stores, embedders, parsers, retrieval.
	vectors := vecstore.NewRegistry(cfg.Data.LockDir(), cfg.Ingest.PerUserConcurrent, logger, metrics)
	defer vectors.Close()
	stores := ingest.NewStores(vectors, embeddings.NewRegistry(), cfg.Data)
	parsers := parser.NewPool(parser.NewRegistry(), cfg.Queue.Workers)
	ret := retriever.New(stores, logger)

	sweeper, err := vecstore.NewSweeper(vectors, compactionSchedule, logger)
	if err != nil {
		return fmt.Errorf("compaction sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Task queue and the ingestion pipeline behind it.
	queue, err := taskqueue.New(taskqueue.Config{
		Workers:           cfg.Queue.Workers,
		MaxQueueSize:      cfg.Queue.MaxSize,
		DefaultTimeout:    cfg.Queue.TaskTimeout,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		Dir:               cfg.Data.TaskDir(),
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	pipeline := ingest.NewPipeline(st, parsers, stores, metrics, logger)
	pipeline.Register(queue)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}
	defer queue.Stop()

	// Tools: local registry, plus the remote runtime when configured.
	registry := tools.NewRegistry(staticToolConfig(cfg.Tools.Disabled), metrics, logger)
	if err := registry.Register(tools.NewSearchTool(ret, st, st)); err != nil {
		return fmt.Errorf("register search tool: %w", err)
	}
	if err := registry.Register(tools.NewGraphTool(ret, st, st)); err != nil {
		return fmt.Errorf("register graph tool: %w", err)
	}
	var runtime tools.Client = registry
	if cfg.Tools.RuntimeEndpoint != "" {
		remote := tools.NewRuntime(cfg.Tools.RuntimeEndpoint, logger)
		runtime = tools.NewMux(registry, remote)
		logger.Info("remote tool runtime configured", "endpoint", cfg.Tools.RuntimeEndpoint)
	}

	factory := llm.NewFactory(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("OPENAI_API_KEY"))

	ocfg := orchestrator.DefaultConfig()
	ocfg.MaxIterations = cfg.Streaming.MaxIterations
	ocfg.TotalTimeout = cfg.Streaming.ToolTotalTimeout
	ocfg.ToolTimeout = cfg.Streaming.ToolExecutionTimeout
	ocfg.LLMCallTimeout = cfg.Streaming.LLMCallTimeout
	ocfg.SessionTimeout = cfg.Streaming.SessionTimeout
	ocfg.MaxConcurrentSessions = cfg.Streaming.MaxConcurrentSessions
	ocfg.MaxToolResultSize = cfg.Streaming.MaxToolResultSize
	ocfg.ToolConcurrency = int64(cfg.Streaming.ToolConcurrency)
	ocfg.ChunkSize = cfg.Streaming.ChunkSize
	ocfg.SmartChunking = cfg.Streaming.EnableSmartChunking
	ocfg.ForceReplyOnMaxIterations = cfg.Streaming.ForceReplyOnMaxIter
	ocfg.AllowContinueOnError = cfg.Streaming.AllowContinueOnError
	ocfg.ToolCache = cfg.Streaming.EnableToolCache
	orch := orchestrator.New(ocfg, st, runtime, factory, caps, h, metrics, logger)

	engine := groupchat.NewEngine(st, st, orch, groupchat.NewController(logger), h, metrics, logger)

	api := server.New(server.Deps{
		Config:    cfg,
		Store:     st,
		Queue:     queue,
		Retriever: ret,
		Stores:    stores,
		Orch:      orch,
		Engine:    engine,
		Hub:       h,
		Caps:      caps,
		Runtime:   runtime,
		Logger:    logger,
	})

	watcher := config.NewWatcher(configPath, cfg, logger)
	watcher.OnReload(func(next *config.Config) {
		logger.Info("tunable config sections reloaded",
			"max_iterations", next.Streaming.MaxIterations,
			"log_level", next.Logging.Level)
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, cfg, reg, logger) })
	g.Go(func() error { return watcher.Run(ctx) })

	err = g.Wait()
	engine.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// serveMetrics exposes the Prometheus endpoint on its own port.
func serveMetrics(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("metrics server started", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
