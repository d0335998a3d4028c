package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/foreman/internal/adapter"
	"github.com/nidhogg/foreman/internal/api"
	"github.com/nidhogg/foreman/internal/config"
	"github.com/nidhogg/foreman/internal/embedding"
	"github.com/nidhogg/foreman/internal/graph"
	"github.com/nidhogg/foreman/internal/inbox"
	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/queue"
	"github.com/nidhogg/foreman/internal/scheduler"
	"github.com/nidhogg/foreman/internal/store"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/vectorstore"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Foreman...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/foreman.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store: tasks, documents, records, schedules, inbox.
	pgStore, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	if err := pgStore.Migrate(ctx, "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Durable queue on Redis Streams.
	q, err := queue.NewRedisQueue(cfg.Database.Redis.URL, cfg.Engine.QueueStream, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}

	// Vector index; retrieval degrades to keyword search without it.
	var index memory.VectorIndex
	var qd *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		client, qErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("qdrant unavailable, retrieval falls back to keyword search", zap.Error(qErr))
		} else {
			qd = client
			index = client
		}
	}

	// Embeddings.
	var embedder embedding.Provider
	if cfg.Embedding.Endpoint != "" {
		embCfg := embedding.Config{
			Provider:  cfg.Embedding.Provider,
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		}
		if cfg.Embedding.Provider == "local" {
			embedder = embedding.NewLocalProvider(embCfg)
		} else {
			embedder = embedding.NewAPIProvider(embCfg)
		}
	}

	// Memory layer.
	mem := memory.NewStore(pgStore, pgStore, index, embedder, memory.Config{
		ChunkSize:  cfg.Memory.ChunkSize,
		Collection: cfg.Memory.Collection,
		TopK:       cfg.Memory.QueryTopK,
		BufferSize: cfg.Memory.BufferSize,
	}, logger)
	if err := mem.Init(ctx); err != nil {
		logger.Warn("vector collection init failed", zap.Error(err))
	}
	go mem.Run(ctx)

	maintainer := memory.NewMaintainer(mem, nil, 10*time.Minute, logger)
	go maintainer.Run(ctx)

	// Model providers.
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	for id, chain := range cfg.Fallbacks {
		router.SetFallbacks(id, chain)
	}

	// Flow backends.
	registry := adapter.NewRegistry(logger)
	for _, ac := range cfg.Adapters {
		timeout := time.Duration(ac.TimeoutSec) * time.Second
		switch ac.Kind {
		case "model":
			err = registry.Register(adapter.NewModelAdapter(adapter.ModelConfig{
				Name: ac.Name, ProviderID: ac.ProviderID,
				Model: ac.Model, System: ac.System, Timeout: timeout,
			}, router, logger))
		case "tool":
			err = registry.Register(adapter.NewToolAdapter(adapter.ToolConfig{
				Name: ac.Name, Endpoint: ac.Endpoint, Timeout: timeout,
			}, logger))
		default:
			logger.Fatal("unknown adapter kind", zap.String("name", ac.Name), zap.String("kind", ac.Kind))
		}
		if err != nil {
			logger.Fatal("register adapter failed", zap.String("name", ac.Name), zap.Error(err))
		}
	}

	// Routing graph, validated before anything can reference a flow.
	g := &graph.Graph{Flows: map[string]*graph.Flow{}}
	if cfg.GraphFile != "" {
		g, err = graph.Load(cfg.GraphFile, func(name string) bool {
			_, ok := registry.Get(name)
			return ok
		})
		if err != nil {
			logger.Fatal("invalid routing graph", zap.String("path", cfg.GraphFile), zap.Error(err))
		}
		logger.Info("Routing graph loaded", zap.Int("flows", len(g.Flows)))
	}
	executor := graph.NewExecutor(g, registry, mem, cfg.Memory.QueryTopK, logger)

	// Notification channels.
	hub := notify.NewHub(logger)
	hub.Register(notify.NewLogNotifier(logger))
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		hub.Register(notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	var discord *notify.DiscordNotifier
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		d, dErr := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("discord unavailable", zap.Error(dErr))
		} else {
			discord = d
			hub.Register(d)
		}
	}

	// Task engine.
	engine := task.NewEngine(pgStore, q, hub, task.Options{
		WorkerCount:     cfg.Engine.WorkerCount,
		MaxRetries:      cfg.Engine.MaxRetries,
		BackoffBase:     cfg.Engine.BackoffBase(),
		HandlerTimeout:  cfg.Engine.HandlerTimeout(),
		Lease:           cfg.Engine.Lease(),
		Heartbeat:       cfg.Engine.Heartbeat(),
		DefaultFallback: task.Fallback(cfg.Inbox.DefaultFallback),
	}, logger)
	engine.SetFlows(executor)
	engine.SetMemory(mem)
	engine.SetAudit(mem)
	if cfg.Engine.EscalationFlow != "" {
		engine.SetDecider(task.NewFlowDecider(executor, cfg.Engine.EscalationFlow, logger))
	} else {
		engine.SetDecider(&task.RuleDecider{Default: task.ActionKeepEscalated})
	}
	if err := engine.Register("echo", task.EchoHandler()); err != nil {
		logger.Fatal("register echo handler", zap.Error(err))
	}
	if err := engine.Register("flow", task.FlowHandler()); err != nil {
		logger.Fatal("register flow handler", zap.Error(err))
	}

	// Inbox with optional flow-backed summaries.
	var summarize inbox.Summarizer
	if cfg.Inbox.SummaryFlow != "" {
		flow := cfg.Inbox.SummaryFlow
		summarize = func(ctx context.Context, t *task.Task) (string, error) {
			out, err := executor.RunFlow(ctx, flow, map[string]any{
				"task_type": t.Type,
				"input":     fmt.Sprint(t.Input),
			})
			if err != nil {
				return "", err
			}
			summary, _ := out["summary"].(string)
			return summary, nil
		}
	}
	ibx := inbox.New(pgStore, engine, hub, summarize, inbox.Config{
		AlertThreshold: cfg.Inbox.AlertThreshold,
		EscalateReruns: cfg.Inbox.EscalateReruns,
	}, logger)

	// Background loops.
	sched := scheduler.New(pgStore, q, engine, ibx, hub, cfg.Scheduler.SweepInterval(), logger)
	go sched.Run(ctx)
	go func() {
		if err := engine.RunWorkers(ctx); err != nil {
			logger.Fatal("worker pool failed", zap.Error(err))
		}
	}()

	// HTTP boundary.
	checks := map[string]api.HealthChecker{
		"postgres": func(r *http.Request) error { return pgStore.Healthy(r.Context()) },
		"redis":    func(r *http.Request) error { return q.Healthy(r.Context()) },
	}
	if qd != nil {
		checks["qdrant"] = func(r *http.Request) error { return qd.Healthy(r.Context()) }
	}
	handler := api.NewHandler(engine, ibx, mem, executor, pgStore, checks, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("Foreman listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Foreman...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	q.Close()
	pgStore.Close()
	if qd != nil {
		qd.Close()
	}
	if discord != nil {
		discord.Close()
	}
}
