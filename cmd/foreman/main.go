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
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/api"
	"github.com/nidhogg/foreman/internal/config"
	"github.com/nidhogg/foreman/internal/engine"
	"github.com/nidhogg/foreman/internal/gateway"
	"github.com/nidhogg/foreman/internal/knowledge"
	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/supervisor"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/tool"
	"github.com/nidhogg/foreman/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/foreman.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Foreman...", zap.String("config", cfgPath))

	// Provider router for the reasoning service.
	oracleTimeout := time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second
	router := provider.NewRouter(provider.RetryPolicy{
		Attempts: cfg.Oracle.Retries,
		Delay:    time.Duration(cfg.Oracle.RetryDelayMS) * time.Millisecond,
	}, logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Timeout: oracleTimeout,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type",
				zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	for role, pid := range cfg.Oracle.Bindings {
		router.Bind(role, pid)
	}
	for role, chain := range cfg.Oracle.Fallbacks {
		router.SetFallbacks(role, chain)
	}

	// Task store: PostgreSQL when configured, in-memory otherwise.
	var store task.Store = task.NewMemStore()
	var pgStore *task.PGStore
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := task.NewPGStore(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, using in-memory store", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
			pgStore = ps
		}
	}

	notifier := notify.NewNotifier(cfg.Notify.Buffer, logger)

	hooks := engine.Hooks{}
	var stream *notify.Stream
	if cfg.Database.Redis.URL != "" {
		s, sErr := notify.NewStream(cfg.Database.Redis.URL, logger)
		if sErr != nil {
			logger.Warn("Redis unavailable, progress mirroring disabled", zap.Error(sErr))
		} else {
			stream = s
			hooks.Mirror = s
		}
	}

	// Optional knowledge base over Qdrant.
	var kb *knowledge.Base
	if cfg.Knowledge.Enabled {
		base, kErr := knowledge.NewBase(context.Background(), knowledge.Config{
			Qdrant: knowledge.QdrantConfig{
				Host: cfg.Database.Qdrant.Host,
				Port: cfg.Database.Qdrant.Port,
			},
			Embedding: knowledge.EmbeddingConfig{
				Endpoint:  cfg.Knowledge.Embedding.Endpoint,
				Model:     cfg.Knowledge.Embedding.Model,
				APIKey:    cfg.Knowledge.Embedding.APIKey,
				Dimension: cfg.Knowledge.Embedding.Dimension,
			},
		}, logger)
		if kErr != nil {
			logger.Warn("knowledge base unavailable", zap.Error(kErr))
		} else {
			kb = base
			hooks.Index = kb
		}
	}

	// Optional chat platform announcements.
	gw := gateway.New(logger)
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(
			cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.ChannelID, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		discord, dErr := gateway.NewDiscordAdapter(
			cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("discord adapter unavailable", zap.Error(dErr))
		} else {
			gw.Register(discord)
		}
	}
	if len(gw.Adapters()) > 0 {
		hooks.Announce = gw
	}

	// Workers and supervisor share the oracle tuning.
	var search worker.Searcher
	if cfg.Tools.Search.Enabled && cfg.Tools.Search.Endpoint != "" {
		search = tool.NewSearchClient(tool.SearchConfig{
			Endpoint:   cfg.Tools.Search.Endpoint,
			APIKey:     cfg.Tools.Search.APIKey,
			MaxResults: cfg.Tools.Search.MaxResults,
		}, logger)
	}
	var recall worker.Recaller
	if kb != nil {
		recall = kb
	}

	invoker := worker.NewInvoker(router, search, recall, worker.Config{
		Model:       cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		MaxTokens:   cfg.Oracle.MaxTokens,
		Timeout:     oracleTimeout,
	}, logger)
	sup := supervisor.New(router, supervisor.Config{
		Model:       cfg.Oracle.Model,
		Temperature: cfg.Oracle.Temperature,
		Timeout:     oracleTimeout,
	}, logger)

	eng := engine.New(store, sup, invoker, notifier, hooks, engine.Config{
		MaxIterations:    cfg.Engine.MaxIterations,
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		FailureThreshold: cfg.Engine.FailureThreshold,
	}, logger)

	handler := api.NewHandler(eng, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Foreman listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Foreman...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
	gw.Close()
	if stream != nil {
		stream.Close()
	}
	if kb != nil {
		kb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
