// Clara engine server: schedules tenant posting cycles, generates posts
// through the LLM pipeline, and publishes them to the social backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/api"
	"github.com/clara-labs/clara/pkg/calendar"
	"github.com/clara-labs/clara/pkg/config"
	"github.com/clara-labs/clara/pkg/engine"
	"github.com/clara-labs/clara/pkg/knowledge"
	"github.com/clara-labs/clara/pkg/llm"
	"github.com/clara-labs/clara/pkg/metrics"
	"github.com/clara-labs/clara/pkg/pipeline"
	"github.com/clara-labs/clara/pkg/prompt"
	"github.com/clara-labs/clara/pkg/publish"
	"github.com/clara-labs/clara/pkg/ratelimit"
	"github.com/clara-labs/clara/pkg/registry"
	"github.com/clara-labs/clara/pkg/scheduler"
	"github.com/clara-labs/clara/pkg/semcache"
	"github.com/clara-labs/clara/pkg/store"
	"github.com/clara-labs/clara/pkg/validate"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultTemplate is registered when the configuration does not supply one.
const defaultTemplate = `{{persona}}

Relevant notes:
{{context}}

Write one short social post in your voice. Output only the post text.`

func buildTemplates(cfg *config.Config) *prompt.Registry {
	templates := prompt.NewRegistry()
	templates.Register(prompt.Template{
		Name:      "daily_post",
		Version:   1,
		Text:      defaultTemplate,
		MaxLength: 8000,
	})
	for name, text := range cfg.Templates {
		templates.Register(prompt.Template{Name: name, Version: 1, Text: text, MaxLength: 8000})
	}
	return templates
}

func main() {
	configPath := flag.String("config", getEnv("CLARA_CONFIG", "./clara.yaml"), "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, continuing with existing environment")
	}

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Repository: Postgres by default, in-memory for local experiments.
	var repo store.Repository
	if getEnv("CLARA_STORE", "postgres") == "memory" {
		slog.Warn("Using in-memory repository, no state survives restart")
		repo = store.NewMemory()
	} else {
		dbCfg, err := store.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pg, err := store.NewPostgres(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		repo = pg
		slog.Info("Connected to PostgreSQL database")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("Error closing repository", "error", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	cl := clock.RealClock{}
	cal := calendar.New(cl)

	limiter := ratelimit.NewCoordinator(
		ratelimit.NewRedisStore(rdb, cl),
		ratelimit.Limits{
			ClientLLMPerSec:  cfg.Limits.ClientLLMPerSec,
			ClientDailyLLM:   cfg.Limits.ClientDailyLLM,
			ClientDailyPosts: cfg.Limits.ClientDailyPosts,
			GlobalDailyLLM:   cfg.Limits.GlobalDailyLLM,
		},
		time.Second,
	)

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	generator, err := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		APIKey:         apiKey,
		Timeout:        cfg.LLM.Timeout,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	publisher := publish.NewXClient(publish.XConfig{
		BaseURL:         cfg.Publish.BaseURL,
		Timeout:         cfg.Publish.Timeout,
		BreakerFailures: cfg.Publish.BreakerFailures,
		BreakerCooldown: cfg.Publish.BreakerCooldown,
	})

	cache := semcache.New(semcache.Config{
		Capacity:            cfg.Cache.Capacity,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		TTL:                 cfg.Cache.TTL,
		SweepInterval:       cfg.Cache.SweepInterval,
	}, generator, cl)
	cache.Start()
	defer cache.Stop()

	reg := registry.New(repo, cal, cfg.Engine.RegistryReconcileInterval, cl)
	if err := reg.Load(ctx); err != nil {
		slog.Error("Failed to load tenants", "error", err)
		os.Exit(1)
	}
	reg.Start(ctx)
	slog.Info("Tenant registry loaded", "active", len(reg.ListActive()))

	chain := validate.DefaultChain(validate.Config{MaxLength: cfg.Publish.MaxLength}, nil)
	know := knowledge.NewStore(generator)

	pipe := pipeline.New(pipeline.Config{
		TemplateName:    "daily_post",
		LLMParams:       llm.Params{MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature},
		MaxRetries:      cfg.LLM.MaxRetries,
		PostParkMax:     cfg.Engine.PostParkMax,
		DuplicateWindow: cfg.Publish.DuplicateWindow,
	}, repo, limiter, buildTemplates(cfg), cache, chain, generator, publisher, know, cl)

	sched := scheduler.New(scheduler.Config{
		Limits: scheduler.Limits{
			DailyLLM:   cfg.Limits.ClientDailyLLM,
			DailyPosts: cfg.Limits.ClientDailyPosts,
		},
		PollInterval: cfg.Engine.PollInterval,
	}, reg, cal, limiter, cl)

	m := metrics.New()
	eng := engine.New(engine.Config{
		Workers:       cfg.Engine.Workers,
		ShutdownGrace: cfg.Engine.ShutdownGrace,
	}, sched, pipe, reg, limiter, cache, m, cl)
	eng.Start(ctx)

	httpServer := api.NewServer(eng, repo, publisher, m)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Clara started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Drain the engine first so in-flight cycles settle, then flush the
	// registry's batched activity, then stop the outer surfaces.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Engine.ShutdownGrace+10*time.Second)
	defer cancel()

	eng.Stop(shutdownCtx)
	reg.Stop(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Clara stopped")
}
