// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/AleutianConverse/pkg/logging"
	"github.com/AleutianAI/AleutianConverse/services/router"
	"github.com/AleutianAI/AleutianConverse/services/router/agent"
	"github.com/AleutianAI/AleutianConverse/services/router/cache"
	"github.com/AleutianAI/AleutianConverse/services/router/classifier"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/idempotency"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
	"github.com/AleutianAI/AleutianConverse/services/router/observability"
	"github.com/AleutianAI/AleutianConverse/services/router/routes"
	"github.com/AleutianAI/AleutianConverse/services/router/storage"
	"github.com/AleutianAI/AleutianConverse/services/router/storage/badgerdb"
	"github.com/AleutianAI/AleutianConverse/services/router/tasks"
	"github.com/AleutianAI/AleutianConverse/services/router/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := router.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: "json", Service: "converse-router"})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "converse-router", debug)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Trace shutdown failed", slog.Any("error", err))
		}
	}()

	// Storage.
	dbCfg := badgerdb.DefaultConfig()
	dbCfg.Path = cfg.Storage.Path
	dbCfg.Logger = slog.Default()
	if cfg.Storage.InMemory {
		dbCfg = badgerdb.InMemoryConfig()
	}
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("opening badger at %s: %w", cfg.Storage.Path, err)
	}
	defer db.Close()
	store := storage.NewBadgerStore(db, cfg.Storage.TurnTTL)

	// LLM boundary.
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	baseClient, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}
	client := llm.NewResilientClient(baseClient,
		llm.WithBreakerConfig(llm.BreakerConfig{
			FailureThreshold: cfg.LLM.BreakerThreshold,
			Cooldown:         cfg.LLM.BreakerCooldown,
		}),
		llm.WithStateChangeFunc(func(_, to llm.BreakerState) {
			metrics.SetBreakerState(float64(to))
		}))

	// Caching.
	l1 := buildL1(cfg)
	var l2 cache.L2Cache
	if cfg.Weaviate.Host != "" {
		weaviateClient, err := weaviate.NewClient(weaviate.Config{
			Scheme: cfg.Weaviate.Scheme,
			Host:   cfg.Weaviate.Host,
		})
		if err != nil {
			return fmt.Errorf("creating weaviate client: %w", err)
		}
		l2 = cache.NewWeaviateL2(weaviateClient)
	} else {
		slog.Warn("Weaviate not configured, semantic L2 cache disabled")
	}
	semCache, err := cache.NewSemanticCache(l1, l2, client, cache.Config{
		ServeThreshold:   cfg.Cache.ServeThreshold,
		SuggestThreshold: cfg.Cache.SuggestThreshold,
		L1TTL:            cfg.Cache.L1TTL,
	})
	if err != nil {
		return err
	}

	// Flow and tools.
	machine := flow.NewStateMachine()
	decisions := flow.NewDecisionService(machine)
	toolRegistry, err := tools.NewBuiltinRegistry(newBackendInvoker(), machine)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	executor, err := tools.NewExecutor(toolRegistry, decisions, idempotency.NewBadgerStore(db),
		tools.WithExecuteHook(metrics.ToolExecuted))
	if err != nil {
		return err
	}
	loop, err := agent.NewLoop(client, executor, toolRegistry, machine, decisions,
		agent.WithToolBudget(cfg.Agent.ToolBudget))
	if err != nil {
		return err
	}
	intents, err := classifier.NewIntentClassifier(client)
	if err != nil {
		return err
	}

	// Background work.
	pool, err := tasks.NewPool(cfg.Tasks.Workers, cfg.Tasks.QueueSize,
		tasks.WithObserver(taskMetrics{metrics}))
	if err != nil {
		return err
	}
	defer pool.Close()

	service, err := router.NewService(router.Deps{
		Store:      store,
		Machine:    machine,
		Decisions:  decisions,
		Classifier: intents,
		Cache:      semCache,
		Loop:       loop,
		Pool:       pool,
		Metrics:    metrics,
		Config:     cfg,
	})
	if err != nil {
		return err
	}

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.SetupRoutes(engine, service, registry)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: engine}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting router server", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLLMClient(cfg router.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "mock":
		slog.Warn("Using mock LLM backend; for local development only")
		return llm.NewMockClient(), nil
	default:
		opts := []llm.OpenAIOption{llm.WithRequestTimeout(cfg.LLM.RequestTimeout)}
		if cfg.LLM.Model != "" {
			opts = append(opts, llm.WithModel(cfg.LLM.Model))
		}
		return llm.NewOpenAIClient(opts...)
	}
}

func buildL1(cfg router.Config) cache.L1Cache {
	if cfg.Redis.Addr == "" {
		slog.Info("Redis not configured, using in-process L1 cache")
		return cache.NewMemoryL1()
	}
	return cache.NewRedisL1(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
}

// taskMetrics adapts the metrics bundle to the task pool observer.
type taskMetrics struct {
	m *observability.Metrics
}

func (t taskMetrics) TaskQueued(string) { t.m.DeferredTask("queued") }

func (t taskMetrics) TaskDropped(string) { t.m.DeferredTask("dropped") }

func (t taskMetrics) TaskCompleted(_ string, err error) {
	if err != nil {
		t.m.DeferredTask("failed")
		return
	}
	t.m.DeferredTask("completed")
}

// backendInvoker is the placeholder commerce backend. Real deployments
// swap this for an adapter over the catalog and order services; until
// then every action reports a clean, honest failure.
type backendInvoker struct{}

func newBackendInvoker() tools.Invoker { return backendInvoker{} }

func (backendInvoker) Invoke(_ context.Context, action string, _ map[string]any) (*tools.Result, error) {
	backend := os.Getenv("CONVERSE_BACKEND_URL")
	if backend == "" {
		slog.Warn("No commerce backend configured", slog.String("action", action))
		return tools.Fail("this capability is not available right now"), nil
	}
	// TODO(backend): wire the HTTP catalog adapter once the commerce API
	// contract is frozen.
	return tools.Fail("this capability is not available right now"), nil
}
