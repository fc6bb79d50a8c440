// Package main is the entrypoint for the chatrelay server. One process serves
// the HTTP API and runs the job workers, the lease reaper and the completion
// relay.
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

	"github.com/kiranshivaraju/chatrelay/internal/ai"
	"github.com/kiranshivaraju/chatrelay/internal/api"
	"github.com/kiranshivaraju/chatrelay/internal/api/handler"
	mw "github.com/kiranshivaraju/chatrelay/internal/api/middleware"
	"github.com/kiranshivaraju/chatrelay/internal/api/response"
	"github.com/kiranshivaraju/chatrelay/internal/cache"
	"github.com/kiranshivaraju/chatrelay/internal/chat"
	"github.com/kiranshivaraju/chatrelay/internal/config"
	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"github.com/kiranshivaraju/chatrelay/internal/notify"
	"github.com/kiranshivaraju/chatrelay/internal/queue"
	"github.com/kiranshivaraju/chatrelay/internal/ratelimit"
	"github.com/kiranshivaraju/chatrelay/internal/store"
	"github.com/kiranshivaraju/chatrelay/internal/worker"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// waitRecheck bounds how long a waiter can miss a completion event.
const waitRecheck = time.Second

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.IsDevelopment() {
		logLevel.Set(slog.LevelDebug)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "model", cfg.AI.Model,
		"workers", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create generation engine
	gemini, err := ai.NewGeminiEngine(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("create generation engine: %w", err)
	}
	engine := ai.NewLimited(gemini, cfg.AI.MaxConcurrent)
	slog.Info("generation engine initialized", "model", cfg.AI.Model)

	// 6. Stores, queue and notification
	pgStore := store.NewPostgresStore(pool)
	jobs := queue.NewPostgresQueue(pool, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
	})
	hub := notify.NewHub()
	relay := notify.NewRedisRelay(redisCache.Client(), hub, slog.Default())
	waiter := notify.NewWaiter(hub, jobs, waitRecheck)

	// 7. Admission and caching
	chatLimiter := ratelimit.New(redisCache, "chat", map[models.Tier]ratelimit.Policy{
		models.TierBasic: {Cap: cfg.RateLimit.Basic.Cap, Window: cfg.RateLimit.Basic.Window},
		models.TierPro:   {Cap: cfg.RateLimit.Pro.Cap, Window: cfg.RateLimit.Pro.Window},
	})
	apiLimiter := ratelimit.NewFlat(redisCache, "api", ratelimit.Policy{
		Cap:    cfg.RateLimit.RequestsPerMinute,
		Window: time.Minute,
	})
	rooms := cache.NewLoader(redisCache, "chatrooms", slog.Default())

	svc := chat.NewService(pgStore, jobs, chatLimiter, waiter, rooms, chat.Options{
		ChatroomsTTL:     cfg.Cache.ChatroomsTTL,
		WaitTimeout:      cfg.Chat.WaitTimeout,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	}, slog.Default())

	// 8. Workers
	workers := worker.NewPool(jobs, engine, svc, relay, worker.Config{
		Concurrency:      cfg.Worker.Concurrency,
		PollInterval:     cfg.Worker.PollInterval,
		Lease:            cfg.Queue.Lease,
		InferenceTimeout: cfg.AI.InferenceTimeout,
	}, slog.Default())
	reaper := worker.NewReaper(jobs, relay, cfg.Queue.ReapInterval, cfg.Queue.CompletedRetention, slog.Default())

	metrics.MustRegister()

	// 9. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		RateLimit: mw.NewRateLimit(apiLimiter),

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: metrics.Handler(),

		SubmitJob:   handler.NewSubmitJobHandler(svc),
		JobStatus:   handler.NewJobStatusHandler(svc),
		CreateRoom:  handler.NewCreateRoomHandler(svc),
		ListRooms:   handler.NewListRoomsHandler(svc),
		GetRoom:     handler.NewGetRoomHandler(svc),
		SendMessage: handler.NewSendMessageHandler(svc),
		ListChats:   handler.NewListChatsHandler(svc),
		DeleteChat:  handler.NewDeleteChatHandler(svc),
		Me:          handler.NewMeHandler(svc),
	}

	// 10. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     api.NewRouter(deps),
		ReadTimeout: 15 * time.Second,
		// Room messages block until the reply is ready.
		WriteTimeout: cfg.Chat.WaitTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check: cache unreachable", "error", err)
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
