// chatflow - conversational message orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatflow/internal/api"
	"github.com/ashureev/chatflow/internal/app"
	"github.com/ashureev/chatflow/internal/config"
	"github.com/ashureev/chatflow/internal/identity"
	"github.com/ashureev/chatflow/internal/livechat"
	"github.com/ashureev/chatflow/internal/middleware"
	"github.com/ashureev/chatflow/internal/seed"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()
	slog.Info("Database connected")

	if cfg.SeedFile != "" {
		st, err := seed.LoadFile(ctx, cfg.SeedFile, rt.Repo, rt.Embedder)
		if err != nil {
			slog.Error("Failed to apply seed file", "error", err, "path", cfg.SeedFile)
			os.Exit(1)
		}
		slog.Info("Seed applied", "path", cfg.SeedFile, "agents", st.Agents, "intents", st.Intents, "snippets", st.Snippets)
	}

	// Initialize handlers.
	apiHandler := api.NewHandler(rt.Service, rt.Aggregator, rt.Detector, rt.Registry, rt.Repo)
	checks := map[string]api.Pinger{"database": rt.Repo}
	if p, ok := rt.Coordination.(api.Pinger); ok {
		checks["coordination"] = p
	}
	healthHandler := api.NewHealthHandler(cfg.Timeout.HealthCheck, checks)

	sm := livechat.NewSessionManager()
	wsHandler := livechat.NewWebSocketHandler(sm, rt.Aggregator, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Workspace-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.DefaultWorkspaceID))
		r.Use(limiter.Handler)
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/contexts/{contextID}", wsHandler.ServeHTTP)
	})

	// Note: websocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	reaperDone := livechat.StartIdleReaper(ctx, sm, cfg.LiveChat.IdleTTL, cfg.LiveChat.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestration.PassTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-reaperDone

	slog.Info("Server stopped successfully")
}
