package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"

	"github.com/kilnproject/kiln/cmd/api/config"
	mw "github.com/kilnproject/kiln/lib/middleware"
	"github.com/kilnproject/kiln/lib/otel"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	// Load config early for OTel initialization
	cfg := config.Load()

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelCfg.Enabled = false
		otelProvider, otelShutdown, _ = otel.Init(context.Background(), otelCfg)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	// Initialize app with wire
	app, err := initializeApp(otelProvider)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.Logger

	if cfg.OtelEnabled {
		logger.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	// Validate JWT secret is configured
	if app.Config.JwtSecret == "" {
		logger.Warn("JWT_SECRET not configured - API authentication will fail")
	}

	// Re-enqueue builds that were interrupted by a previous shutdown
	app.BuildManager.RecoverPendingBuilds()

	// Create router
	r := chi.NewRouter()

	// Prepare HTTP metrics middleware (applied inside API group, not globally)
	// Global application breaks WebSocket (Hijacker) and SSE (Flusher)
	var httpMetricsMw func(http.Handler) http.Handler
	if otelProvider != nil && otelProvider.Meter != nil {
		httpMetrics, err := mw.NewHTTPMetrics(otelProvider.Meter)
		if err == nil {
			httpMetricsMw = httpMetrics.Middleware
		}
	}

	// WebSocket log streaming endpoint
	// Note: No otelchi here as WebSocket doesn't work well with tracing middleware
	r.With(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		mw.InjectLogger(logger),
		mw.AccessLogger(logger),
		mw.VerifyJWT(app.Config.JwtSecret),
	).Get("/builds/{id}/logs/ws", app.ApiService.BuildLogsWebSocket)

	// Authenticated API endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)

		// OpenTelemetry tracing middleware FIRST (creates span context)
		if cfg.OtelEnabled {
			r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
		}

		r.Use(mw.InjectLogger(logger))

		// Access logger AFTER otelchi so trace context is available
		r.Use(mw.AccessLogger(logger))
		if httpMetricsMw != nil {
			// Skip HTTP metrics for SSE streaming endpoints (logs)
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if strings.HasSuffix(r.URL.Path, "/logs") {
						next.ServeHTTP(w, r)
						return
					}
					httpMetricsMw(next).ServeHTTP(w, r)
				})
			})
		}

		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(mw.VerifyJWT(app.Config.JwtSecret))

		r.Get("/builds", app.ApiService.ListBuilds)
		r.Post("/builds", app.ApiService.CreateBuild)
		r.Get("/builds/{id}", app.ApiService.GetBuild)
		r.Post("/builds/{id}/cancel", app.ApiService.CancelBuild)
		r.Get("/builds/{id}/logs", app.ApiService.GetBuildLogs)

		r.Get("/images", app.ApiService.ListImages)
		r.Get("/images/{id}", app.ApiService.GetImage)
		r.Post("/images/{id}/unpack", app.ApiService.UnpackImage)
		r.Delete("/images/{id}", app.ApiService.DeleteImage)
	})

	// Unauthenticated endpoints (outside group)
	r.Get("/health", app.ApiService.GetHealth)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", app.Config.Port),
		Handler: r,
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("starting kiln API", "port", app.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Use WithoutCancel to preserve context values while preventing cancellation
		shutdownCtx := context.WithoutCancel(gctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}
		logger.Info("http server shutdown complete")
		return nil
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}
