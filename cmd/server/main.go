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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"careleave/internal/app"
	jwttoken "careleave/internal/jwt_token"
	"careleave/internal/leave/handler"
	"careleave/internal/platform/config"
	"careleave/internal/platform/httpserver"
	"careleave/internal/platform/logger"
	"careleave/internal/platform/metrics"
	"careleave/pkg/platform/httputil"
	"careleave/pkg/platform/middleware/request"
	"careleave/pkg/platform/middleware/requesttime"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.New(version)
	a, err := app.Build(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := httpserver.New(cfg.Addr, newRouter(a, log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting careleave", "addr", cfg.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if cfg.Monitor.Enabled {
		g.Go(func() error {
			log.InfoContext(gctx, "overdue monitor started", "interval", cfg.Monitor.Interval)
			if err := a.Monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("overdue monitor: %w", err)
			}
			return nil
		})
	}
	if a.Relay != nil {
		g.Go(func() error {
			log.InfoContext(gctx, "transition outbox relay started", "topic", cfg.Kafka.Topic)
			if err := a.Relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newRouter(a *app.App, log *slog.Logger) http.Handler {
	jwtValidator := jwttoken.NewAdapter(jwttoken.NewJWTService(
		a.Config.JWTSigningKey,
		a.Config.JWTIssuer,
		a.Config.JWTAudience,
	))
	leaveHandler := handler.New(a.Service, jwtValidator, log,
		handler.WithExporter(a.Exporter),
		handler.WithScanner(a.Monitor),
		handler.WithRateLimit(a.Limiter),
	)

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(requesttime.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Health(r.Context()); err != nil {
			log.WarnContext(r.Context(), "health check failed", "error", err)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	r.Handle("/metrics", metrics.Handler())

	leaveHandler.Register(r)
	leaveHandler.RegisterAdmin(r, a.Config.AdminToken)
	return r
}
