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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/x402-rs/x402-facilitator/pkg/config"
	"github.com/x402-rs/x402-facilitator/pkg/handlers"
	"github.com/x402-rs/x402-facilitator/pkg/middleware"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fac, cleanup, err := cfg.InitializeFacilitator(ctx, logger)
	if err != nil {
		logger.Error("failed to initialize facilitator", "error", err)
		return err
	}
	defer cleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger, cfg.AccessLogFormat))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)))
	handlers.NewHandler(fac, logger).Routes(r)

	// Settlement waits for confirmation, so writes get the confirm budget.
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SubmitTimeout + cfg.ConfirmTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting x402 facilitator", "addr", cfg.Addr(), "access_log", cfg.AccessLogFormat)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}

	logger.Info("server exited")
	return nil
}
