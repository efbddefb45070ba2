// Package main provides the HTTP API server for orders and authentication.
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

	"github.com/Lizaveta3333/liza-backend/internal/app"
	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/config"
	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/metrics"
	"github.com/Lizaveta3333/liza-backend/internal/service"
	"github.com/Lizaveta3333/liza-backend/internal/tracing"
)

const (
	signalBufferSize  = 1
	exitCode          = 1
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping API server")
		cancel()
	}()

	return ctx, cancel
}

// startEmbeddedPublishers drains the outbox in-process. The memory store is
// not shared with cmd/publisher, so the API publishes its own events.
func startEmbeddedPublishers(ctx context.Context, cfg *config.Config, repos *app.Repositories) (func(), error) {
	publisher, err := bus.NewPublisher(cfg, repos.Redis)
	if err != nil {
		return nil, err
	}

	workers := app.NewPublishers(cfg, repos, publisher)
	done := make(chan struct{}, len(workers))

	for _, w := range workers {
		go func(w service.OutboxService) {
			defer func() { done <- struct{}{} }()

			if err := w.Run(ctx); err != nil {
				slog.Error("outbox publisher failed", slog.String("error", err.Error()))
			}
		}(w)
	}

	return func() {
		for range workers {
			<-done
		}

		if err := publisher.Close(); err != nil {
			slog.Error("failed to close bus publisher", slog.String("error", err.Error()))
		}
	}, nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel)
	slog.SetDefault(loggerInstance)

	if err := run(cfg); err != nil {
		slog.Error("API server failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := setupSignalHandling()
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("failed to shut down tracing", slog.String("error", err.Error()))
		}
	}()

	repos, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer repos.Close()

	keys, tokens, err := app.NewTokenStack(ctx, cfg, repos)
	if err != nil {
		return err
	}

	go keys.Run(ctx)

	metrics.Serve(ctx, cfg.MetricsAddr)

	if cfg.StoreDriver == config.StoreDriverMemory {
		wait, err := startEmbeddedPublishers(ctx, cfg, repos)
		if err != nil {
			return err
		}
		defer wait()
	}

	orderService := service.NewOrderServiceImpl(repos.Orders, repos.Products, repos.Outbox, repos.TransactionMgr)
	authService := service.NewAuthServiceImpl(repos.Users, repos.RefreshTokens, tokens)

	server := NewAPIServer(orderService, authService, tokens, keys)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		slog.Info("starting API server",
			slog.String("service", "api"),
			slog.String("port", cfg.Port),
			slog.String("store", cfg.StoreDriver),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
