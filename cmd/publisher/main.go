// Package main provides the outbox publisher that claims pending order events
// and publishes them to the configured message bus.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Lizaveta3333/liza-backend/internal/app"
	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/config"
	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/metrics"
	"github.com/Lizaveta3333/liza-backend/internal/service"
	"github.com/Lizaveta3333/liza-backend/internal/tracing"
)

const (
	signalBufferSize = 1
	exitCode         = 1
)

func setupPublisherSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping publisher")
		cancel()
	}()

	return ctx, cancel
}

func runPublisherLoops(ctx context.Context, workers []service.OutboxService) {
	var wg sync.WaitGroup

	for _, w := range workers {
		wg.Add(1)

		go func(w service.OutboxService) {
			defer wg.Done()

			if err := w.Run(ctx); err != nil {
				slog.Error("outbox publisher failed", slog.String("error", err.Error()))
			}
		}(w)
	}

	wg.Wait()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel)
	slog.SetDefault(loggerInstance)

	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Error("the publisher needs a shared store, STORE_DRIVER=memory publishes from cmd/api instead")
		os.Exit(exitCode)
	}

	ctx, cancel := setupPublisherSignalHandling()
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to set up tracing", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	defer func() { _ = shutdownTracing(context.Background()) }()

	repos, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.String("error", err.Error()))
		return
	}
	defer repos.Close()

	publisher, err := bus.NewPublisher(cfg, repos.Redis)
	if err != nil {
		slog.Error("failed to connect to message bus",
			slog.String("driver", cfg.BusDriver),
			slog.String("error", err.Error()),
		)

		return
	}

	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close bus publisher", slog.String("error", err.Error()))
		}
	}()

	metrics.Serve(ctx, cfg.MetricsAddr)

	slog.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("bus", cfg.BusDriver),
		slog.String("topic", cfg.EventTopic),
		slog.Int("workers", cfg.PublisherWorkers),
		slog.Duration("poll_interval", cfg.PublisherPollInterval),
		slog.Int("batch_size", cfg.PublisherBatchSize),
	)

	runPublisherLoops(ctx, app.NewPublishers(cfg, repos, publisher))
}
