// Package main provides an example downstream consumer of order events. It
// deduplicates deliveries on the event's dedup key.
package main

import (
	"context"
	"log/slog"
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
	errorRetryDelay  = 1 * time.Second
	signalBufferSize = 1
	exitCode         = 1
)

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

func runConsumerLoop(ctx context.Context, subscriber bus.Subscriber, topic string, handler bus.Handler) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped")
			return
		default:
			if err := subscriber.Consume(ctx, topic, handler); err != nil && ctx.Err() == nil {
				slog.Error("error consuming messages", slog.String("error", err.Error()))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel)
	slog.SetDefault(loggerInstance)

	ctx, cancel := setupSignalHandling()
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

	subscriber, err := bus.NewSubscriber(cfg, repos.Redis)
	if err != nil {
		slog.Error("failed to connect to message bus", slog.String("error", err.Error()))
		return
	}
	defer subscriber.Close()

	metrics.Serve(ctx, cfg.MetricsAddr)

	handler := service.NewOrderEventHandlerImpl(repos.Dedup, service.DefaultDedupTTL, nil)

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("bus", cfg.BusDriver),
		slog.String("topic", cfg.EventTopic),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	runConsumerLoop(ctx, subscriber, cfg.EventTopic, handler.HandleMessage)
}
