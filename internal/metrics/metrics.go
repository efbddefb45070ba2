// Package metrics exposes Prometheus instruments for the outbox pipeline.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Published counts events acknowledged by the broker.
	Published = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Total number of outbox events acknowledged by the broker",
	})
	// Retried counts rejected publishes scheduled for another attempt.
	Retried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_retried_total",
		Help: "Total number of rejected publishes scheduled for retry",
	})
	// Failed counts events moved to Failed.
	Failed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_failed_total",
		Help: "Total number of outbox events that exhausted their retries",
	})
	// DLQCount counts messages pushed to the dead-letter list.
	DLQCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_messages_total",
		Help: "Total number of messages sent to DLQ",
	})
	// BrokerUnavailable counts publishes that hit an unavailable broker.
	BrokerUnavailable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_broker_unavailable_total",
		Help: "Total number of publishes that failed because the broker was unavailable",
	})
	// PublishLatency observes broker round trips.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_publish_latency_seconds",
		Help:    "Latency of broker publishes",
		Buckets: prometheus.DefBuckets,
	})
	// EventsByStatus reports the outbox size per status.
	EventsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_events",
		Help: "Number of outbox events per status",
	}, []string{"status"})
	// KeyRotations counts successful signing key rotations.
	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signing_key_rotations_total",
		Help: "Total number of signing key rotations",
	})
	// ConsumerProcessed counts consumed events by outcome.
	ConsumerProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_events_processed_total",
		Help: "Total number of consumed events",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		Published, Retried, Failed, DLQCount, BrokerUnavailable,
		PublishLatency, EventsByStatus, KeyRotations, ConsumerProcessed,
	)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()
}
