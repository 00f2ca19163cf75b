// Command consumer reads the driver location mirror from Kafka and keeps
// the shared Redis GEO index of available drivers current.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_indexer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_indexer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_indexer_updates_total",
		Help: "Total successful geo index updates by kind",
	}, []string{"kind"})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_indexer_errors_total",
		Help: "Total geo index update failures after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "geo-indexer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := handleMessage(ctx, index, m, 3, 200*time.Millisecond); err != nil {
			logger.Warn("location message not indexed", "offset", m.Offset, "error", err)
		}
	}
}

var errInvalidMessage = errors.New("invalid location message")

// handleMessage applies one mirrored sample to the index. The channel
// header, when present, wins over the sample's own order tag.
func handleMessage(ctx context.Context, g geo.Geo, m kafka.Message, attempts int, delay time.Duration) error {
	msgsConsumed.Inc()

	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil || s.DriverID == "" {
		msgsInvalid.Inc()
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	for _, h := range m.Headers {
		if h.Key == ingest.HeaderChannel && string(h.Value) == bus.ChannelDriverLocationAvailable {
			s.OrderID = ""
		}
	}

	if err := updateGeoWithRetry(ctx, g, s, attempts, delay); err != nil {
		geoErrors.Inc()
		return fmt.Errorf("index driver %s: %w", s.DriverID, err)
	}
	kind := "upsert"
	if s.Active() {
		kind = "remove"
	}
	geoUpdates.WithLabelValues(kind).Inc()
	return nil
}

// updateGeoWithRetry applies s with retry and exponential backoff.
func updateGeoWithRetry(ctx context.Context, g geo.Geo, s models.LocationSample, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = geo.Apply(ctx, g, s); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
