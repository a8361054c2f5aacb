// Package main implements the corpus ingestion daemon. It consumes records
// from NATS, validates them, and periodically flushes the accepted batch
// into the Qdrant collection. Upserts use deterministic point IDs, so
// re-flushing the full batch is idempotent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cortexqa/engine/engine/ingest"
	"github.com/cortexqa/engine/engine/semantic"
	"github.com/cortexqa/engine/pkg/metrics"
	"github.com/cortexqa/engine/pkg/ollama"
	"github.com/cortexqa/engine/pkg/openai"
)

// Config holds all environment-based configuration.
type Config struct {
	NATSURL       string
	QdrantURL     string
	Collection    string
	OpenAIKey     string
	OllamaURL     string
	FlushInterval time.Duration
	MetricsPort   string
}

func loadConfig() Config {
	return Config{
		NATSURL:       envOr("NATS_URL", nats.DefaultURL),
		QdrantURL:     envOr("QDRANT_URL", "localhost:6334"),
		Collection:    envOr("QDRANT_COLLECTION", "corpus"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		FlushInterval: envDurationOr("FLUSH_INTERVAL", 30*time.Second),
		MetricsPort:   envOr("METRICS_PORT", "9091"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

var (
	reg            = metrics.New()
	flushesTotal   = reg.Counter("ingest_flushes_total", "Completed index flushes")
	flushFailures  = reg.Counter("ingest_flush_failures_total", "Failed index flushes")
	recordsPending = reg.Gauge("ingest_records_pending", "Accepted records awaiting flush")
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("cortexqa-ingestd"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}

	store, err := semantic.NewStore(cfg.QdrantURL, cfg.Collection, embedder)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	collector := ingest.NewCollector(ingest.NATSPublisher(nc), logger)
	sub, err := ingest.StartConsumer(nc, collector)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	go serveMetrics(cfg.MetricsPort, logger)

	logger.Info("ingestd started",
		"nats", cfg.NATSURL,
		"subject", ingest.RecordSubject,
		"collection", cfg.Collection,
		"flush_interval", cfg.FlushInterval,
	)

	ticker := time.NewTicker(cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, final flush")
			flush(context.Background(), store, collector, logger)
			return nil
		case <-ticker.C:
			flush(ctx, store, collector, logger)
		}
	}
}

func flush(ctx context.Context, store *semantic.Store, collector *ingest.Collector, logger *slog.Logger) {
	records := collector.Snapshot()
	recordsPending.Set(int64(len(records)))
	if len(records) == 0 {
		return
	}

	start := time.Now()
	if err := store.IndexRecords(ctx, records, semantic.BuildOptions{}); err != nil {
		flushFailures.Inc()
		logger.Error("flush failed", "records", len(records), "err", err)
		return
	}
	flushesTotal.Inc()
	logger.Info("flush complete", "records", len(records), "duration", time.Since(start))
}

func buildEmbedder(cfg Config) (semantic.Embedder, error) {
	if cfg.OpenAIKey != "" {
		return openai.New(openai.Config{APIKey: cfg.OpenAIKey})
	}
	return ollama.New(ollama.Config{BaseURL: cfg.OllamaURL}), nil
}

func serveMetrics(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", reg.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("metrics server error", "port", port, "err", err)
	}
}
