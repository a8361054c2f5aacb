// Package main implements the question-answering API server.
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

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cortexqa/engine/engine/compose"
	"github.com/cortexqa/engine/engine/domain"
	"github.com/cortexqa/engine/engine/provenance"
	"github.com/cortexqa/engine/engine/rag"
	"github.com/cortexqa/engine/engine/semantic"
	"github.com/cortexqa/engine/pkg/anthropic"
	"github.com/cortexqa/engine/pkg/corpus"
	"github.com/cortexqa/engine/pkg/metrics"
	"github.com/cortexqa/engine/pkg/mid"
	"github.com/cortexqa/engine/pkg/ollama"
	"github.com/cortexqa/engine/pkg/openai"
	"github.com/cortexqa/engine/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port            string
	CorpusPath      string
	Provider        string // openai, ollama, or anthropic
	OpenAIKey       string
	AnthropicKey    string
	OllamaURL       string
	QdrantURL       string
	Collection      string
	Neo4jURL        string
	Neo4jUser       string
	Neo4jPass       string
	TopK            int
	ContextBudget   int
	CORSOrigin      string
	ProviderRateRPS float64
}

func loadConfig() Config {
	return Config{
		Port:            envOr("PORT", "8080"),
		CorpusPath:      envOr("CORPUS_PATH", "corpus.json"),
		Provider:        envOr("PROVIDER", "openai"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:    os.Getenv("ANTHROPIC_API_KEY"),
		OllamaURL:       envOr("OLLAMA_URL", "http://localhost:11434"),
		QdrantURL:       os.Getenv("QDRANT_URL"),
		Collection:      envOr("QDRANT_COLLECTION", "corpus"),
		Neo4jURL:        os.Getenv("NEO4J_URL"),
		Neo4jUser:       envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:       envOr("NEO4J_PASS", "password"),
		TopK:            envIntOr("TOP_K", 3),
		ContextBudget:   envIntOr("CONTEXT_BUDGET", 0),
		CORSOrigin:      envOr("CORS_ORIGIN", "*"),
		ProviderRateRPS: 5,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, generator, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	// Generation calls go through a circuit breaker so a failing provider
	// sheds load quickly instead of piling up timeouts.
	generator = &guardedGenerator{
		inner:   generator,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}

	records, err := corpus.LoadFile(cfg.CorpusPath)
	if err != nil {
		return err
	}
	logger.Info("corpus loaded", "path", cfg.CorpusPath, "records", len(records))

	retriever, cleanup, err := buildRetriever(ctx, cfg, records, embedder, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var recorder rag.Recorder
	if cfg.Neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		recorder = provenance.New(driver)
		logger.Info("provenance recording enabled", "url", cfg.Neo4jURL)
	}

	composer := compose.New(compose.Options{Budget: cfg.ContextBudget, Policy: compose.PolicyDropTail})

	opts := rag.DefaultOptions()
	opts.TopK = cfg.TopK
	svc := rag.New(retriever, composer, generator, recorder, opts, logger)

	// --- Build HTTP server ---
	reg := metrics.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/ask", handleAsk(svc, reg, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(reg),
		mid.OTel("cortexqa-api"),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "provider", cfg.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// buildProviders selects the embedding and generation clients from config.
// Anthropic has no embeddings endpoint, so it is paired with OpenAI when a
// key is present and Ollama otherwise.
func buildProviders(cfg Config) (semantic.Embedder, rag.Generator, error) {
	ollamaClient := ollama.New(ollama.Config{BaseURL: cfg.OllamaURL, RequestsPerSecond: cfg.ProviderRateRPS})

	switch cfg.Provider {
	case "openai":
		c, err := openai.New(openai.Config{APIKey: cfg.OpenAIKey, RequestsPerSecond: cfg.ProviderRateRPS})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "ollama":
		return ollamaClient, ollamaClient, nil
	case "anthropic":
		gen, err := anthropic.New(anthropic.Config{APIKey: cfg.AnthropicKey})
		if err != nil {
			return nil, nil, err
		}
		if cfg.OpenAIKey != "" {
			emb, err := openai.New(openai.Config{APIKey: cfg.OpenAIKey, RequestsPerSecond: cfg.ProviderRateRPS})
			if err != nil {
				return nil, nil, err
			}
			return emb, gen, nil
		}
		return ollamaClient, gen, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// buildRetriever indexes the corpus either into Qdrant (when QDRANT_URL is
// set) or into an in-memory index.
func buildRetriever(ctx context.Context, cfg Config, records []domain.Record, embedder semantic.Embedder, logger *slog.Logger) (rag.Retriever, func(), error) {
	if cfg.QdrantURL != "" {
		store, err := semantic.NewStore(cfg.QdrantURL, cfg.Collection, embedder)
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant connect: %w", err)
		}
		if err := store.IndexRecords(ctx, records, semantic.BuildOptions{}); err != nil {
			store.Close()
			return nil, nil, err
		}
		logger.Info("corpus indexed in qdrant", "collection", cfg.Collection, "records", len(records))
		return store, func() { store.Close() }, nil
	}

	index, err := semantic.Build(ctx, records, embedder, semantic.BuildOptions{})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("corpus indexed in memory", "records", index.Len(), "dims", index.Dims())
	return index, func() {}, nil
}

// guardedGenerator wraps a Generator with a circuit breaker.
type guardedGenerator struct {
	inner   rag.Generator
	breaker *resilience.Breaker
}

func (g *guardedGenerator) Generate(ctx context.Context, msgs []domain.Message) (string, error) {
	var reply string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = g.inner.Generate(ctx, msgs)
		return err
	})
	return reply, err
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// AskRequest is the JSON body for POST /api/ask.
type AskRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

// AskResponse is the JSON response for POST /api/ask.
type AskResponse struct {
	Answer  string          `json:"answer"`
	Sources []domain.Record `json:"sources"`
}

func handleAsk(svc *rag.Service, reg *metrics.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		var (
			answer *domain.Answer
			err    error
		)
		if req.TopK > 0 {
			answer, err = svc.Answer(r.Context(), req.Question, req.TopK)
		} else {
			answer, err = svc.Ask(r.Context(), req.Question)
		}
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidRequest):
				reg.Counter(metrics.WithLabels("answers_total", "outcome", "invalid"), "Answers served").Inc()
				http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
			case errors.Is(err, domain.ErrRetrieval):
				reg.Counter(metrics.WithLabels("answers_total", "outcome", "retrieval_error"), "Answers served").Inc()
				logger.Error("retrieval failed", "err", err)
				http.Error(w, `{"error":"retrieval failed"}`, http.StatusBadGateway)
			default:
				reg.Counter(metrics.WithLabels("answers_total", "outcome", "error"), "Answers served").Inc()
				logger.Error("ask failed", "err", err)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
			return
		}

		reg.Counter(metrics.WithLabels("answers_total", "outcome", "ok"), "Answers served").Inc()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AskResponse{
			Answer:  answer.Text,
			Sources: answer.SupportingDocuments,
		})
	}
}
