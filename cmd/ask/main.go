// Package main implements a command line demo driver: it loads a corpus,
// builds an in-memory index, and answers a set of questions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cortexqa/engine/engine/compose"
	"github.com/cortexqa/engine/engine/domain"
	"github.com/cortexqa/engine/engine/rag"
	"github.com/cortexqa/engine/engine/semantic"
	"github.com/cortexqa/engine/pkg/corpus"
	"github.com/cortexqa/engine/pkg/fn"
	"github.com/cortexqa/engine/pkg/ollama"
	"github.com/cortexqa/engine/pkg/openai"
)

var demoQueries = []string{
	"How do I get started with machine learning?",
	"What are the best practices for deploying ML models?",
	"Explain different types of neural networks",
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	corpusPath := envOr("CORPUS_PATH", "data/documents.json")
	records, err := corpus.LoadFile(corpusPath)
	if err != nil {
		return err
	}

	embedder, generator, err := buildProviders()
	if err != nil {
		return err
	}

	index, err := semantic.Build(ctx, records, embedder, semantic.BuildOptions{})
	if err != nil {
		return err
	}

	svc := rag.New(index, compose.New(compose.Options{}), generator, nil, rag.DefaultOptions(), logger)

	queries := demoQueries
	if args := os.Args[1:]; len(args) > 0 {
		queries = []string{strings.Join(args, " ")}
	}

	fmt.Println("RAG System Demo")
	fmt.Println(strings.Repeat("=", 50))

	for _, query := range queries {
		fmt.Printf("\nQuery: %s\n", query)
		fmt.Println(strings.Repeat("-", 30))

		answer, err := svc.Ask(ctx, query)
		if err != nil {
			return err
		}
		titles := fn.Map(answer.SupportingDocuments, func(r domain.Record) string { return r.Title })
		fmt.Printf("Answer: %s\n", answer.Text)
		fmt.Printf("Sources: %s\n", strings.Join(titles, ", "))
	}
	return nil
}

func buildProviders() (semantic.Embedder, rag.Generator, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openai.New(openai.Config{APIKey: key})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	c := ollama.New(ollama.Config{BaseURL: envOr("OLLAMA_URL", "http://localhost:11434")})
	return c, c, nil
}
