// Package rag orchestrates the retrieval-augmented generation pipeline.
// It validates a question, retrieves the most relevant corpus records,
// composes the bounded context block, and calls the generation gateway for
// the final answer, preserving retrieval provenance across generation
// failures.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexqa/engine/engine/compose"
	"github.com/cortexqa/engine/engine/domain"
)

// Retriever abstracts semantic search over the corpus. Both the in-memory
// index and the Qdrant store satisfy it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.RankedResult, error)
}

// Generator abstracts the generation provider.
type Generator interface {
	Generate(ctx context.Context, messages []domain.Message) (string, error)
}

// Recorder persists provenance for answered queries. Recorder failures are
// logged and never fail the answer.
type Recorder interface {
	Record(ctx context.Context, query string, answer *domain.Answer) error
}

// Options configures the pipeline behaviour.
type Options struct {
	TopK         int
	SystemPrompt string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:         3,
		SystemPrompt: defaultSystemPrompt,
	}
}

const defaultSystemPrompt = `You are a helpful technical documentation assistant. Answer questions using only the provided context. If the context doesn't contain enough information to answer the question, say so clearly. Keep responses concise but complete.`

// Service is the pipeline orchestrator. It is stateless between calls and
// safe for concurrent use.
type Service struct {
	retriever Retriever
	composer  *compose.Composer
	generator Generator
	recorder  Recorder
	opts      Options
	logger    *slog.Logger
}

// New creates a Service. recorder may be nil to disable provenance
// recording.
func New(retriever Retriever, composer *compose.Composer, generator Generator, recorder Recorder, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Service{
		retriever: retriever,
		composer:  composer,
		generator: generator,
		recorder:  recorder,
		opts:      opts,
		logger:    logger,
	}
}

// Ask answers a question using the configured default TopK.
func (s *Service) Ask(ctx context.Context, query string) (*domain.Answer, error) {
	return s.Answer(ctx, query, s.opts.TopK)
}

// Answer runs the full pipeline for one question.
//
// A validation or retrieval failure aborts the call with a typed error and
// no partial answer. A generation failure (including an empty reply) is
// converted into an Answer whose Text describes the failure while
// SupportingDocuments still carries the retrieved records.
func (s *Service) Answer(ctx context.Context, query string, k int) (*domain.Answer, error) {
	if err := domain.ValidateQuery(query, k); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := s.retriever.Retrieve(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w: %w", domain.ErrRetrieval, err)
	}
	s.logger.Info("rag retrieval done", "results", len(results), "duration", time.Since(start))

	records := make([]domain.Record, len(results))
	for i, r := range results {
		records[i] = r.Record
	}

	contextText, included, err := s.composer.Compose(records)
	if err != nil {
		return nil, fmt.Errorf("rag: compose: %w", err)
	}

	messages := []domain.Message{
		{Role: domain.RoleSystem, Content: s.opts.SystemPrompt},
		{Role: domain.RoleUser, Content: userPrompt(contextText, query)},
	}

	answer := &domain.Answer{SupportingDocuments: included}

	reply, err := s.generator.Generate(ctx, messages)
	switch {
	case err != nil:
		s.logger.Warn("rag: generation failed, returning sources only", "err", err)
		answer.Text = fmt.Sprintf("Error generating response: %v", err)
	case strings.TrimSpace(reply) == "":
		s.logger.Warn("rag: generator returned empty reply")
		answer.Text = fmt.Sprintf("Error generating response: %v: empty reply from provider", domain.ErrGeneration)
	default:
		answer.Text = reply
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, query, answer); err != nil {
			s.logger.Warn("rag: provenance record failed, continuing", "err", err)
		}
	}

	return answer, nil
}

func userPrompt(contextText, query string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nPlease provide a helpful answer based on the context above.", contextText, query)
}
