package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cortexqa/engine/engine/compose"
	"github.com/cortexqa/engine/engine/domain"
	"github.com/cortexqa/engine/engine/semantic"
)

// --- mocks ---

type mockRetriever struct {
	results []domain.RankedResult
	err     error
	lastK   int
}

func (m *mockRetriever) Retrieve(_ context.Context, _ string, k int) ([]domain.RankedResult, error) {
	m.lastK = k
	if m.err != nil {
		return nil, m.err
	}
	if k < len(m.results) {
		return m.results[:k], nil
	}
	return m.results, nil
}

type mockGenerator struct {
	reply    string
	err      error
	lastMsgs []domain.Message
}

func (m *mockGenerator) Generate(_ context.Context, msgs []domain.Message) (string, error) {
	m.lastMsgs = msgs
	return m.reply, m.err
}

type mockRecorder struct {
	queries []string
	answers []*domain.Answer
	err     error
}

func (m *mockRecorder) Record(_ context.Context, query string, answer *domain.Answer) error {
	m.queries = append(m.queries, query)
	m.answers = append(m.answers, answer)
	return m.err
}

func rankedDocs() []domain.RankedResult {
	return []domain.RankedResult{
		{Record: domain.Record{ID: "2", Title: "Deploy", Content: "best practices for deploying models", Category: "ops"}, Score: 0.92},
		{Record: domain.Record{ID: "1", Title: "ML Basics", Content: "intro to machine learning", Category: "ml"}, Score: 0.41},
	}
}

func newService(r Retriever, g Generator, rec Recorder) *Service {
	return New(r, compose.New(compose.Options{}), g, rec, DefaultOptions(), nil)
}

// --- tests ---

func TestAnswer_Success(t *testing.T) {
	gen := &mockGenerator{reply: "Use a model registry and staged rollouts."}
	svc := newService(&mockRetriever{results: rankedDocs()}, gen, nil)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Text != "Use a model registry and staged rollouts." {
		t.Errorf("unexpected text: %q", ans.Text)
	}
	if len(ans.SupportingDocuments) != 2 {
		t.Fatalf("expected 2 supporting documents, got %d", len(ans.SupportingDocuments))
	}
	if ans.SupportingDocuments[0].ID != "2" || ans.SupportingDocuments[1].ID != "1" {
		t.Errorf("supporting documents out of retrieval order: %+v", ans.SupportingDocuments)
	}
}

func TestAnswer_PromptShape(t *testing.T) {
	gen := &mockGenerator{reply: "ok"}
	svc := newService(&mockRetriever{results: rankedDocs()}, gen, nil)

	if _, err := svc.Answer(context.Background(), "How do I deploy a model?", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gen.lastMsgs) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(gen.lastMsgs))
	}
	if gen.lastMsgs[0].Role != domain.RoleSystem || !strings.Contains(gen.lastMsgs[0].Content, "only the provided context") {
		t.Errorf("unexpected system message: %+v", gen.lastMsgs[0])
	}
	user := gen.lastMsgs[1]
	if user.Role != domain.RoleUser {
		t.Errorf("unexpected user role: %s", user.Role)
	}
	if !strings.Contains(user.Content, "How do I deploy a model?") {
		t.Error("user message must embed the query verbatim")
	}
	if !strings.Contains(user.Content, "Content: best practices for deploying models") {
		t.Error("user message must embed the rendered context")
	}
	// The context renders the content field, not the title twice.
	if strings.Contains(user.Content, "Content: Deploy") {
		t.Error("context must render record content, not its title")
	}
}

func TestAnswer_Validation(t *testing.T) {
	svc := newService(&mockRetriever{}, &mockGenerator{}, nil)

	if _, err := svc.Answer(context.Background(), "", 3); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty query: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Answer(context.Background(), "q?", -1); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("negative k: expected ErrInvalidRequest, got %v", err)
	}
}

func TestAnswer_RetrievalFailureAborts(t *testing.T) {
	cause := errors.New("provider down")
	retr := &mockRetriever{err: cause}
	gen := &mockGenerator{reply: "never used"}
	svc := newService(retr, gen, nil)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if ans != nil {
		t.Fatal("no partial answer may be produced on retrieval failure")
	}
	if !errors.Is(err, domain.ErrRetrieval) {
		t.Errorf("expected ErrRetrieval, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}
	if gen.lastMsgs != nil {
		t.Error("generation must not run after retrieval failure")
	}
}

func TestAnswer_GenerationFailureKeepsSources(t *testing.T) {
	gen := &mockGenerator{err: errors.New("model overloaded")}
	svc := newService(&mockRetriever{results: rankedDocs()}, gen, nil)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if err != nil {
		t.Fatalf("generation failure must not propagate, got %v", err)
	}
	if !strings.Contains(ans.Text, "model overloaded") {
		t.Errorf("text must describe the failure, got %q", ans.Text)
	}
	if len(ans.SupportingDocuments) != 2 {
		t.Errorf("supporting documents must survive generation failure, got %d", len(ans.SupportingDocuments))
	}
}

func TestAnswer_EmptyReplyTreatedAsFailure(t *testing.T) {
	gen := &mockGenerator{reply: "  \n\t "}
	svc := newService(&mockRetriever{results: rankedDocs()}, gen, nil)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ans.Text, "Error generating response") {
		t.Errorf("expected failure text, got %q", ans.Text)
	}
	if len(ans.SupportingDocuments) != 2 {
		t.Errorf("supporting documents must survive, got %d", len(ans.SupportingDocuments))
	}
}

func TestAnswer_ComposeFailurePropagates(t *testing.T) {
	svc := New(
		&mockRetriever{results: rankedDocs()},
		compose.New(compose.Options{Budget: 5, Policy: compose.PolicyFail}),
		&mockGenerator{reply: "never used"},
		nil,
		DefaultOptions(),
		nil,
	)

	_, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if !errors.Is(err, domain.ErrContextTooLarge) {
		t.Errorf("expected ErrContextTooLarge, got %v", err)
	}
}

func TestAnswer_DropTailShrinksProvenance(t *testing.T) {
	firstBlock := "ID: 2\nTitle: Deploy\nContent: best practices for deploying models"
	svc := New(
		&mockRetriever{results: rankedDocs()},
		compose.New(compose.Options{Budget: len(firstBlock), Policy: compose.PolicyDropTail}),
		&mockGenerator{reply: "ok"},
		nil,
		DefaultOptions(),
		nil,
	)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ans.SupportingDocuments) != 1 || ans.SupportingDocuments[0].ID != "2" {
		t.Errorf("provenance must list only records in the prompt, got %+v", ans.SupportingDocuments)
	}
}

func TestAsk_UsesDefaultTopK(t *testing.T) {
	retr := &mockRetriever{results: rankedDocs()}
	svc := newService(retr, &mockGenerator{reply: "ok"}, nil)

	if _, err := svc.Ask(context.Background(), "How do I deploy a model?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retr.lastK != 3 {
		t.Errorf("expected default k=3, got %d", retr.lastK)
	}
}

func TestAnswer_RecordsProvenance(t *testing.T) {
	rec := &mockRecorder{}
	svc := newService(&mockRetriever{results: rankedDocs()}, &mockGenerator{reply: "ok"}, rec)

	if _, err := svc.Answer(context.Background(), "How do I deploy a model?", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.queries) != 1 || rec.queries[0] != "How do I deploy a model?" {
		t.Errorf("recorder not called with query: %+v", rec.queries)
	}
	if len(rec.answers) != 1 || len(rec.answers[0].SupportingDocuments) != 2 {
		t.Errorf("recorder not called with answer: %+v", rec.answers)
	}
}

type staticEmbedder struct {
	vectors map[string][]float32
}

func (s *staticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 1, 1}, nil
}

func TestAnswer_EndToEndWithIndex(t *testing.T) {
	records := []domain.Record{
		{ID: "1", Title: "ML Basics", Content: "intro to machine learning", Category: "ml"},
		{ID: "2", Title: "Deploy", Content: "best practices for deploying models", Category: "ops"},
	}
	embedder := &staticEmbedder{vectors: map[string][]float32{
		"intro to machine learning":           {1, 0, 0},
		"best practices for deploying models": {0, 1, 0},
		"How do I deploy a model?":            {0.1, 0.9, 0},
	}}

	index, err := semantic.Build(context.Background(), records, embedder, semantic.BuildOptions{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	svc := New(index, compose.New(compose.Options{}), &mockGenerator{reply: "Follow staged rollouts."}, nil, DefaultOptions(), nil)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ans.SupportingDocuments) != 1 || ans.SupportingDocuments[0].ID != "2" {
		t.Fatalf("expected exactly the deployment record, got %+v", ans.SupportingDocuments)
	}
	if ans.SupportingDocuments[0].Title != "Deploy" {
		t.Errorf("unexpected record: %+v", ans.SupportingDocuments[0])
	}
}

func TestAnswer_RecorderFailureIgnored(t *testing.T) {
	rec := &mockRecorder{err: errors.New("graph down")}
	svc := newService(&mockRetriever{results: rankedDocs()}, &mockGenerator{reply: "fine"}, rec)

	ans, err := svc.Answer(context.Background(), "How do I deploy a model?", 2)
	if err != nil {
		t.Fatalf("recorder failure must not fail the answer: %v", err)
	}
	if ans.Text != "fine" {
		t.Errorf("unexpected text: %q", ans.Text)
	}
}
