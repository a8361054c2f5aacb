package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cortexqa/engine/engine/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL})
}

func TestEmbed(t *testing.T) {
	var gotReq embedRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.5, 0.25}})
	})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if gotReq.Model != "nomic-embed-text" || gotReq.Prompt != "hello" {
		t.Errorf("unexpected request: %+v", gotReq)
	}
}

func TestGenerate(t *testing.T) {
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "hello back"},
		})
	})

	reply, err := c.Generate(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello back" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if gotReq.Stream {
		t.Error("streaming must be disabled")
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := c.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}
