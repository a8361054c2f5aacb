package anthropic

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

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGenerate(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "Deploy via "},
				{"type": "text", "text": "a registry."},
			},
			"model":       string(DefaultModel),
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	})

	reply, err := c.Generate(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "be helpful"},
		{Role: domain.RoleUser, Content: "how do I deploy?"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Deploy via a registry." {
		t.Fatalf("unexpected reply: %q", reply)
	}

	// System turns travel in the dedicated system field, not in messages.
	system, ok := gotBody["system"].([]any)
	if !ok || len(system) != 1 {
		t.Fatalf("expected one system block, got %v", gotBody["system"])
	}
	msgs, ok := gotBody["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected one user message, got %v", gotBody["messages"])
	}
}

func TestGenerate_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad model"},
		})
	})

	if _, err := c.Generate(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
	}); err == nil {
		t.Fatal("expected error")
	}
}
