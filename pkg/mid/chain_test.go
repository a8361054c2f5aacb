package mid

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cortexqa/engine/pkg/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), tag("outer"), tag("inner"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRecoverCatchesPanic(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := Chain(panicky, Recover(slog.Default()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestLoggerPreservesStatus(t *testing.T) {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	h := Chain(notFound, Logger(slog.Default()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsRecordsRequests(t *testing.T) {
	reg := metrics.New()
	h := Chain(okHandler(), Metrics(reg))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/ask", nil))

	out := reg.Render()
	if !strings.Contains(out, `http_requests_total{method="POST",path="/api/ask",status="200"} 1`) {
		t.Fatalf("missing request counter:\n%s", out)
	}
	if !strings.Contains(out, "http_request_duration_seconds_count") {
		t.Fatalf("missing latency histogram:\n%s", out)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := Chain(okHandler(), CORS("*"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
