package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/correction"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/dispatch"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/metrics"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/queue"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/speculative"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/testutil"
)

// newTestServer wires a Server over a stub backend.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			json.NewEncoder(w).Encode(map[string]interface{}{"models": []interface{}{map[string]interface{}{"name": "m", "size": 1}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "m", "response": "HTTP RESPONSE", "done": true, "eval_count": 4,
		})
	}))
	t.Cleanup(ollama.Close)

	cfg := testutil.NewTestConfig(t)
	cfg.Backend.Host = ollama.URL

	logger := zerolog.Nop()
	client := backend.NewClient(ollama.URL, 5*time.Second, time.Second, 0.3, 2048, logger)
	store, err := cache.New(cache.Options{Enabled: true, TTL: time.Hour}, logger)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	exec := speculative.New(client, nil, 5*time.Second, logger)
	loop := correction.New(client, 3, logger)
	sched := queue.New(queue.Config{MaxConcurrent: 2, BucketCapacity: 100, BucketRefill: 1000}, logger)
	t.Cleanup(sched.Shutdown)

	collector := metrics.NewCollector()
	d := dispatch.New(cfg, client, store, exec, loop, sched, collector, logger)

	return New(d, metrics.PrometheusHandler(collector, sched, store), "127.0.0.1:0", 0, 0, 0, false, logger)
}

func TestHandleOperation_Generate(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/rpc/generate", strings.NewReader(`{"prompt":"hi","model":"m"}`))
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if m["response"] != "HTTP RESPONSE" {
		t.Errorf("unexpected reply %v", m)
	}
}

func TestHandleOperation_UnknownIs404(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/rpc/bogus", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleOperation_ValidationIs400(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/rpc/generate", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var m map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &m)
	errObj, ok := m["error"].(map[string]interface{})
	if !ok || errObj["kind"] != "validation_error" {
		t.Errorf("expected structured envelope, got %s", rec.Body.String())
	}
	if m["is_error"] != true {
		t.Error("expected error flag")
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var m map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &m)
	backendInfo, ok := m["backend"].(map[string]interface{})
	if !ok || backendInfo["reachable"] != true {
		t.Errorf("expected reachable backend info, got %s", rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var m map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &m)
	for _, key := range []string{"backend", "cache", "queue", "config"} {
		if _, ok := m[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(t)

	// Drive one operation so counters are non-empty.
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/rpc/generate", strings.NewReader(`{"prompt":"hi","model":"m"}`)))

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hydra_operations_total") {
		t.Errorf("expected exposition output, got %s", rec.Body.String())
	}
}
