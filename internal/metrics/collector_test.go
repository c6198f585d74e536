package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.RecordOperation("generate", "ok")
	c.RecordOperation("generate", "ok")
	c.RecordOperation("race", "error")
	c.RecordError("race", "all_backends_failed")
	c.RecordUsage(10, 20)
	c.IncrementActive()

	stats := c.Stats()
	if stats.TotalOperations != 3 {
		t.Errorf("expected 3 operations, got %d", stats.TotalOperations)
	}
	if stats.TokensIn != 10 || stats.TokensOut != 20 {
		t.Errorf("unexpected token totals: %+v", stats)
	}
	if stats.ActiveOps != 1 {
		t.Errorf("expected 1 active op, got %d", stats.ActiveOps)
	}

	c.DecrementActive()
	if c.Stats().ActiveOps != 0 {
		t.Error("expected active count to return to 0")
	}
}

func TestCounterVec_Snapshot(t *testing.T) {
	cv := newCounterVec()
	cv.inc(map[string]string{"op": "generate"})
	cv.inc(map[string]string{"op": "generate"})
	cv.inc(map[string]string{"op": "race"})

	snap := cv.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 label sets, got %d", len(snap))
	}
	total := int64(0)
	for _, e := range snap {
		total += e.value
	}
	if total != 3 {
		t.Errorf("expected 3 total increments, got %d", total)
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := newHistogram(nil, []float64{1, 5, 10})
	h.observe(0.5)
	h.observe(3)
	h.observe(100)

	if h.count != 3 {
		t.Errorf("expected 3 observations, got %d", h.count)
	}
	if h.counts[0] != 1 { // <= 1
		t.Errorf("expected 1 in first bucket, got %d", h.counts[0])
	}
	if h.counts[1] != 2 { // <= 5
		t.Errorf("expected 2 in second bucket, got %d", h.counts[1])
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	c := NewCollector()
	c.RecordOperation("generate", "ok")
	c.ObserveLatency("generate", 0.2)
	c.RecordRace("first_valid", "fast")

	handler := PrometheusHandler(c, nil, nil)
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"hydra_operations_total 1",
		"hydra_operation_results_total{op=\"generate\",outcome=\"ok\"} 1",
		"hydra_operation_duration_seconds_bucket",
		"hydra_race_outcomes_total{policy=\"first_valid\",winner=\"fast\"} 1",
		"hydra_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}
