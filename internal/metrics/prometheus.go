package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/queue"
)

// QueueStatuser exposes the scheduler snapshot the exposition needs.
type QueueStatuser interface {
	Status() queue.SchedulerStatus
}

// CacheStatser exposes the cache snapshot the exposition needs.
type CacheStatser interface {
	Stats() cache.Stats
}

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector, sched QueueStatuser, store CacheStatser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.StartTime()).Seconds()

		writeMetric(w, "hydra_operations_total",
			"Total number of dispatched operations.",
			"counter", stats.TotalOperations)

		writeMetric(w, "hydra_tokens_in_total",
			"Total number of prompt tokens processed.",
			"counter", stats.TokensIn)

		writeMetric(w, "hydra_tokens_out_total",
			"Total number of completion tokens produced.",
			"counter", stats.TokensOut)

		writeMetric(w, "hydra_active_operations",
			"Number of operations currently in flight.",
			"gauge", stats.ActiveOps)

		writeMetricFloat(w, "hydra_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", uptimeSeconds)

		if store != nil {
			cs := store.Stats()
			writeMetric(w, "hydra_cache_hits_total", "Total cache hits.", "counter", cs.Hits)
			writeMetric(w, "hydra_cache_misses_total", "Total cache misses.", "counter", cs.Misses)
			writeMetric(w, "hydra_cache_evictions_total", "Total cache evictions.", "counter", cs.Evictions)
			writeMetric(w, "hydra_cache_expirations_total", "Total cache expirations.", "counter", cs.Expirations)
			writeMetricFloat(w, "hydra_cache_hit_rate", "Cache hit rate percentage.", "gauge", cs.HitRate)
			writeMetric(w, "hydra_cache_memory_bytes", "Bytes held by the in-memory cache tier.", "gauge", cs.MemoryBytes)
		}

		if sched != nil {
			qs := sched.Status()
			for _, st := range []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled} {
				fmt.Fprintf(w, "hydra_queue_items{state=%q} %d\n", strings.ToLower(string(st)), qs.Counts[st])
			}
			writeMetric(w, "hydra_queue_retries_total", "Total scheduler retries.", "counter", qs.Retries)
			writeMetric(w, "hydra_queue_active_handlers", "Handlers currently running.", "gauge", int64(qs.ActiveHandlers))
			writeMetricFloat(w, "hydra_queue_tokens_remaining", "Admission token bucket level.", "gauge", qs.TokensRemaining)
		}

		// --- Labeled metrics ---

		writeCounterVec(w, "hydra_operation_results_total",
			"Operations by name and outcome.",
			collector.Operations())

		writeCounterVec(w, "hydra_errors_total",
			"Total number of errors by operation and kind.",
			collector.Errors())

		writeHistogramVec(w, "hydra_operation_duration_seconds",
			"Operation duration in seconds by name.",
			collector.Latency())

		writeCounterVec(w, "hydra_race_outcomes_total",
			"Race outcomes by policy and winning model.",
			collector.Races())
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {op="generate"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		// Cumulative bucket counts (observe already counts every bucket
		// whose bound is >= the value).
		for i, bound := range h.buckets {
			le := fmt.Sprintf("%g", bound)
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, le), h.counts[i])
		}
		// +Inf bucket.
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, "+Inf"), h.count)
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with an additional "le" label for histogram buckets.
func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	if len(keys) > 0 {
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "le=%q", le)
	b.WriteByte('}')
	return b.String()
}
