// Package metrics tracks live engine counters for the status operation and
// the Prometheus exposition endpoint.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector tracks live metrics using atomic counters for lock-free,
// concurrent-safe updates.
type Collector struct {
	totalOperations int64
	totalTokensIn   int64
	totalTokensOut  int64
	activeOps       int64

	startTime time.Time

	// Labeled Prometheus-style metrics.
	operations *counterVec   // labels: op, outcome
	errors     *counterVec   // labels: op, kind
	latency    *histogramVec // labels: op
	races      *counterVec   // labels: policy, winner
}

// Stats is a point-in-time snapshot of the collector's counters,
// suitable for JSON serialisation in status replies.
type Stats struct {
	Uptime          string `json:"uptime"`
	TotalOperations int64  `json:"total_operations"`
	TokensIn        int64  `json:"tokens_in"`
	TokensOut       int64  `json:"tokens_out"`
	ActiveOps       int64  `json:"active_operations"`
}

// latencyBuckets are tuned for local LLM call durations.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// NewCollector creates a new Collector with all counters initialised to zero
// and the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		operations: newCounterVec(),
		errors:     newCounterVec(),
		latency:    newHistogramVec(latencyBuckets),
		races:      newCounterVec(),
	}
}

// RecordOperation counts a completed dispatcher operation.
// outcome should be "ok" or "error".
func (c *Collector) RecordOperation(op, outcome string) {
	atomic.AddInt64(&c.totalOperations, 1)
	c.operations.inc(map[string]string{"op": op, "outcome": outcome})
}

// RecordError counts an error by operation and taxonomy kind.
func (c *Collector) RecordError(op, kind string) {
	c.errors.inc(map[string]string{"op": op, "kind": kind})
}

// RecordUsage accumulates token accounting from a completed generation.
func (c *Collector) RecordUsage(tokensIn, tokensOut int) {
	atomic.AddInt64(&c.totalTokensIn, int64(tokensIn))
	atomic.AddInt64(&c.totalTokensOut, int64(tokensOut))
}

// RecordRace counts a race outcome by policy and winning model.
func (c *Collector) RecordRace(policy, winner string) {
	c.races.inc(map[string]string{"policy": policy, "winner": winner})
}

// ObserveLatency records an operation latency observation in seconds.
func (c *Collector) ObserveLatency(op string, seconds float64) {
	c.latency.observe(map[string]string{"op": op}, seconds)
}

// IncrementActive marks an operation as in flight.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeOps, 1)
}

// DecrementActive marks an operation as finished.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeOps, -1)
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time { return c.startTime }

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	return &Stats{
		Uptime:          time.Since(c.startTime).Round(time.Second).String(),
		TotalOperations: atomic.LoadInt64(&c.totalOperations),
		TokensIn:        atomic.LoadInt64(&c.totalTokensIn),
		TokensOut:       atomic.LoadInt64(&c.totalTokensOut),
		ActiveOps:       atomic.LoadInt64(&c.activeOps),
	}
}

// Operations returns the operation counter vec for Prometheus export.
func (c *Collector) Operations() *counterVec { return c.operations }

// Errors returns the error counter vec for Prometheus export.
func (c *Collector) Errors() *counterVec { return c.errors }

// Latency returns the latency histogram vec for Prometheus export.
func (c *Collector) Latency() *histogramVec { return c.latency }

// Races returns the race outcome counter vec for Prometheus export.
func (c *Collector) Races() *counterVec { return c.races }
