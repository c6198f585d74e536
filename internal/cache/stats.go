package cache

import (
	"sync/atomic"
	"time"
)

// counters tracks cache activity with lock-free atomic updates.
type counters struct {
	hits        int64
	misses      int64
	writes      int64
	evictions   int64
	expirations int64
	errors      int64

	readCount   int64
	readNanos   int64
	writeCount  int64
	writeNanos  int64
	lastCleanup int64 // unix ms
}

// Stats is a point-in-time snapshot of cache activity, suitable for JSON
// serialisation in status replies.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Writes        int64   `json:"writes"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	Errors        int64   `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
	AvgReadMs     float64 `json:"avg_read_ms"`
	AvgWriteMs    float64 `json:"avg_write_ms"`
	MemoryEntries int     `json:"memory_entries"`
	MemoryBytes   int64   `json:"memory_bytes"`
	LastCleanupMs int64   `json:"last_cleanup_ms,omitempty"`
	DiskEnabled   bool    `json:"disk_enabled"`
	Encrypted     bool    `json:"encrypted"`
}

func (c *counters) hit()        { atomic.AddInt64(&c.hits, 1) }
func (c *counters) miss()       { atomic.AddInt64(&c.misses, 1) }
func (c *counters) write()      { atomic.AddInt64(&c.writes, 1) }
func (c *counters) errored()    { atomic.AddInt64(&c.errors, 1) }
func (c *counters) evict(n int) { atomic.AddInt64(&c.evictions, int64(n)) }
func (c *counters) expire(n int) {
	atomic.AddInt64(&c.expirations, int64(n))
}

func (c *counters) observeRead(d time.Duration) {
	atomic.AddInt64(&c.readCount, 1)
	atomic.AddInt64(&c.readNanos, int64(d))
}

func (c *counters) observeWrite(d time.Duration) {
	atomic.AddInt64(&c.writeCount, 1)
	atomic.AddInt64(&c.writeNanos, int64(d))
}

func (c *counters) cleanupDone() {
	atomic.StoreInt64(&c.lastCleanup, time.Now().UnixMilli())
}

// snapshot fills the counter-derived fields of a Stats value.
func (c *counters) snapshot() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	var avgRead, avgWrite float64
	if n := atomic.LoadInt64(&c.readCount); n > 0 {
		avgRead = float64(atomic.LoadInt64(&c.readNanos)) / float64(n) / 1e6
	}
	if n := atomic.LoadInt64(&c.writeCount); n > 0 {
		avgWrite = float64(atomic.LoadInt64(&c.writeNanos)) / float64(n) / 1e6
	}

	return Stats{
		Hits:          hits,
		Misses:        misses,
		Writes:        atomic.LoadInt64(&c.writes),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Expirations:   atomic.LoadInt64(&c.expirations),
		Errors:        atomic.LoadInt64(&c.errors),
		HitRate:       hitRate,
		AvgReadMs:     avgRead,
		AvgWriteMs:    avgWrite,
		LastCleanupMs: atomic.LoadInt64(&c.lastCleanup),
	}
}
