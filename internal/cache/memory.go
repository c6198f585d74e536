package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// memoryCache is the L1 tier: an LRU bounded by both entry count and byte
// budget. All access goes through a single mutex; the LRU list keeps reads
// of live entries at the head.
type memoryCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	bytes    int64
	maxBytes int64
	ttl      time.Duration
}

// newMemoryCache creates the L1 tier. maxEntries bounds the entry count and
// maxBytes the aggregate entry size.
func newMemoryCache(maxEntries int, maxBytes int64, ttl time.Duration) (*memoryCache, error) {
	m := &memoryCache{
		maxBytes: maxBytes,
		ttl:      ttl,
	}
	lru, err := simplelru.NewLRU(maxEntries, func(_ string, e *Entry) {
		m.bytes -= int64(e.size())
	})
	if err != nil {
		return nil, err
	}
	m.lru = lru
	return m, nil
}

// get returns the entry for fp if present and unexpired, refreshing its
// recency. Expired entries are removed and reported as absent (the second
// return distinguishes "expired" from "missing" for stats).
func (m *memoryCache) get(fp string) (entry *Entry, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(fp)
	if !ok {
		return nil, false
	}
	if e.Expired(m.ttl) {
		m.lru.Remove(fp)
		return nil, true
	}
	return e, false
}

// add inserts an entry, evicting from the tail until both the entry-count
// and byte bounds hold. It returns the number of entries evicted.
func (m *memoryCache) add(e *Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing an existing key updates in place without firing the eviction
	// callback, so the old size is subtracted here.
	if old, ok := m.lru.Peek(e.Fingerprint); ok {
		m.bytes -= int64(old.size())
	}

	evicted := 0
	if m.lru.Add(e.Fingerprint, e) {
		evicted++
	}
	m.bytes += int64(e.size())

	for m.bytes > m.maxBytes && m.lru.Len() > 0 {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	return evicted
}

// remove drops the entry for fp if present.
func (m *memoryCache) remove(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Remove(fp)
}

// removeExpired drops every expired entry and returns how many were removed.
// Entries older than olderThan are also dropped when olderThan is non-negative.
func (m *memoryCache) removeExpired(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, fp := range m.lru.Keys() {
		e, ok := m.lru.Peek(fp)
		if !ok {
			continue
		}
		if e.Expired(m.ttl) || (olderThan >= 0 && time.Since(time.UnixMilli(e.CreatedAtMs)) > olderThan) {
			m.lru.Remove(fp)
			removed++
		}
	}
	return removed
}

// purgeAll empties the tier and returns the number of entries removed.
func (m *memoryCache) purgeAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.lru.Len()
	m.lru.Purge()
	m.bytes = 0
	return n
}

// stats returns the current entry count and byte usage.
func (m *memoryCache) stats() (entries int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), m.bytes
}
