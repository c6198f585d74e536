package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/fingerprint"
)

// ComputeFunc produces a response on a cache miss.
type ComputeFunc func(ctx context.Context) (string, error)

// Options configures a Cache.
type Options struct {
	Enabled          bool
	Dir              string
	TTL              time.Duration
	MaxMemoryEntries int
	MaxMemoryBytes   int64
	CleanupInterval  time.Duration
	PersistToDisk    bool
	EncryptionKey    []byte // nil for plaintext disk records
	MinResponseLen   int
	WriteDebounce    time.Duration
	WarmOnStart      bool
}

// Cache is the two-tier response cache. GetOrCompute guarantees that
// concurrent misses on the same fingerprint execute their compute function
// exactly once.
type Cache struct {
	opts    Options
	memory  *memoryCache
	disk    *diskCache // nil when persistence is off
	flight  singleflight.Group
	stats   counters
	logger  zerolog.Logger
	cleanup time.Duration
}

// New creates a Cache. When opts.PersistToDisk is set, the disk tier is
// created under opts.Dir; without an encryption key disk records are stored
// as plaintext JSON and a warning is logged.
func New(opts Options, logger zerolog.Logger) (*Cache, error) {
	if opts.MaxMemoryEntries <= 0 {
		opts.MaxMemoryEntries = 1000
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = 100 << 20
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.WriteDebounce <= 0 {
		opts.WriteDebounce = 100 * time.Millisecond
	}
	if opts.MinResponseLen < 0 {
		opts.MinResponseLen = 0
	}

	memory, err := newMemoryCache(opts.MaxMemoryEntries, opts.MaxMemoryBytes, opts.TTL)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		opts:    opts,
		memory:  memory,
		logger:  logger,
		cleanup: opts.CleanupInterval,
	}

	if opts.Enabled && opts.PersistToDisk {
		disk, err := newDiskCache(opts.Dir, opts.EncryptionKey, opts.TTL, opts.WriteDebounce, logger)
		if err != nil {
			return nil, err
		}
		c.disk = disk
		if opts.EncryptionKey == nil {
			logger.Warn().Str("dir", opts.Dir).Msg("cache persistence enabled without encryption key; records stored as plaintext")
		}
		if opts.WarmOnStart {
			n := c.warm()
			logger.Info().Int("entries", n).Msg("cache warmed from disk")
		}
	}

	return c, nil
}

// Fingerprint exposes the cache key derivation for callers that deduplicate
// outside the cache.
func (c *Cache) Fingerprint(model, prompt string) string {
	return fingerprint.Compute(model, prompt)
}

// Get looks up a cached response. It returns the response, the tier it was
// served from, and whether it was found.
func (c *Cache) Get(model, prompt string) (string, string, bool) {
	if !c.opts.Enabled {
		return "", "", false
	}
	entry, source := c.lookup(fingerprint.Compute(model, prompt))
	if entry == nil {
		c.stats.miss()
		return "", "", false
	}
	c.stats.hit()
	return entry.Response, source, true
}

// Set stores a response in both tiers. Responses shorter than the configured
// minimum are not stored.
func (c *Cache) Set(model, prompt, response, source string) {
	if !c.opts.Enabled || len(response) < c.opts.MinResponseLen {
		return
	}
	fp := fingerprint.Compute(model, prompt)
	c.store(newEntry(fp, model, prompt, response, source))
}

// GetOrCompute returns the cached response for (model, prompt) or runs
// compute to produce it. Concurrent callers with the same fingerprint share
// a single compute invocation and receive the same result. The returned
// source is SourceMemory, SourceDisk, or SourceGenerated.
func (c *Cache) GetOrCompute(ctx context.Context, model, prompt string, compute ComputeFunc) (string, string, error) {
	if !c.opts.Enabled {
		response, err := compute(ctx)
		return response, SourceGenerated, err
	}

	fp := fingerprint.Compute(model, prompt)

	type result struct {
		response string
		source   string
	}

	v, err, _ := c.flight.Do(fp, func() (interface{}, error) {
		if entry, source := c.lookup(fp); entry != nil {
			c.stats.hit()
			return result{response: entry.Response, source: source}, nil
		}
		c.stats.miss()

		response, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if len(response) >= c.opts.MinResponseLen {
			c.store(newEntry(fp, model, prompt, response, SourceGenerated))
		}
		return result{response: response, source: SourceGenerated}, nil
	})
	if err != nil {
		return "", "", err
	}
	r := v.(result)
	return r.response, r.source, nil
}

// lookup consults L1 then L2, promoting disk hits into memory.
func (c *Cache) lookup(fp string) (*Entry, string) {
	start := time.Now()
	defer func() { c.stats.observeRead(time.Since(start)) }()

	entry, expired := c.memory.get(fp)
	if entry != nil {
		return entry, SourceMemory
	}
	if expired {
		c.stats.expire(1)
	}

	if c.disk == nil {
		return nil, ""
	}

	entry, err := c.disk.read(fp)
	if err != nil {
		// Cache errors degrade to misses; they are never surfaced.
		c.stats.errored()
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("cache disk read failed")
		return nil, ""
	}
	if entry == nil {
		return nil, ""
	}

	// Promote to L1, honoring its eviction bounds.
	c.stats.evict(c.memory.add(entry))
	return entry, SourceDisk
}

// store inserts an entry into both tiers.
func (c *Cache) store(e *Entry) {
	start := time.Now()
	c.stats.evict(c.memory.add(e))
	if c.disk != nil {
		c.disk.schedule(e)
	}
	c.stats.write()
	c.stats.observeWrite(time.Since(start))
}

// Clear removes entries older than olderThan from both tiers. A zero
// olderThan clears everything.
func (c *Cache) Clear(olderThan time.Duration) int {
	var removed int
	if olderThan <= 0 {
		removed = c.memory.purgeAll()
		if c.disk != nil {
			removed += c.disk.sweep(0)
		}
	} else {
		removed = c.memory.removeExpired(olderThan)
		if c.disk != nil {
			removed += c.disk.sweep(olderThan)
		}
	}
	c.logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("cache cleared")
	return removed
}

// StartSweeper launches the background expiry sweep. It runs every cleanup
// interval until ctx is cancelled; the returned channel closes when the
// goroutine exits so shutdown can synchronize before flushing.
func (c *Cache) StartSweeper(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(c.cleanup)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logger.Error().Interface("panic", r).Msg("cache sweeper: recovered from panic")
						}
					}()
					c.sweepOnce()
				}()
			}
		}
	}()
	return done
}

// sweepOnce removes expired entries from both tiers.
func (c *Cache) sweepOnce() {
	expired := c.memory.removeExpired(-1)
	if c.disk != nil {
		expired += c.disk.sweep(-1)
	}
	if expired > 0 {
		c.stats.expire(expired)
		c.logger.Debug().Int("expired", expired).Msg("cache sweep complete")
	}
	c.stats.cleanupDone()
}

// warm loads recent disk records into L1. Advisory: failures are ignored.
func (c *Cache) warm() int {
	loaded := 0
	for _, fp := range c.disk.list(c.opts.MaxMemoryEntries) {
		entry, err := c.disk.read(fp)
		if err != nil || entry == nil {
			continue
		}
		c.memory.add(entry)
		loaded++
	}
	return loaded
}

// Flush writes all pending disk records synchronously. Called on shutdown
// after the sweeper has stopped.
func (c *Cache) Flush() {
	if c.disk != nil {
		c.disk.flush()
	}
}

// Stats returns a point-in-time snapshot of cache activity.
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	s.MemoryEntries, s.MemoryBytes = c.memory.stats()
	s.DiskEnabled = c.disk != nil
	s.Encrypted = c.disk != nil && c.opts.EncryptionKey != nil
	return s
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool { return c.opts.Enabled }
