package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/fingerprint"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	c, err := New(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Get / Set
// ---------------------------------------------------------------------------

func TestSetThenGet(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})

	c.Set("m", "hello", "HI THERE WORLD", SourceGenerated)
	response, source, ok := c.Get("m", "hello")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if response != "HI THERE WORLD" {
		t.Errorf("unexpected response %q", response)
	}
	if source != SourceMemory {
		t.Errorf("expected memory source, got %q", source)
	}
}

func TestGet_MissOnUnknownKey(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})
	if _, _, ok := c.Get("m", "never stored"); ok {
		t.Error("expected a miss")
	}
}

func TestSet_MinResponseLengthGuard(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, MinResponseLen: 10})

	c.Set("m", "p", "short", SourceGenerated)
	if _, _, ok := c.Get("m", "p"); ok {
		t.Error("expected degenerate response not to be cached")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, TTL: 50 * time.Millisecond})

	c.Set("m", "p", "responseresponse", SourceGenerated)
	if _, _, ok := c.Get("m", "p"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(80 * time.Millisecond)
	if _, _, ok := c.Get("m", "p"); ok {
		t.Error("expected miss after TTL expiry")
	}
}

// ---------------------------------------------------------------------------
// GetOrCompute
// ---------------------------------------------------------------------------

func TestGetOrCompute_ComputesOnceThenHits(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})

	var calls int32
	compute := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "HI", nil
	}

	response, source, err := c.GetOrCompute(context.Background(), "m", "hello", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if response != "HI" || source != SourceGenerated {
		t.Errorf("unexpected first result: %q %q", response, source)
	}

	response, source, err = c.GetOrCompute(context.Background(), "m", "hello", compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if response != "HI" {
		t.Errorf("unexpected second result: %q", response)
	}
	if source != SourceMemory {
		t.Errorf("expected memory source on second call, got %q", source)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 compute call, got %d", n)
	}
}

func TestGetOrCompute_ConcurrentCallersShareOneBuild(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "SHARED RESULT", nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]string, workers)
	errors := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errors[i] = c.GetOrCompute(context.Background(), "m", "same prompt", compute)
		}(i)
	}

	// Give every goroutine time to attach to the in-flight build.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 compute under concurrency, got %d", n)
	}
	for i := 0; i < workers; i++ {
		if errors[i] != nil {
			t.Fatalf("worker %d error: %v", i, errors[i])
		}
		if results[i] != "SHARED RESULT" {
			t.Errorf("worker %d got %q", i, results[i])
		}
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})

	var calls int32
	failing := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fmt.Errorf("backend down")
	}

	if _, _, err := c.GetOrCompute(context.Background(), "m", "p", failing); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := c.GetOrCompute(context.Background(), "m", "p", failing); err == nil {
		t.Fatal("expected error on second call too")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected compute to run again after an error, got %d calls", n)
	}
}

func TestGetOrCompute_ShortResponseNotStored(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, MinResponseLen: 10})

	var calls int32
	compute := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "tiny", nil
	}

	for i := 0; i < 2; i++ {
		response, _, err := c.GetOrCompute(context.Background(), "m", "p", compute)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if response != "tiny" {
			t.Errorf("unexpected response %q", response)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected backend to be called again for uncacheable response, got %d", n)
	}
}

func TestGetOrCompute_DisabledPassesThrough(t *testing.T) {
	c := newTestCache(t, Options{Enabled: false})

	var calls int32
	compute := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "RESULT TEXT", nil
	}

	for i := 0; i < 2; i++ {
		if _, source, err := c.GetOrCompute(context.Background(), "m", "p", compute); err != nil || source != SourceGenerated {
			t.Fatalf("unexpected result: source=%q err=%v", source, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected pass-through with cache disabled, got %d calls", n)
	}
}

// ---------------------------------------------------------------------------
// Eviction
// ---------------------------------------------------------------------------

func TestLRUEviction_EntryCount(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, MaxMemoryEntries: 2})

	c.Set("m", "first", "response first", SourceGenerated)
	c.Set("m", "second", "response second", SourceGenerated)
	c.Set("m", "third", "response third", SourceGenerated)

	if _, _, ok := c.Get("m", "first"); ok {
		t.Error("expected 'first' to be evicted")
	}
	if _, _, ok := c.Get("m", "second"); !ok {
		t.Error("expected 'second' to remain")
	}
	if _, _, ok := c.Get("m", "third"); !ok {
		t.Error("expected 'third' to remain")
	}
	if s := c.Stats(); s.Evictions == 0 {
		t.Error("expected eviction to be counted")
	}
}

func TestLRUEviction_ReadRefreshesRecency(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, MaxMemoryEntries: 2})

	c.Set("m", "first", "response first", SourceGenerated)
	c.Set("m", "second", "response second", SourceGenerated)

	// Touch "first" so "second" becomes the eviction candidate.
	if _, _, ok := c.Get("m", "first"); !ok {
		t.Fatal("expected hit on 'first'")
	}
	c.Set("m", "third", "response third", SourceGenerated)

	if _, _, ok := c.Get("m", "first"); !ok {
		t.Error("expected recently read 'first' to survive")
	}
	if _, _, ok := c.Get("m", "second"); ok {
		t.Error("expected 'second' to be evicted")
	}
}

func TestLRUEviction_ByteBudget(t *testing.T) {
	// Budget fits roughly two of the large entries.
	c := newTestCache(t, Options{Enabled: true, MaxMemoryEntries: 100, MaxMemoryBytes: 1024})

	big := make([]byte, 400)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 4; i++ {
		c.Set("m", fmt.Sprintf("prompt-%d", i), string(big), SourceGenerated)
	}

	_, bytes := c.memory.stats()
	if bytes > 1024 {
		t.Errorf("expected byte budget to hold, got %d bytes", bytes)
	}
	if _, _, ok := c.Get("m", "prompt-3"); !ok {
		t.Error("expected most recent entry to survive byte eviction")
	}
}

// ---------------------------------------------------------------------------
// Disk tier
// ---------------------------------------------------------------------------

func TestDiskTier_PromotionAfterMemoryLoss(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, WriteDebounce: time.Millisecond})

	c.Set("m", "hello", "PERSISTED RESPONSE", SourceGenerated)
	c.Flush()

	// Drop L1 so the next read must come from disk.
	c.memory.purgeAll()

	response, source, ok := c.Get("m", "hello")
	if !ok {
		t.Fatal("expected disk hit")
	}
	if response != "PERSISTED RESPONSE" {
		t.Errorf("unexpected response %q", response)
	}
	if source != SourceDisk {
		t.Errorf("expected disk source, got %q", source)
	}

	// The disk hit promotes back into memory.
	if _, source, ok := c.Get("m", "hello"); !ok || source != SourceMemory {
		t.Errorf("expected promoted memory hit, got ok=%v source=%q", ok, source)
	}
}

func TestDiskTier_PlaintextRecordShape(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, WriteDebounce: time.Millisecond})

	prompt := "what is the answer to everything in the universe"
	c.Set("m", prompt, "FORTY TWO IS THE ANSWER", SourceGenerated)
	c.Flush()

	fp := fingerprint.Compute("m", prompt)
	raw, err := os.ReadFile(filepath.Join(dir, fp+".json"))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}

	var record struct {
		Prompt    string `json:"prompt"`
		Response  string `json:"response"`
		Source    string `json:"source"`
		Model     string `json:"model"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if record.Response != "FORTY TWO IS THE ANSWER" || record.Model != "m" || record.Timestamp == 0 {
		t.Errorf("unexpected record: %+v", record)
	}
	if len(record.Prompt) > 100 {
		t.Errorf("prompt preview exceeds 100 bytes: %d", len(record.Prompt))
	}
}

func TestDiskTier_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t)
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, EncryptionKey: key, WriteDebounce: time.Millisecond})

	c.Set("m", "secret prompt", "SECRET RESPONSE TEXT", SourceGenerated)
	c.Flush()

	fp := fingerprint.Compute("m", "secret prompt")
	raw, err := os.ReadFile(filepath.Join(dir, fp+".json"))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}

	var envelope struct {
		Encrypted bool   `json:"encrypted"`
		IV        string `json:"iv"`
		Tag       string `json:"tag"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if !envelope.Encrypted || envelope.IV == "" || envelope.Tag == "" || envelope.Data == "" {
		t.Errorf("unexpected envelope: %+v", envelope)
	}

	// A fresh cache with the same key can read the record back.
	c2 := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, EncryptionKey: key})
	if response, _, ok := c2.Get("m", "secret prompt"); !ok || response != "SECRET RESPONSE TEXT" {
		t.Errorf("expected encrypted disk hit, got ok=%v response=%q", ok, response)
	}
}

func TestDiskTier_WrongKeyTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, EncryptionKey: testKey(t), WriteDebounce: time.Millisecond})
	c.Set("m", "p", "SECRET RESPONSE TEXT", SourceGenerated)
	c.Flush()

	c2 := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, EncryptionKey: testKey(t)})
	if _, _, ok := c2.Get("m", "p"); ok {
		t.Error("expected wrong-key read to degrade to a miss")
	}
}

func TestDiskTier_CorruptFileRemoved(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir})

	fp := fingerprint.Compute("m", "p")
	path := filepath.Join(dir, fp+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	if _, _, ok := c.Get("m", "p"); ok {
		t.Error("expected corrupt record to miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected corrupt record to be removed")
	}
}

func TestDiskTier_DebounceCollapsesOverwrites(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, WriteDebounce: 50 * time.Millisecond})

	// Rapid overwrites within the debounce window: only the last survives.
	c.Set("m", "p", "FIRST VERSION XX", SourceGenerated)
	c.Set("m", "p", "SECOND VERSION X", SourceGenerated)
	c.Set("m", "p", "FINAL VERSION XX", SourceGenerated)

	time.Sleep(150 * time.Millisecond)

	fp := fingerprint.Compute("m", "p")
	entry, err := c.disk.read(fp)
	if err != nil || entry == nil {
		t.Fatalf("expected record on disk, err=%v", err)
	}
	if entry.Response != "FINAL VERSION XX" {
		t.Errorf("expected collapsed write of final version, got %q", entry.Response)
	}
}

// ---------------------------------------------------------------------------
// Clear and stats
// ---------------------------------------------------------------------------

func TestClearAll(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Options{Enabled: true, PersistToDisk: true, Dir: dir, WriteDebounce: time.Millisecond})

	c.Set("m", "a", "response aaaa", SourceGenerated)
	c.Set("m", "b", "response bbbb", SourceGenerated)
	c.Flush()

	removed := c.Clear(0)
	if removed == 0 {
		t.Error("expected entries to be removed")
	}
	if _, _, ok := c.Get("m", "a"); ok {
		t.Error("expected 'a' to be gone after clear")
	}
}

func TestStatsCounting(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true})

	c.Set("m", "p", "response text!", SourceGenerated)
	c.Get("m", "p")     // hit
	c.Get("m", "other") // miss

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Writes != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.HitRate != 50 {
		t.Errorf("expected 50%% hit rate, got %g", s.HitRate)
	}
}

func TestSweeperRemovesExpired(t *testing.T) {
	c := newTestCache(t, Options{Enabled: true, TTL: 30 * time.Millisecond, CleanupInterval: 20 * time.Millisecond})

	c.Set("m", "p", "response text!", SourceGenerated)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.StartSweeper(ctx)

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	entries, _ := c.memory.stats()
	if entries != 0 {
		t.Errorf("expected sweeper to remove expired entries, %d remain", entries)
	}
}
