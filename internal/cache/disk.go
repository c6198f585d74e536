package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// encryptedEnvelope is the on-disk form of an encrypted record.
type encryptedEnvelope struct {
	Encrypted bool   `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

// pendingWrite is a debounce slot for one fingerprint. Rapid overwrites
// replace the entry; the timer fires once per quiet period.
type pendingWrite struct {
	entry *Entry
	timer *time.Timer
}

// diskCache is the L2 tier: one file per fingerprint under dir, written
// atomically (temp + rename) and debounced per fingerprint.
type diskCache struct {
	dir      string
	key      []byte // nil means plaintext records
	ttl      time.Duration
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

// newDiskCache creates the L2 tier, creating dir if needed.
func newDiskCache(dir string, key []byte, ttl, debounce time.Duration, logger zerolog.Logger) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return &diskCache{
		dir:      dir,
		key:      key,
		ttl:      ttl,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*pendingWrite),
	}, nil
}

// path returns the record file for a fingerprint.
func (d *diskCache) path(fp string) string {
	return filepath.Join(d.dir, fp+".json")
}

// schedule queues a debounced write for the entry. Overwrites within the
// debounce window collapse into the latest entry.
func (d *diskCache) schedule(e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if slot, ok := d.pending[e.Fingerprint]; ok {
		slot.entry = e
		slot.timer.Reset(d.debounce)
		return
	}

	slot := &pendingWrite{entry: e}
	slot.timer = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		current, ok := d.pending[e.Fingerprint]
		if ok {
			delete(d.pending, e.Fingerprint)
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		if err := d.write(current.entry); err != nil {
			d.logger.Warn().Err(err).Str("fingerprint", e.Fingerprint).Msg("cache disk write failed")
		}
	})
	d.pending[e.Fingerprint] = slot
}

// flush writes every pending slot synchronously. Called on shutdown.
func (d *diskCache) flush() {
	d.mu.Lock()
	d.closed = true
	slots := make([]*pendingWrite, 0, len(d.pending))
	for fp, slot := range d.pending {
		slot.timer.Stop()
		slots = append(slots, slot)
		delete(d.pending, fp)
	}
	d.mu.Unlock()

	for _, slot := range slots {
		if err := d.write(slot.entry); err != nil {
			d.logger.Warn().Err(err).Str("fingerprint", slot.entry.Fingerprint).Msg("cache flush write failed")
		}
	}
}

// write serialises the entry (encrypting when a key is configured) and
// renames it into place atomically.
func (d *diskCache) write(e *Entry) error {
	plaintext, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}

	var fileBytes []byte
	if d.key != nil {
		iv, tag, data, err := encryptRecord(d.key, plaintext)
		if err != nil {
			return fmt.Errorf("encrypting cache record: %w", err)
		}
		fileBytes, err = json.Marshal(encryptedEnvelope{
			Encrypted: true,
			IV:        base64.StdEncoding.EncodeToString(iv),
			Tag:       base64.StdEncoding.EncodeToString(tag),
			Data:      base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return fmt.Errorf("encoding envelope: %w", err)
		}
	} else {
		fileBytes = plaintext
	}

	dest := d.path(e.Fingerprint)
	tmp, err := os.CreateTemp(d.dir, "."+e.Fingerprint+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(fileBytes); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// read loads the record for fp. Corrupt or expired files are removed and
// reported as absent.
func (d *diskCache) read(fp string) (*Entry, error) {
	raw, err := os.ReadFile(d.path(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	entry, err := d.decode(fp, raw)
	if err != nil {
		// Corrupt (or wrong-key) record: drop it so it stops costing reads.
		os.Remove(d.path(fp))
		return nil, err
	}

	if entry.Expired(d.ttl) {
		os.Remove(d.path(fp))
		return nil, nil
	}
	return entry, nil
}

// decode parses a record file, decrypting when needed.
func (d *diskCache) decode(fp string, raw []byte) (*Entry, error) {
	var envelope encryptedEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Encrypted {
		if d.key == nil {
			return nil, fmt.Errorf("encrypted record but no key configured")
		}
		iv, err := base64.StdEncoding.DecodeString(envelope.IV)
		if err != nil {
			return nil, fmt.Errorf("decoding iv: %w", err)
		}
		tag, err := base64.StdEncoding.DecodeString(envelope.Tag)
		if err != nil {
			return nil, fmt.Errorf("decoding tag: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(envelope.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding data: %w", err)
		}
		raw, err = decryptRecord(d.key, iv, tag, data)
		if err != nil {
			return nil, err
		}
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decoding cache record: %w", err)
	}
	if entry.Response == "" {
		return nil, fmt.Errorf("cache record has empty response")
	}
	entry.Fingerprint = fp
	return &entry, nil
}

// remove deletes the record file for fp.
func (d *diskCache) remove(fp string) {
	os.Remove(d.path(fp))
}

// sweep removes expired and corrupt record files. Records older than
// olderThan are also removed when olderThan is non-negative. Returns the
// number of files removed.
func (d *diskCache) sweep(olderThan time.Duration) int {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn().Err(err).Msg("cache sweep: reading directory")
		return 0
	}

	removed := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		fp := strings.TrimSuffix(name, ".json")

		raw, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			continue
		}
		entry, err := d.decode(fp, raw)
		if err != nil {
			// Corrupt (or wrong-key) record: drop it.
			os.Remove(filepath.Join(d.dir, name))
			removed++
			continue
		}
		age := time.Since(time.UnixMilli(entry.CreatedAtMs))
		if entry.Expired(d.ttl) || (olderThan >= 0 && age > olderThan) {
			os.Remove(filepath.Join(d.dir, name))
			removed++
		}
	}
	return removed
}

// list returns the fingerprints with record files on disk, newest first,
// capped at limit. Used for advisory warmup.
func (d *diskCache) list(limit int) []string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}

	type rec struct {
		fp  string
		mod time.Time
	}
	recs := make([]rec, 0, len(entries))
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		recs = append(recs, rec{fp: strings.TrimSuffix(name, ".json"), mod: info.ModTime()})
	}

	// Newest first.
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			if recs[j].mod.After(recs[i].mod) {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
	}

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	fps := make([]string, len(recs))
	for i, r := range recs {
		fps[i] = r.fp
	}
	return fps
}
