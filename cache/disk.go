package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/telemetry"
)

// diskOp is a queued disk-tier write. gen is the key's fence generation
// observed at submission; a delete bumps the fence so the stale write is
// discarded when it lands.
type diskOp struct {
	key       string
	payload   []byte
	createdAt time.Time
	expiresAt time.Time
	gen       uint64
}

// diskTier stores entries as hash-sharded framed files under a root
// directory, indexed by a manifest that is reloaded at startup and
// snapshotted on cleanup and shutdown.
//
// Writes are not issued directly: they are submitted to a bounded queue
// consumed by a fixed set of workers, so a burst of sets cannot exhaust
// file descriptors or I/O bandwidth. Queued writes start in submission
// order but may complete out of order. Reads and deletes are synchronous;
// a delete fences any write for the same key still sitting in the queue.
type diskTier struct {
	dir      string
	maxFiles int
	codec    *compressor
	logger   *slog.Logger
	now      func() time.Time
	stats    *counters

	mu      sync.Mutex
	entries map[string]manifestEntry
	pending map[string]int
	fence   map[string]uint64
	closed  bool

	ops     chan diskOp
	closeCh chan struct{}
	wg      sync.WaitGroup
	senders sync.WaitGroup
}

// newDiskTier opens the disk tier rooted at dir, reloading and validating
// the manifest, and starts maxOps write workers.
func newDiskTier(dir string, maxFiles, maxOps, compressionThreshold int, logger *slog.Logger, now func() time.Time, stats *counters) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating disk tier directory: %w", err)
	}

	codec, err := newCompressor(compressionThreshold)
	if err != nil {
		return nil, err
	}

	m, err := loadManifest(dir)
	if err != nil {
		// A corrupt manifest is recoverable: start from an empty index and
		// let cleanup collect the orphaned files.
		logger.Warn("disk manifest unreadable, starting empty", "dir", dir, "error", err)
		m = &manifest{Version: manifestVersion, Entries: make(map[string]manifestEntry)}
	}

	t := &diskTier{
		dir:      dir,
		maxFiles: maxFiles,
		codec:    codec,
		logger:   logger,
		now:      now,
		stats:    stats,
		entries:  m.Entries,
		pending:  make(map[string]int),
		fence:    make(map[string]uint64),
		ops:      make(chan diskOp, maxOps*16),
		closeCh:  make(chan struct{}),
	}

	t.validateEntries()

	for range maxOps {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for op := range t.ops {
				t.write(op)
			}
		}()
	}

	return t, nil
}

// validateEntries drops manifest entries whose file is missing or whose
// modification time no longer matches the recorded mtime.
func (t *diskTier) validateEntries() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		fi, err := os.Stat(filepath.Join(t.dir, filepath.FromSlash(e.Path)))
		if err != nil {
			delete(t.entries, key)
			continue
		}
		if fi.ModTime().UnixMilli() != e.MtimeMs {
			delete(t.entries, key)
			_ = os.Remove(filepath.Join(t.dir, filepath.FromSlash(e.Path)))
		}
	}
}

// submit queues a write, blocking while the queue is full so a burst of
// sets is throttled rather than dropped. Submissions after close are
// discarded.
func (t *diskTier) submit(op diskOp) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	op.gen = t.fence[op.key]
	t.pending[op.key]++
	t.senders.Add(1)
	t.mu.Unlock()
	defer t.senders.Done()

	select {
	case t.ops <- op:
	case <-t.closeCh:
		t.finishOp(op.key)
	}
}

// finishOp retires one queued write's bookkeeping, dropping the key's
// fence once no writes for it remain in flight.
func (t *diskTier) finishOp(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.pending[key] - 1; n > 0 {
		t.pending[key] = n
		return
	}
	delete(t.pending, key)
	delete(t.fence, key)
}

func (t *diskTier) write(op diskOp) {
	defer t.finishOp(op.key)

	body, compressed := t.codec.encode(op.payload)
	if compressed {
		saved := int64(len(op.payload) - len(body))
		t.stats.bytesSaved.Add(uint64(saved))
		telemetry.RecordCompressionSaved(context.Background(), saved)
	}

	hash := tmplscout.HashBytes([]byte(op.key))
	rel := hash.Dir() + "/" + hash.String()
	path := filepath.Join(t.dir, filepath.FromSlash(rel))

	header := &frameHeader{
		Key:         op.key,
		Compressed:  compressed,
		RawSize:     int64(len(op.payload)),
		CreatedAtMs: op.createdAt.UnixMilli(),
		ExpiresAtMs: op.expiresAt.UnixMilli(),
	}

	if err := t.writeFile(path, header, body); err != nil {
		t.logger.Warn("disk tier write failed", "key", op.key, "error", err)
		t.stats.errors.Add(1)
		return
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.logger.Warn("disk tier stat after write failed", "key", op.key, "error", err)
		t.stats.errors.Add(1)
		return
	}

	t.mu.Lock()
	if t.fence[op.key] != op.gen {
		// The key was deleted while this write sat in the queue; the
		// delete must win.
		t.mu.Unlock()
		_ = os.Remove(path)
		return
	}
	t.entries[op.key] = manifestEntry{
		Path:        rel,
		SizeBytes:   fi.Size(),
		MtimeMs:     fi.ModTime().UnixMilli(),
		Compressed:  compressed,
		ExpiresAtMs: op.expiresAt.UnixMilli(),
	}
	t.mu.Unlock()
}

// writeFile writes a framed entry atomically using a temp file and rename.
func (t *diskTier) writeFile(path string, header *frameHeader, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := writeFramed(tmp, header, body); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// get reads an entry, returning its manifest record so callers can honor
// the original expiry. Any validation failure (missing file, mtime
// mismatch, corruption, expiry) purges the entry and reports a miss.
func (t *diskTier) get(key string) (payload []byte, entry manifestEntry, ok bool) {
	t.mu.Lock()
	e, found := t.entries[key]
	t.mu.Unlock()
	if !found {
		return nil, manifestEntry{}, false
	}

	path := filepath.Join(t.dir, filepath.FromSlash(e.Path))

	fi, err := os.Stat(path)
	if err != nil {
		t.purge(key, "")
		return nil, manifestEntry{}, false
	}
	if fi.ModTime().UnixMilli() != e.MtimeMs {
		t.purge(key, path)
		return nil, manifestEntry{}, false
	}
	if e.ExpiresAtMs > 0 && t.now().UnixMilli() > e.ExpiresAtMs {
		t.purge(key, path)
		return nil, manifestEntry{}, false
	}

	f, err := os.Open(path)
	if err != nil {
		t.purge(key, "")
		return nil, manifestEntry{}, false
	}
	defer func() { _ = f.Close() }()

	header, body, err := readFramed(f)
	if err != nil {
		t.logger.Warn("disk tier entry corrupt", "key", key, "error", err)
		t.stats.errors.Add(1)
		t.purge(key, path)
		return nil, manifestEntry{}, false
	}

	data, err := t.codec.decode(body, header.Compressed)
	if err != nil {
		t.logger.Warn("disk tier decode failed", "key", key, "error", err)
		t.stats.errors.Add(1)
		t.purge(key, path)
		return nil, manifestEntry{}, false
	}

	return data, e, true
}

// purge drops the manifest entry and, when path is non-empty, the file.
func (t *diskTier) purge(key, path string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
}

// remove deletes the entry and its file, and fences any write for the key
// still sitting in the queue. Idempotent.
func (t *diskTier) remove(key string) {
	t.mu.Lock()
	e, found := t.entries[key]
	delete(t.entries, key)
	if t.pending[key] > 0 {
		t.fence[key]++
	}
	t.mu.Unlock()

	if found {
		_ = os.Remove(filepath.Join(t.dir, filepath.FromSlash(e.Path)))
	}
}

// removeMatch deletes all entries whose key matches the predicate and
// returns the number removed. Matching writes still in the queue are
// fenced as well.
func (t *diskTier) removeMatch(match func(key string) bool) int {
	t.mu.Lock()
	for key := range t.pending {
		if match(key) {
			t.fence[key]++
		}
	}
	var victims []string
	for key := range t.entries {
		if match(key) {
			victims = append(victims, key)
		}
	}
	paths := make([]string, 0, len(victims))
	for _, key := range victims {
		paths = append(paths, t.entries[key].Path)
		delete(t.entries, key)
	}
	t.mu.Unlock()

	for _, rel := range paths {
		_ = os.Remove(filepath.Join(t.dir, filepath.FromSlash(rel)))
	}
	return len(victims)
}

// cleanup removes expired entries, then evicts the least-recently-modified
// entries until the file count is back under the configured maximum, and
// finally snapshots the manifest.
func (t *diskTier) cleanup() (expired, evicted int) {
	nowMs := t.now().UnixMilli()

	t.mu.Lock()

	for key, e := range t.entries {
		if e.ExpiresAtMs > 0 && nowMs > e.ExpiresAtMs {
			_ = os.Remove(filepath.Join(t.dir, filepath.FromSlash(e.Path)))
			delete(t.entries, key)
			expired++
		}
	}

	if t.maxFiles > 0 && len(t.entries) > t.maxFiles {
		type aged struct {
			key     string
			mtimeMs int64
		}
		byAge := make([]aged, 0, len(t.entries))
		for key, e := range t.entries {
			byAge = append(byAge, aged{key: key, mtimeMs: e.MtimeMs})
		}
		sort.Slice(byAge, func(i, j int) bool {
			return byAge[i].mtimeMs < byAge[j].mtimeMs
		})

		for _, a := range byAge {
			if len(t.entries) <= t.maxFiles {
				break
			}
			e := t.entries[a.key]
			_ = os.Remove(filepath.Join(t.dir, filepath.FromSlash(e.Path)))
			delete(t.entries, a.key)
			evicted++
		}
	}

	snapshot := &manifest{Version: manifestVersion, Entries: t.entries}
	if err := saveManifest(t.dir, snapshot); err != nil {
		t.logger.Warn("saving disk manifest failed", "error", err)
		t.stats.errors.Add(1)
	}

	t.mu.Unlock()

	return expired, evicted
}

// len returns the current manifest entry count.
func (t *diskTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close waits for queued writes to drain and snapshots the manifest.
func (t *diskTier) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Release any submitter blocked on a full queue before closing the
	// channel, then let the workers drain what was accepted.
	close(t.closeCh)
	t.senders.Wait()
	close(t.ops)
	t.wg.Wait()

	t.mu.Lock()
	snapshot := &manifest{Version: manifestVersion, Entries: t.entries}
	err := saveManifest(t.dir, snapshot)
	t.mu.Unlock()

	t.codec.close()
	return err
}
