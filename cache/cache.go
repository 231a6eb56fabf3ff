// Package cache implements the three-tier cache engine used by the
// tmplscout data layer: a fast in-process tier, a persistent bbolt tier
// and a compressed disk tier with a manifest index.
//
// Hits below the fast tier are promoted upward before being returned.
// Every cache failure (I/O, serialization) is logged and absorbed as a
// miss or no-op; cache errors never fail the caller's operation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tmplscout/tmplscout/telemetry"
)

// Config enumerates all cache tuning options. Zero fields are filled with
// defaults at construction.
type Config struct {
	// Dir is the root directory for the persistent and disk tiers.
	Dir string

	// FastMaxEntries bounds the fast tier. Values <= 0 select the
	// unbounded map tier instead of the LRU.
	FastMaxEntries int

	// FastTTL is the default time-to-live for fast-tier entries.
	FastTTL time.Duration

	// PersistTTL is the default time-to-live for persistent-tier entries.
	PersistTTL time.Duration

	// DiskTTL is the default time-to-live for disk-tier entries.
	DiskTTL time.Duration

	// DiskMaxFiles caps the disk-tier entry count. When exceeded, cleanup
	// evicts the least-recently-modified entries until back under the cap.
	DiskMaxFiles int

	// CompressionThreshold is the payload size, in bytes, at which disk
	// payloads are compressed and at which a set spills to the disk tier.
	CompressionThreshold int

	// CleanupInterval is how often the background cleanup pass runs.
	CleanupInterval time.Duration

	// MaxDiskOps bounds the number of concurrent disk write operations.
	MaxDiskOps int
}

// DefaultConfig returns a Config with defaults rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		FastMaxEntries:       1024,
		FastTTL:              5 * time.Minute,
		PersistTTL:           24 * time.Hour,
		DiskTTL:              7 * 24 * time.Hour,
		DiskMaxFiles:         1000,
		CompressionThreshold: 2048,
		CleanupInterval:      5 * time.Minute,
		MaxDiskOps:           4,
	}
}

func (c *Config) applyDefaults() error {
	if c.Dir == "" {
		return fmt.Errorf("cache: Dir is required")
	}
	def := DefaultConfig(c.Dir)
	if c.FastTTL <= 0 {
		c.FastTTL = def.FastTTL
	}
	if c.PersistTTL <= 0 {
		c.PersistTTL = def.PersistTTL
	}
	if c.DiskTTL <= 0 {
		c.DiskTTL = def.DiskTTL
	}
	if c.DiskMaxFiles <= 0 {
		c.DiskMaxFiles = def.DiskMaxFiles
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MaxDiskOps <= 0 {
		c.MaxDiskOps = def.MaxDiskOps
	}
	return nil
}

// SetOptions controls how a value is written across tiers.
type SetOptions struct {
	// TTL overrides each tier's default time-to-live when > 0.
	TTL time.Duration

	// NoPersist suppresses the write to the persistent tier.
	NoPersist bool

	// Disk forces a write to the disk tier regardless of size.
	Disk bool

	// Important marks the value for the disk tier so it survives process
	// restarts and fast-tier eviction.
	Important bool
}

// Engine is the three-tier cache. It is safe for concurrent use within a
// single process; sharing the disk directory between processes is
// unsupported.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	fast    memoryTier
	persist *persistTier
	disk    *diskTier
	stats   *counters

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a cache engine rooted at cfg.Dir. Call Start to launch the
// background cleanup pass and Close to release resources.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		stats:  &counters{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.FastMaxEntries > 0 {
		e.fast = newLRUTier(cfg.FastMaxEntries)
	} else {
		e.fast = newMapTier()
	}

	persist, err := openPersistTier(filepath.Join(cfg.Dir, "cache.db"), e.logger, e.now)
	if err != nil {
		return nil, err
	}
	e.persist = persist

	disk, err := newDiskTier(filepath.Join(cfg.Dir, "entries"), cfg.DiskMaxFiles, cfg.MaxDiskOps, cfg.CompressionThreshold, e.logger, e.now, e.stats)
	if err != nil {
		_ = persist.close()
		return nil, err
	}
	e.disk = disk

	return e, nil
}

// Start launches the background cleanup loop. It is a no-op when already
// running or stopped.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunCleanup(ctx)
		}
	}
}

// Close stops the cleanup loop, drains pending disk writes, snapshots the
// manifest and closes the persistent tier.
func (e *Engine) Close() error {
	e.mu.Lock()
	wasRunning := e.running
	alreadyStopped := e.stopped
	e.stopped = true
	e.running = false
	e.mu.Unlock()

	if alreadyStopped {
		return nil
	}
	if wasRunning {
		close(e.stopCh)
		<-e.doneCh
	}

	diskErr := e.disk.close()
	persistErr := e.persist.close()
	if diskErr != nil {
		return diskErr
	}
	return persistErr
}

// Get returns the cached value for key in namespace. A hit below the fast
// tier is promoted upward before returning. Expired entries are treated
// as misses and proactively removed from the tier they were found in.
func (e *Engine) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		e.stats.recordGet(elapsed)
		telemetry.RecordCacheGetDuration(ctx, elapsed)
	}()

	ck := compositeKey(namespace, key)
	now := e.now()

	if fe, ok := e.fast.get(ck); ok {
		if !fe.expired(now) {
			e.stats.fastHits.Add(1)
			telemetry.RecordCacheOp(ctx, "fast", "get", "hit")
			return fe.payload, true
		}
		e.fast.delete(ck)
		e.stats.expiredRemoved.Add(1)
	}
	e.stats.fastMisses.Add(1)
	telemetry.RecordCacheOp(ctx, "fast", "get", "miss")

	if pe, found, err := e.persist.get(ck); err != nil {
		e.logger.Warn("persistent tier read failed", "key", key, "error", err)
		e.stats.errors.Add(1)
		telemetry.RecordCacheOp(ctx, "persist", "get", "error")
	} else if found {
		if pe.ExpiresAtMs > 0 && now.UnixMilli() > pe.ExpiresAtMs {
			// Expired values found in a slower tier are never promoted.
			if err := e.persist.delete(ck); err != nil {
				e.logger.Warn("removing expired entry failed", "key", key, "error", err)
			}
			e.stats.expiredRemoved.Add(1)
		} else {
			e.stats.persistHits.Add(1)
			telemetry.RecordCacheOp(ctx, "persist", "get", "hit")
			e.promoteToFast(ck, pe.Payload, now, time.UnixMilli(pe.ExpiresAtMs))
			return pe.Payload, true
		}
	}
	e.stats.persistMisses.Add(1)
	telemetry.RecordCacheOp(ctx, "persist", "get", "miss")

	if payload, de, ok := e.disk.get(ck); ok {
		e.stats.diskHits.Add(1)
		telemetry.RecordCacheOp(ctx, "disk", "get", "hit")

		// Promotion must not extend the entry's life past its original
		// expiry.
		expiresAt := now.Add(e.cfg.PersistTTL)
		if src := time.UnixMilli(de.ExpiresAtMs); de.ExpiresAtMs > 0 && src.Before(expiresAt) {
			expiresAt = src
		}
		pe := persistEntry{Payload: payload, CreatedAtMs: now.UnixMilli(), ExpiresAtMs: expiresAt.UnixMilli()}
		if err := e.persist.put(ck, pe); err != nil {
			e.logger.Warn("promotion to persistent tier failed", "key", key, "error", err)
			e.stats.errors.Add(1)
		}
		e.promoteToFast(ck, payload, now, expiresAt)
		return payload, true
	}
	e.stats.diskMisses.Add(1)
	telemetry.RecordCacheOp(ctx, "disk", "get", "miss")

	return nil, false
}

// promoteToFast copies a value from a slower tier into the fast tier. The
// fast-tier expiry is the earlier of the source expiry and now+FastTTL.
func (e *Engine) promoteToFast(ck string, payload []byte, now, sourceExpiry time.Time) {
	expiresAt := now.Add(e.cfg.FastTTL)
	if !sourceExpiry.IsZero() && sourceExpiry.Before(expiresAt) {
		expiresAt = sourceExpiry
	}
	evicted := e.fast.set(ck, fastEntry{payload: payload, createdAt: now, expiresAt: expiresAt})
	if evicted > 0 {
		e.stats.fastEvictions.Add(uint64(evicted)) //nolint:gosec // evicted is non-negative
		telemetry.RecordCacheEviction(context.Background(), "fast", evicted)
	}
}

// Set writes the value across tiers: always to the fast tier, to the
// persistent tier unless suppressed, and to the disk tier when marked
// important, explicitly requested, or large enough to cross the
// compression threshold. Payloads must be treated as immutable after Set.
func (e *Engine) Set(ctx context.Context, namespace, key string, payload []byte, opts SetOptions) {
	ck := compositeKey(namespace, key)
	now := e.now()

	fastExpiry := now.Add(ttlOr(opts.TTL, e.cfg.FastTTL))
	evicted := e.fast.set(ck, fastEntry{payload: payload, createdAt: now, expiresAt: fastExpiry})
	if evicted > 0 {
		e.stats.fastEvictions.Add(uint64(evicted)) //nolint:gosec // evicted is non-negative
		telemetry.RecordCacheEviction(ctx, "fast", evicted)
	}

	if !opts.NoPersist {
		pe := persistEntry{
			Payload:     payload,
			CreatedAtMs: now.UnixMilli(),
			ExpiresAtMs: now.Add(ttlOr(opts.TTL, e.cfg.PersistTTL)).UnixMilli(),
		}
		if err := e.persist.put(ck, pe); err != nil {
			e.logger.Warn("persistent tier write failed", "key", key, "error", err)
			e.stats.errors.Add(1)
			telemetry.RecordCacheOp(ctx, "persist", "set", "error")
		}
	}

	if opts.Disk || opts.Important || len(payload) >= e.cfg.CompressionThreshold {
		e.disk.submit(diskOp{
			key:       ck,
			payload:   payload,
			createdAt: now,
			expiresAt: now.Add(ttlOr(opts.TTL, e.cfg.DiskTTL)),
		})
	}
}

// Delete removes the key from every tier. It is idempotent and observably
// complete across all tiers when it returns.
func (e *Engine) Delete(ctx context.Context, namespace, key string) {
	ck := compositeKey(namespace, key)

	e.fast.delete(ck)
	if err := e.persist.delete(ck); err != nil {
		e.logger.Warn("persistent tier delete failed", "key", key, "error", err)
		e.stats.errors.Add(1)
	}
	e.disk.remove(ck)
}

// Clear removes all keys under a namespace from every tier. An empty
// namespace clears the whole cache.
func (e *Engine) Clear(ctx context.Context, namespace string) {
	match := matchNamespace(namespace)

	e.fast.purge(match)
	if _, err := e.persist.deleteMatch(match); err != nil {
		e.logger.Warn("persistent tier clear failed", "namespace", namespace, "error", err)
		e.stats.errors.Add(1)
	}
	e.disk.removeMatch(match)
}

// CleanupResult reports the outcome of one cleanup pass.
type CleanupResult struct {
	FastExpired   int
	PersistReaped int
	DiskExpired   int
	DiskEvicted   int
	Duration      time.Duration
}

// RunCleanup performs a single cleanup pass across all tiers and snapshots
// the disk manifest. It is called periodically by the background loop and
// directly by tests.
func (e *Engine) RunCleanup(ctx context.Context) CleanupResult {
	start := e.now()
	result := CleanupResult{}

	result.FastExpired = e.fast.purgeExpired(e.now())

	reaped, err := e.persist.reapExpired(0)
	if err != nil {
		e.logger.Warn("persistent tier reap failed", "error", err)
		e.stats.errors.Add(1)
	}
	result.PersistReaped = reaped

	result.DiskExpired, result.DiskEvicted = e.disk.cleanup()

	removed := result.FastExpired + result.PersistReaped + result.DiskExpired
	e.stats.expiredRemoved.Add(uint64(removed)) //nolint:gosec // removed is non-negative
	if result.DiskEvicted > 0 {
		e.stats.diskEvictions.Add(uint64(result.DiskEvicted)) //nolint:gosec // count is non-negative
		telemetry.RecordCacheEviction(ctx, "disk", result.DiskEvicted)
	}

	result.Duration = e.now().Sub(start)
	telemetry.RecordCleanupCycle(ctx, "all", removed+result.DiskEvicted, result.Duration)

	if removed > 0 || result.DiskEvicted > 0 {
		e.logger.Debug("cache cleanup complete",
			"fast_expired", result.FastExpired,
			"persist_reaped", result.PersistReaped,
			"disk_expired", result.DiskExpired,
			"disk_evicted", result.DiskEvicted,
			"duration", result.Duration,
		)
	}

	return result
}

// Stats returns a snapshot of cache activity counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// DiskLen returns the current disk-tier entry count.
func (e *Engine) DiskLen() int {
	return e.disk.len()
}

// compositeKey joins namespace and key with a NUL separator so namespaces
// can be cleared by prefix.
func compositeKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func ttlOr(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
