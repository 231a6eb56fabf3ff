package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, cfg Config, clock *fakeClock) *Engine {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	opts := []Option{WithLogger(slog.New(slog.DiscardHandler))}
	if clock != nil {
		opts = append(opts, WithNow(clock.Now))
	}
	engine, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close())
	})
	return engine
}

func TestEngineSetGet(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(""), nil)
	ctx := context.Background()

	payload := []byte(`{"name":"web-service"}`)
	engine.Set(ctx, "templates", "web-service", payload, SetOptions{})

	got, ok := engine.Get(ctx, "templates", "web-service")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	_, ok = engine.Get(ctx, "templates", "missing")
	assert.False(t, ok)

	_, ok = engine.Get(ctx, "analysis", "web-service")
	assert.False(t, ok, "namespaces must not collide")

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.FastHits)
	assert.Equal(t, uint64(2), stats.FastMisses)
}

func TestEngineFastTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig("")
	engine := newTestEngine(t, cfg, clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "short-lived", []byte("v1"), SetOptions{TTL: time.Minute, NoPersist: true})

	_, ok := engine.Get(ctx, "templates", "short-lived")
	require.True(t, ok)

	clock.Advance(2 * time.Minute)

	_, ok = engine.Get(ctx, "templates", "short-lived")
	assert.False(t, ok, "entry must expire after its TTL")
	assert.Equal(t, 0, engine.fast.len(), "expired entry must be removed on read")
}

func TestEnginePersistPromotion(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, DefaultConfig(""), clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "durable", []byte("v1"), SetOptions{})

	// Drop the fast-tier copy so the next read has to come from bbolt.
	engine.fast.delete(compositeKey("templates", "durable"))

	got, ok := engine.Get(ctx, "templates", "durable")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// The hit must have been promoted back into the fast tier.
	fe, ok := engine.fast.get(compositeKey("templates", "durable"))
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), fe.payload)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.PersistHits)
}

func TestEnginePersistExpiredNotPromoted(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, DefaultConfig(""), clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "stale", []byte("v1"), SetOptions{TTL: time.Minute})
	engine.fast.delete(compositeKey("templates", "stale"))

	clock.Advance(time.Hour)

	_, ok := engine.Get(ctx, "templates", "stale")
	assert.False(t, ok)

	// The expired row is deleted rather than left to the reaper.
	_, found, err := engine.persist.get(compositeKey("templates", "stale"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineDiskPromotion(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(""), nil)
	ctx := context.Background()

	payload := []byte("rendered template body")
	engine.Set(ctx, "templates", "important", payload, SetOptions{Important: true})

	ck := compositeKey("templates", "important")
	require.Eventually(t, func() bool {
		_, _, ok := engine.disk.get(ck)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "disk write must land")

	// Drop the upper tiers so the read has to fall through to disk.
	engine.fast.delete(ck)
	require.NoError(t, engine.persist.delete(ck))

	got, ok := engine.Get(ctx, "templates", "important")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Disk hits repopulate both upper tiers.
	_, found, err := engine.persist.get(ck)
	require.NoError(t, err)
	assert.True(t, found)
	_, found2 := engine.fast.get(ck)
	assert.True(t, found2)

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.DiskHits)
}

func TestEngineDiskPromotionKeepsOriginalExpiry(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, DefaultConfig(""), clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "short", []byte("v1"), SetOptions{TTL: time.Minute, Important: true})

	ck := compositeKey("templates", "short")
	require.Eventually(t, func() bool {
		_, _, ok := engine.disk.get(ck)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	engine.fast.delete(ck)
	require.NoError(t, engine.persist.delete(ck))

	// A disk hit before expiry serves and promotes the value.
	_, ok := engine.Get(ctx, "templates", "short")
	require.True(t, ok)

	clock.Advance(10 * time.Minute)

	// The promoted copies carry the original expiry, not a fresh one.
	_, ok = engine.Get(ctx, "templates", "short")
	assert.False(t, ok, "a disk hit must not outlive the entry's original TTL")

	_, found, err := engine.persist.get(ck)
	require.NoError(t, err)
	assert.False(t, found, "the expired promoted copy must be removed")
}

func TestEngineDeleteWinsOverQueuedDiskWrite(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.MaxDiskOps = 1
	engine := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	filler := bytes.Repeat([]byte("x"), 512)
	for i := 0; i < 20; i++ {
		for j := 0; j < 8; j++ {
			engine.Set(ctx, "templates", fmt.Sprintf("filler-%d-%d", i, j), filler, SetOptions{Important: true})
		}
		victim := fmt.Sprintf("victim-%d", i)
		engine.Set(ctx, "templates", victim, []byte("v"), SetOptions{Important: true})
		engine.Delete(ctx, "templates", victim)

		// The single worker drains in order, so once the sentinel has
		// landed the victim's queued write has been processed too.
		sentinel := fmt.Sprintf("sentinel-%d", i)
		engine.Set(ctx, "templates", sentinel, []byte("s"), SetOptions{Important: true})
		sk := compositeKey("templates", sentinel)
		require.Eventually(t, func() bool {
			_, _, ok := engine.disk.get(sk)
			return ok
		}, 5*time.Second, time.Millisecond)

		_, _, ok := engine.disk.get(compositeKey("templates", victim))
		require.False(t, ok, "deleted key %q reappeared from the disk tier", victim)
		_, ok = engine.Get(ctx, "templates", victim)
		require.False(t, ok)
	}
}

func TestEngineClearWinsOverQueuedDiskWrites(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.MaxDiskOps = 1
	engine := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	filler := bytes.Repeat([]byte("y"), 512)
	for j := 0; j < 8; j++ {
		engine.Set(ctx, "templates", fmt.Sprintf("filler-%d", j), filler, SetOptions{Important: true})
	}
	engine.Set(ctx, "templates", "victim", []byte("v"), SetOptions{Important: true})
	engine.Clear(ctx, "templates")

	engine.Set(ctx, "analysis", "sentinel", []byte("s"), SetOptions{Important: true})
	require.Eventually(t, func() bool {
		_, _, ok := engine.disk.get(compositeKey("analysis", "sentinel"))
		return ok
	}, 5*time.Second, time.Millisecond)

	_, _, ok := engine.disk.get(compositeKey("templates", "victim"))
	assert.False(t, ok, "cleared key must not reappear from the disk tier")
	assert.Equal(t, 1, engine.DiskLen())
}

func TestEngineCompressionRoundTrip(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.CompressionThreshold = 128
	engine := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	// Highly repetitive payload above the threshold compresses well.
	payload := bytes.Repeat([]byte("the same template fragment "), 200)
	engine.Set(ctx, "templates", "big", payload, SetOptions{})

	ck := compositeKey("templates", "big")
	require.Eventually(t, func() bool {
		_, de, ok := engine.disk.get(ck)
		return ok && de.Compressed
	}, 5*time.Second, 10*time.Millisecond)

	engine.fast.delete(ck)
	require.NoError(t, engine.persist.delete(ck))

	got, ok := engine.Get(ctx, "templates", "big")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	assert.Greater(t, engine.Stats().CompressionBytesSaved, uint64(0))
}

func TestEngineDelete(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(""), nil)
	ctx := context.Background()

	engine.Set(ctx, "templates", "doomed", []byte("v1"), SetOptions{Important: true})
	require.Eventually(t, func() bool {
		return engine.DiskLen() == 1
	}, 5*time.Second, 10*time.Millisecond)

	engine.Delete(ctx, "templates", "doomed")

	_, ok := engine.Get(ctx, "templates", "doomed")
	assert.False(t, ok)
	assert.Equal(t, 0, engine.DiskLen())

	// Deleting again is a no-op.
	engine.Delete(ctx, "templates", "doomed")
}

func TestEngineClearNamespace(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(""), nil)
	ctx := context.Background()

	engine.Set(ctx, "templates", "a", []byte("1"), SetOptions{})
	engine.Set(ctx, "templates", "b", []byte("2"), SetOptions{})
	engine.Set(ctx, "analysis", "a", []byte("3"), SetOptions{})

	engine.Clear(ctx, "templates")

	_, ok := engine.Get(ctx, "templates", "a")
	assert.False(t, ok)
	_, ok = engine.Get(ctx, "templates", "b")
	assert.False(t, ok)

	got, ok := engine.Get(ctx, "analysis", "a")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got)
}

func TestEngineClearAll(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(""), nil)
	ctx := context.Background()

	engine.Set(ctx, "templates", "a", []byte("1"), SetOptions{})
	engine.Set(ctx, "analysis", "b", []byte("2"), SetOptions{})

	engine.Clear(ctx, "")

	_, ok := engine.Get(ctx, "templates", "a")
	assert.False(t, ok)
	_, ok = engine.Get(ctx, "analysis", "b")
	assert.False(t, ok)
}

func TestEngineCleanupReapsExpired(t *testing.T) {
	clock := newFakeClock()
	engine := newTestEngine(t, DefaultConfig(""), clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "old", []byte("v1"), SetOptions{TTL: time.Minute})
	engine.Set(ctx, "templates", "fresh", []byte("v2"), SetOptions{TTL: time.Hour})

	clock.Advance(10 * time.Minute)

	result := engine.RunCleanup(ctx)
	assert.Equal(t, 1, result.FastExpired)
	assert.Equal(t, 1, result.PersistReaped)

	_, ok := engine.Get(ctx, "templates", "fresh")
	assert.True(t, ok)
}

func TestEngineCleanupExpiresDiskEntries(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()
	engine := newTestEngine(t, DefaultConfig(dir), clock)
	ctx := context.Background()

	engine.Set(ctx, "templates", "short", []byte("v1"), SetOptions{TTL: time.Minute, Important: true})
	engine.Set(ctx, "templates", "long", []byte("v2"), SetOptions{TTL: time.Hour, Important: true})
	require.Eventually(t, func() bool {
		return engine.DiskLen() == 2
	}, 5*time.Second, 10*time.Millisecond)

	clock.Advance(10 * time.Minute)

	result := engine.RunCleanup(ctx)
	assert.Equal(t, 1, result.DiskExpired)
	assert.Equal(t, 1, engine.DiskLen())

	// The snapshotted manifest no longer lists the expired key.
	m, err := loadManifest(filepath.Join(dir, "entries"))
	require.NoError(t, err)
	_, found := m.Entries[compositeKey("templates", "short")]
	assert.False(t, found, "expired entry must be gone from the manifest")
	_, found = m.Entries[compositeKey("templates", "long")]
	assert.True(t, found)
}

func TestEngineDiskEviction(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.DiskMaxFiles = 100
	engine := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		key := fmt.Sprintf("entry-%03d", i)
		engine.Set(ctx, "templates", key, []byte(key), SetOptions{Important: true})
	}
	require.Eventually(t, func() bool {
		return engine.DiskLen() == 150
	}, 10*time.Second, 10*time.Millisecond)

	result := engine.RunCleanup(ctx)
	assert.Equal(t, 50, result.DiskEvicted)
	assert.Equal(t, 100, engine.DiskLen())
}

func TestEngineReopenServesFromDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	ctx := context.Background()

	engine, err := New(cfg, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	payload := []byte("survives restarts")
	engine.Set(ctx, "templates", "durable", payload, SetOptions{Important: true})
	require.Eventually(t, func() bool {
		return engine.DiskLen() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, engine.Close())

	reopened, err := New(cfg, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(ctx, "templates", "durable")
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestEngineCloseIdempotent(t *testing.T) {
	engine, err := New(DefaultConfig(t.TempDir()), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	engine.Start(context.Background())
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
}

func TestEngineConfigDefaults(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	require.NoError(t, cfg.applyDefaults())

	assert.Equal(t, 5*time.Minute, cfg.FastTTL)
	assert.Equal(t, 24*time.Hour, cfg.PersistTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.DiskTTL)
	assert.Equal(t, 1000, cfg.DiskMaxFiles)
	assert.Equal(t, 2048, cfg.CompressionThreshold)
	assert.Equal(t, 4, cfg.MaxDiskOps)

	var missing Config
	assert.Error(t, missing.applyDefaults())
}
