package cache

import (
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistTier(t *testing.T, clock *fakeClock) *persistTier {
	t.Helper()
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	tier, err := openPersistTier(filepath.Join(t.TempDir(), "cache.db"), slog.New(slog.DiscardHandler), now)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tier.close())
	})
	return tier
}

func TestPersistTierPutGet(t *testing.T) {
	tier := newTestPersistTier(t, nil)

	entry := persistEntry{Payload: []byte("v1"), CreatedAtMs: 1000, ExpiresAtMs: 2000}
	require.NoError(t, tier.put("k1", entry))

	got, found, err := tier.get("k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry, got)

	_, found, err = tier.get("absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistTierDelete(t *testing.T) {
	tier := newTestPersistTier(t, nil)

	require.NoError(t, tier.put("k1", persistEntry{Payload: []byte("v1")}))
	require.NoError(t, tier.delete("k1"))
	require.NoError(t, tier.delete("k1"))

	_, found, err := tier.get("k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersistTierDeleteMatch(t *testing.T) {
	tier := newTestPersistTier(t, nil)

	require.NoError(t, tier.put(compositeKey("templates", "a"), persistEntry{Payload: []byte("1")}))
	require.NoError(t, tier.put(compositeKey("templates", "b"), persistEntry{Payload: []byte("2")}))
	require.NoError(t, tier.put(compositeKey("analysis", "a"), persistEntry{Payload: []byte("3")}))

	deleted, err := tier.deleteMatch(matchNamespace("templates"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, found, err := tier.get(compositeKey("analysis", "a"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPersistTierReapExpired(t *testing.T) {
	clock := newFakeClock()
	tier := newTestPersistTier(t, clock)
	now := clock.Now()

	require.NoError(t, tier.put("expired-1", persistEntry{Payload: []byte("1"), ExpiresAtMs: now.Add(-time.Hour).UnixMilli()}))
	require.NoError(t, tier.put("expired-2", persistEntry{Payload: []byte("2"), ExpiresAtMs: now.Add(-time.Minute).UnixMilli()}))
	require.NoError(t, tier.put("live", persistEntry{Payload: []byte("3"), ExpiresAtMs: now.Add(time.Hour).UnixMilli()}))

	reaped, err := tier.reapExpired(0)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	_, found, err := tier.get("live")
	require.NoError(t, err)
	assert.True(t, found)

	reaped, err = tier.reapExpired(0)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
}

func TestPersistTierReapLimit(t *testing.T) {
	clock := newFakeClock()
	tier := newTestPersistTier(t, clock)
	past := clock.Now().Add(-time.Hour).UnixMilli()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, tier.put(key, persistEntry{Payload: []byte(key), ExpiresAtMs: past}))
	}

	reaped, err := tier.reapExpired(2)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)
}

func TestPersistTierExpiryIndexUpdated(t *testing.T) {
	clock := newFakeClock()
	tier := newTestPersistTier(t, clock)
	now := clock.Now()

	// First write expires soon, the rewrite pushes expiry out. The old
	// index entry must not cause a premature reap.
	require.NoError(t, tier.put("k1", persistEntry{Payload: []byte("v1"), ExpiresAtMs: now.Add(time.Minute).UnixMilli()}))
	require.NoError(t, tier.put("k1", persistEntry{Payload: []byte("v2"), ExpiresAtMs: now.Add(time.Hour).UnixMilli()}))

	clock.Advance(10 * time.Minute)

	reaped, err := tier.reapExpired(0)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	got, found, err := tier.get("k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), got.Payload)
}

func TestPersistTierConcurrentAccess(t *testing.T) {
	tier := newTestPersistTier(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := compositeKey("templates", string(rune('a'+n)))
			for j := 0; j < 20; j++ {
				_ = tier.put(key, persistEntry{Payload: []byte("v")})
				_, _, _ = tier.get(key)
			}
		}(i)
	}
	wg.Wait()
}
