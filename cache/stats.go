package cache

import (
	"sync/atomic"
	"time"
)

// counters holds the engine's internal atomic counters.
type counters struct {
	fastHits      atomic.Uint64
	fastMisses    atomic.Uint64
	persistHits   atomic.Uint64
	persistMisses atomic.Uint64
	diskHits      atomic.Uint64
	diskMisses    atomic.Uint64

	fastEvictions  atomic.Uint64
	diskEvictions  atomic.Uint64
	expiredRemoved atomic.Uint64

	bytesSaved atomic.Uint64
	errors     atomic.Uint64

	getCount atomic.Uint64
	getNanos atomic.Uint64
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	FastHits      uint64
	FastMisses    uint64
	PersistHits   uint64
	PersistMisses uint64
	DiskHits      uint64
	DiskMisses    uint64

	FastEvictions  uint64
	DiskEvictions  uint64
	ExpiredRemoved uint64

	CompressionBytesSaved uint64
	Errors                uint64

	AvgGetLatency time.Duration
}

func (c *counters) snapshot() Stats {
	s := Stats{
		FastHits:              c.fastHits.Load(),
		FastMisses:            c.fastMisses.Load(),
		PersistHits:           c.persistHits.Load(),
		PersistMisses:         c.persistMisses.Load(),
		DiskHits:              c.diskHits.Load(),
		DiskMisses:            c.diskMisses.Load(),
		FastEvictions:         c.fastEvictions.Load(),
		DiskEvictions:         c.diskEvictions.Load(),
		ExpiredRemoved:        c.expiredRemoved.Load(),
		CompressionBytesSaved: c.bytesSaved.Load(),
		Errors:                c.errors.Load(),
	}
	if count := c.getCount.Load(); count > 0 {
		s.AvgGetLatency = time.Duration(c.getNanos.Load() / count)
	}
	return s
}

func (c *counters) recordGet(elapsed time.Duration) {
	c.getCount.Add(1)
	c.getNanos.Add(uint64(elapsed.Nanoseconds())) //nolint:gosec // elapsed is non-negative
}
