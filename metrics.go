package tradecache

import "sync/atomic"

// storeMetrics is the internal atomic counter set. Snapshot() flattens it
// into the exported Metrics value so callers never race the counters.
type storeMetrics struct {
	hits          atomic.Int64
	mirrorHits    atomic.Int64
	misses        atomic.Int64
	expired       atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
	clears        atomic.Int64
	mirrorErrors  atomic.Int64
}

// Metrics is a point-in-time snapshot of store activity.
type Metrics struct {
	Hits          int64 // served from memory
	MirrorHits    int64 // served from the durable mirror
	Misses        int64
	Expired       int64 // misses caused by TTL or version mismatch
	Sets          int64
	Invalidations int64 // entries removed by Invalidate
	Clears        int64 // ClearAll invocations
	MirrorErrors  int64 // swallowed mirror failures
}

func (m *storeMetrics) Snapshot() Metrics {
	return Metrics{
		Hits:          m.hits.Load(),
		MirrorHits:    m.mirrorHits.Load(),
		Misses:        m.misses.Load(),
		Expired:       m.expired.Load(),
		Sets:          m.sets.Load(),
		Invalidations: m.invalidations.Load(),
		Clears:        m.clears.Load(),
		MirrorErrors:  m.mirrorErrors.Load(),
	}
}

// HitRate returns hits (memory or mirror) over all reads, 0..1.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.MirrorHits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits+m.MirrorHits) / float64(total)
}

// refreshMetrics counts refresh queue outcomes.
type refreshMetrics struct {
	queued    atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64 // jobs that exhausted their retry budget
	skipped   atomic.Int64 // jobs skipped because the key went corrupted
}

// RefreshMetrics is a snapshot of refresh queue activity.
type RefreshMetrics struct {
	Queued    int64
	Completed int64
	Dropped   int64
	Skipped   int64
}

func (m *refreshMetrics) Snapshot() RefreshMetrics {
	return RefreshMetrics{
		Queued:    m.queued.Load(),
		Completed: m.completed.Load(),
		Dropped:   m.dropped.Load(),
		Skipped:   m.skipped.Load(),
	}
}
