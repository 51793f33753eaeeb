package tradecache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Detector tracks repeated failures per cache key inside a sliding window.
// A single transient blip never triggers heavyweight recovery; a pattern of
// failures on the same key does. Because the window slides, a key heals on
// its own once failures stop.
type Detector struct {
	mu      sync.Mutex
	records map[string][]time.Time

	threshold int
	window    time.Duration
	log       *zap.Logger
	now       func() time.Time

	obsMu       sync.Mutex
	onCorrupted []func(key string, failures int)
}

// NewDetector builds a detector. threshold <= 0 or window <= 0 fall back to
// 5 failures in 5 minutes.
func NewDetector(threshold int, window time.Duration, log *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		records:   make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		log:       log,
		now:       time.Now,
	}
}

// ReportError appends a timestamped failure for key and prunes everything
// that aged out of the window. Crossing the threshold fires the corruption
// observers exactly once per crossing.
func (d *Detector) ReportError(key string, err error) {
	if key == "" {
		return
	}
	now := d.now()

	d.mu.Lock()
	before := len(d.prune(key, now))
	failures := append(d.records[key], now)
	d.records[key] = failures
	count := len(failures)
	d.mu.Unlock()

	d.log.Debug("cache failure recorded",
		zap.String("key", key),
		zap.Int("failures_in_window", count),
		zap.Error(err))

	if before < d.threshold && count >= d.threshold {
		d.log.Warn("cache key corrupted",
			zap.String("key", key),
			zap.Int("failures_in_window", count))
		d.obsMu.Lock()
		obs := append([]func(string, int){}, d.onCorrupted...)
		d.obsMu.Unlock()
		for _, fn := range obs {
			fn(key, count)
		}
	}
}

// IsCorrupted reports whether key has reached the failure threshold inside
// the current window.
func (d *Detector) IsCorrupted(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prune(key, d.now())) >= d.threshold
}

// FailureCount returns the number of in-window failures for key.
func (d *Detector) FailureCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prune(key, d.now()))
}

// prune drops failures older than the window. Caller holds d.mu.
func (d *Detector) prune(key string, now time.Time) []time.Time {
	failures := d.records[key]
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(failures) && !failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		failures = failures[i:]
		if len(failures) == 0 {
			delete(d.records, key)
		} else {
			d.records[key] = failures
		}
	}
	return failures
}

// ResetKey forgets the failure record for a single key.
func (d *Detector) ResetKey(key string) {
	d.mu.Lock()
	delete(d.records, key)
	d.mu.Unlock()
}

// Reset forgets every failure record. Called after a successful full
// recovery and as a ClearAll side effect.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.records = make(map[string][]time.Time)
	d.mu.Unlock()
}

// OnCorrupted registers an observer fired when a key crosses the corruption
// threshold. The orchestrator registers itself here.
func (d *Detector) OnCorrupted(fn func(key string, failures int)) {
	d.obsMu.Lock()
	d.onCorrupted = append(d.onCorrupted, fn)
	d.obsMu.Unlock()
}
