package tradecache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry is one cached record. An entry is a hit only while its TTL has not
// lapsed and its StoreVersion still matches the store's global version;
// bumping the version invalidates every entry at once.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	TTL          time.Duration
	StoreVersion uint64
}

func (e Entry) expiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// ClearOptions controls ClearAll behavior.
type ClearOptions struct {
	// SkipVersionCheck leaves the global version alone. Used when the caller
	// already knows state is consistent, e.g. sign-out.
	SkipVersionCheck bool
	// SkipReload suppresses the registered reload observers.
	SkipReload bool
	// LogOperations emits a per-key trace of what was cleared.
	LogOperations bool
}

// Store is the in-memory cache backing every screen, mirrored best-effort
// to a durable namespace. Memory is authoritative for the session; the
// mirror only survives it. One Store exists per authenticated session,
// constructed by NewLayer and passed by reference to all consumers.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	version atomic.Uint64

	mirror        *Mirror // nil => memory only
	mirrorTimeout time.Duration
	locks         *keyedMutex

	defaultTTL time.Duration
	log        *zap.Logger
	metrics    storeMetrics
	now        func() time.Time

	obsMu    sync.Mutex
	onClear  []func(ClearOptions)
	onReload []func()
}

// SetOption configures a single Set call.
type SetOption func(*setOpts)

type setOpts struct {
	ttl time.Duration
}

// WithTTL overrides the store's default TTL for one entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOpts) { o.ttl = ttl }
}

// NewStore builds a store. mirror may be nil for a memory-only store.
func NewStore(mirror *Mirror, defaultTTL, mirrorTimeout time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if mirrorTimeout <= 0 {
		mirrorTimeout = 5 * time.Second
	}
	s := &Store{
		entries:       make(map[string]Entry),
		mirror:        mirror,
		mirrorTimeout: mirrorTimeout,
		locks:         newKeyedMutex(),
		defaultTTL:    defaultTTL,
		log:           log,
		now:           time.Now,
	}
	s.version.Store(1)
	return s
}

// Version returns the current global version stamp.
func (s *Store) Version() uint64 { return s.version.Load() }

// BumpVersion invalidates every entry at once, memory and mirror alike,
// without touching the maps. Used on breaking schema changes.
func (s *Store) BumpVersion() uint64 { return s.version.Add(1) }

// Get returns the cached value for key, falling back to the durable mirror
// on an in-memory miss. A mirror hit re-populates memory. A miss has no
// other side effects.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		if s.live(ent) {
			s.metrics.hits.Add(1)
			return ent.Value, nil
		}
		s.metrics.expired.Add(1)
	}

	if s.mirror != nil {
		ment, found, err := s.mirror.Get(ctx, key)
		if err != nil {
			s.metrics.mirrorErrors.Add(1)
			s.log.Warn("mirror read failed", zap.String("key", key), zap.Error(err))
		} else if found && s.live(ment) {
			s.mu.Lock()
			s.entries[key] = ment
			s.mu.Unlock()
			s.metrics.mirrorHits.Add(1)
			return ment.Value, nil
		}
	}

	s.metrics.misses.Add(1)
	return nil, ErrCacheMiss
}

// live checks the hit invariant: TTL not lapsed and version current.
func (s *Store) live(ent Entry) bool {
	return ent.StoreVersion == s.version.Load() && s.now().Before(ent.expiresAt())
}

// Set overwrites any existing entry and mirrors it in the background. The
// caller never blocks on the mirror write; mirror failures are swallowed
// and logged.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if key == "" {
		return ErrEmptyKey
	}
	var so setOpts
	for _, o := range opts {
		o(&so)
	}
	ttl := so.ttl
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ent := Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    s.now(),
		TTL:          ttl,
		StoreVersion: s.version.Load(),
	}
	s.mu.Lock()
	s.entries[key] = ent
	s.mu.Unlock()
	s.metrics.sets.Add(1)

	if s.mirror != nil {
		go s.mirrorWrite(ent)
	}
	return nil
}

// mirrorWrite pushes one entry to the mirror. Try-lock per key: if an older
// write for the same key is still in flight, skip; the entry it carries is
// already stale relative to memory.
func (s *Store) mirrorWrite(ent Entry) {
	unlock, ok := s.locks.TryLock(ent.Key)
	if !ok {
		return
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
	defer cancel()

	// Re-read so the freshest value wins when writes were coalesced.
	s.mu.RLock()
	latest, exists := s.entries[ent.Key]
	s.mu.RUnlock()
	if exists {
		ent = latest
	}

	if err := s.mirror.Set(ctx, ent); err != nil {
		s.metrics.mirrorErrors.Add(1)
		s.log.Warn("mirror write failed", zap.String("key", ent.Key), zap.Error(err))
	}
}

// Invalidate removes every entry whose key starts with the given prefix
// (an exact key matches its own prefix) and returns how many in-memory
// entries were dropped. The mirror cleanup runs in the background.
func (s *Store) Invalidate(ctx context.Context, prefix string) int {
	if prefix == "" {
		return 0
	}

	s.mu.Lock()
	var removed []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, k)
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	s.metrics.invalidations.Add(int64(len(removed)))
	if s.mirror != nil {
		go func() {
			mctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
			defer cancel()
			if _, err := s.mirror.DeletePrefix(mctx, prefix); err != nil {
				s.metrics.mirrorErrors.Add(1)
				s.log.Warn("mirror invalidate failed", zap.String("prefix", prefix), zap.Error(err))
			}
		}()
	}
	return len(removed)
}

// ClearAll drops every in-memory entry and every durable mirror entry under
// the store's namespace. Unlike Set, the mirror wipe is awaited so callers
// (the recovery path in particular) can sequence refreshes after it; mirror
// failures are still swallowed and logged. Registered clear observers fire
// on every call, reload observers only when SkipReload is false.
func (s *Store) ClearAll(ctx context.Context, opts ClearOptions) {
	s.mu.Lock()
	cleared := make([]string, 0, len(s.entries))
	for k := range s.entries {
		cleared = append(cleared, k)
	}
	s.entries = make(map[string]Entry)
	s.mu.Unlock()

	if !opts.SkipVersionCheck {
		s.version.Add(1)
	}
	s.metrics.clears.Add(1)

	if opts.LogOperations {
		sort.Strings(cleared)
		for _, k := range cleared {
			s.log.Debug("cleared cache entry", zap.String("key", k))
		}
		s.log.Info("cache cleared",
			zap.Int("entries", len(cleared)),
			zap.Uint64("version", s.version.Load()),
			zap.Bool("version_bumped", !opts.SkipVersionCheck))
	}

	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		n, err := s.mirror.Flush(mctx)
		cancel()
		if err != nil {
			s.metrics.mirrorErrors.Add(1)
			s.log.Warn("mirror flush failed", zap.Error(err))
		} else if opts.LogOperations {
			s.log.Debug("mirror flushed", zap.Int("entries", n))
		}
	}

	s.obsMu.Lock()
	clearObs := append([]func(ClearOptions){}, s.onClear...)
	var reloadObs []func()
	if !opts.SkipReload {
		reloadObs = append(reloadObs, s.onReload...)
	}
	s.obsMu.Unlock()
	for _, fn := range clearObs {
		fn(opts)
	}
	for _, fn := range reloadObs {
		fn()
	}
}

// OnClear registers an observer invoked after every ClearAll. The layer
// wires the corruption detector's reset through this.
func (s *Store) OnClear(fn func(ClearOptions)) {
	s.obsMu.Lock()
	s.onClear = append(s.onClear, fn)
	s.obsMu.Unlock()
}

// OnReload registers an observer for the page-level reload signal,
// suppressed by ClearOptions.SkipReload.
func (s *Store) OnReload(fn func()) {
	s.obsMu.Lock()
	s.onReload = append(s.onReload, fn)
	s.obsMu.Unlock()
}

// Keys returns the live in-memory keys under prefix, sorted. Diagnostics
// only.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, ent := range s.entries {
		if strings.HasPrefix(k, prefix) && s.live(ent) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of in-memory entries, live or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Metrics returns a snapshot of store counters.
func (s *Store) Metrics() Metrics { return s.metrics.Snapshot() }
