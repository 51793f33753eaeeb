package tradecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefresher(t *testing.T) (*Refresher, *Store, *Detector) {
	t.Helper()
	store := NewStore(nil, time.Minute, time.Second, nil)
	detector := NewDetector(3, time.Minute, nil)
	r := NewRefresher(store, detector, time.Millisecond, 5*time.Millisecond, nil)
	t.Cleanup(r.Stop)
	return r, store, detector
}

func staticStrategy(pattern string, priority int, value string) Strategy {
	return Strategy{
		Pattern:  pattern,
		Priority: priority,
		Refresh: func(_ context.Context, _ string) ([]byte, error) {
			return []byte(value), nil
		},
	}
}

func TestRegisterStrategyUpsert(t *testing.T) {
	r, store, _ := newTestRefresher(t)

	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:", 0, "old")))
	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:", 0, "new")))

	require.NoError(t, r.QueueRefresh("trades:u1:p1"))
	r.Start()

	require.Eventually(t, func() bool {
		v, err := store.Get(context.Background(), "trades:u1:p1")
		return err == nil && string(v) == "new"
	}, time.Second, time.Millisecond, "the re-registered strategy must win")
}

func TestRegisterStrategyValidation(t *testing.T) {
	r, _, _ := newTestRefresher(t)
	assert.ErrorIs(t, r.RegisterStrategy(Strategy{Pattern: ""}), ErrNoStrategy)
	assert.ErrorIs(t, r.RegisterStrategy(Strategy{Pattern: "x:"}), ErrNoStrategy)
}

func TestStrategyMatching(t *testing.T) {
	r, _, _ := newTestRefresher(t)

	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:", 5, "broad")))
	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:u1:", 9, "narrow")))

	r.mu.Lock()
	s, ok := r.strategyFor("trades:u1:p1")
	r.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "trades:u1:", s.Pattern, "longest matching pattern wins, even at worse priority")

	r.mu.Lock()
	_, ok = r.strategyFor("profile:u1")
	r.mu.Unlock()
	assert.False(t, ok)
}

func TestQueueRefreshNoStrategy(t *testing.T) {
	r, _, _ := newTestRefresher(t)
	assert.ErrorIs(t, r.QueueRefresh("profile:u1"), ErrNoStrategy)
	assert.ErrorIs(t, r.QueueRefresh(""), ErrEmptyKey)
}

func TestQueueRefreshRefusesCorruptedKey(t *testing.T) {
	r, _, detector := newTestRefresher(t)
	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:", 0, "v")))

	for i := 0; i < 3; i++ {
		detector.ReportError("trades:u1:p1", errors.New("boom"))
	}

	err := r.QueueRefresh("trades:u1:p1")
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "trades:u1:p1", ce.Key)
	assert.Equal(t, 0, r.Pending())
}

func TestQueueDrainsByPriority(t *testing.T) {
	r, _, _ := newTestRefresher(t)

	var mu sync.Mutex
	var order []string
	record := func(pattern string, priority int) Strategy {
		return Strategy{
			Pattern:  pattern,
			Priority: priority,
			Refresh: func(_ context.Context, key string) ([]byte, error) {
				mu.Lock()
				order = append(order, key)
				mu.Unlock()
				return []byte("v"), nil
			},
		}
	}
	require.NoError(t, r.RegisterStrategy(record("analytics:", 7)))
	require.NoError(t, r.RegisterStrategy(record("accounts:", 1)))
	require.NoError(t, r.RegisterStrategy(record("trades:", 3)))

	// Queue before starting so the worker sees all three at once.
	require.NoError(t, r.QueueRefresh("analytics:u1:pnl"))
	require.NoError(t, r.QueueRefresh("trades:u1:p1"))
	require.NoError(t, r.QueueRefresh("accounts:u1"))

	r.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"accounts:u1", "trades:u1:p1", "analytics:u1:pnl"}, order)
}

func TestQueueRefreshDedup(t *testing.T) {
	r, _, _ := newTestRefresher(t)
	require.NoError(t, r.RegisterStrategy(staticStrategy("trades:", 0, "v")))

	require.NoError(t, r.QueueRefresh("trades:u1:p1"))
	require.NoError(t, r.QueueRefresh("trades:u1:p1"))
	assert.Equal(t, 1, r.Pending(), "a key already queued is not queued twice")
}

func TestRefreshRetriesThenSucceeds(t *testing.T) {
	r, store, _ := newTestRefresher(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.RegisterStrategy(Strategy{
		Pattern:    "accounts:",
		MaxRetries: 3,
		Refresh: func(_ context.Context, _ string) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("still flaky")
			}
			return []byte("fresh"), nil
		},
	}))

	require.NoError(t, r.QueueRefresh("accounts:u1"))
	r.Start()

	require.Eventually(t, func() bool {
		v, err := store.Get(context.Background(), "accounts:u1")
		return err == nil && string(v) == "fresh"
	}, time.Second, time.Millisecond)

	m := r.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(0), m.Dropped)
}

func TestRefreshExhaustionDropsAndFeedsDetector(t *testing.T) {
	r, store, detector := newTestRefresher(t)

	require.NoError(t, r.RegisterStrategy(Strategy{
		Pattern:    "accounts:",
		MaxRetries: 1,
		Refresh: func(_ context.Context, _ string) ([]byte, error) {
			return nil, errors.New("down for good")
		},
	}))

	require.NoError(t, r.QueueRefresh("accounts:u1"))
	r.Start()

	require.Eventually(t, func() bool {
		return r.Metrics().Dropped == 1
	}, time.Second, time.Millisecond, "exhausted job is dropped, not re-queued")

	assert.Equal(t, 2, detector.FailureCount("accounts:u1"), "every failed attempt is reported")
	_, err := store.Get(context.Background(), "accounts:u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, r.Pending())
}

func TestRefreshAbandonsKeyThatGoesCorrupted(t *testing.T) {
	r, _, detector := newTestRefresher(t)

	require.NoError(t, r.RegisterStrategy(Strategy{
		Pattern:    "accounts:",
		MaxRetries: 10,
		Refresh: func(_ context.Context, _ string) ([]byte, error) {
			return nil, errors.New("boom")
		},
	}))

	require.NoError(t, r.QueueRefresh("accounts:u1"))
	r.Start()

	// Detector threshold is 3: the third failed attempt corrupts the key
	// and the remaining retry budget is abandoned.
	require.Eventually(t, func() bool {
		return r.Metrics().Skipped == 1
	}, time.Second, time.Millisecond)
	assert.True(t, detector.IsCorrupted("accounts:u1"))
	assert.Equal(t, int64(0), r.Metrics().Dropped)
}
