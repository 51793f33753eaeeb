package tradecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountSummary struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
}

func newMemoryLayer(t *testing.T, opts ...Option) *Layer {
	t.Helper()
	return NewLayer(nil, opts...)
}

func TestResourceFetchPopulatesCache(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	var fetches atomic.Int64
	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		fetches.Add(1)
		return accountSummary{ID: "u1", Balance: 1250.50}, nil
	})

	first, err := res.Get(ctx)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 1250.50, first.Value.Balance)

	second, err := res.Get(ctx)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int64(1), fetches.Load(), "a live cache entry never refetches")

	v, ok := res.Peek(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", v.ID)
}

func TestResourceFetchErrorSurfacesInline(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	boom := &NetworkError{Operation: "fetch accounts", Err: errors.New("502")}
	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		return accountSummary{}, boom
	})

	_, err := res.Get(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, layer.Detector.FailureCount("accounts:u1"),
		"the failure feeds the detector but the caller still sees it")
	assert.Equal(t, StateHealthy, layer.Recovery.State())
}

func TestResourceFetchTimeout(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	res := NewResource(layer, "trades:u1:p1",
		func(context.Context) (accountSummary, error) {
			<-hang
			return accountSummary{}, nil
		},
		WithResourceTimeout(30*time.Millisecond),
		WithOperationName("fetch trades page"),
	)

	_, err := res.Get(ctx)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fetch trades page", te.Operation)
	assert.Equal(t, 1, layer.Detector.FailureCount("trades:u1:p1"),
		"a timeout is one strike, not a recovery trigger")
}

func TestResourceConcurrentFetchesCollapse(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{})
	var fetches atomic.Int64
	var enterOnce sync.Once

	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		fetches.Add(1)
		enterOnce.Do(func() { close(entered) })
		<-release
		return accountSummary{ID: "u1", Balance: 10}, nil
	})

	const readers = 8
	var wg sync.WaitGroup
	results := make([]Result[accountSummary], readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = res.Get(ctx)
		}(i)
	}

	<-entered
	close(release)
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "u1", results[i].Value.ID)
	}
	assert.Equal(t, int64(1), fetches.Load(), "concurrent misses share one remote call")
}

func TestResourceRefetchBypassesCache(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	balance := 100.0
	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		return accountSummary{ID: "u1", Balance: balance}, nil
	})

	_, err := res.Get(ctx)
	require.NoError(t, err)

	balance = 250.0
	fresh, err := res.Refetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250.0, fresh.Value.Balance)

	// Refetch also repopulated the cache.
	cached, err := res.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, 250.0, cached.Value.Balance)
}

func TestResourcePeekNeverFetches(t *testing.T) {
	layer := newMemoryLayer(t)

	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		t.Fatal("peek must not fetch")
		return accountSummary{}, nil
	})

	_, ok := res.Peek(context.Background())
	assert.False(t, ok)
}

func TestResourceCorruptPayloadFallsThroughToFetch(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Store.Set(ctx, "accounts:u1", []byte("{definitely not json")))

	var fetches atomic.Int64
	res := NewResource(layer, "accounts:u1", func(context.Context) (accountSummary, error) {
		fetches.Add(1)
		return accountSummary{ID: "u1", Balance: 7}, nil
	})

	got, err := res.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.FromCache, "an undecodable entry reads as a miss")
	assert.Equal(t, 7.0, got.Value.Balance)
	assert.Equal(t, int64(1), fetches.Load())
	assert.Equal(t, 1, layer.Detector.FailureCount("accounts:u1"),
		"undecodable payloads count toward corruption")

	// The bad bytes were overwritten by the fetch result.
	again, err := res.Get(ctx)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
}

func TestResourceTTLOverride(t *testing.T) {
	layer := newMemoryLayer(t)
	ctx := context.Background()

	var fetches atomic.Int64
	res := NewResource(layer, "analytics:u1:pnl",
		func(context.Context) (accountSummary, error) {
			fetches.Add(1)
			return accountSummary{ID: "u1"}, nil
		},
		WithResourceTTL(10*time.Millisecond),
	)

	_, err := res.Get(ctx)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	got, err := res.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.FromCache, "the per-resource TTL expired the entry")
	assert.Equal(t, int64(2), fetches.Load())
}
