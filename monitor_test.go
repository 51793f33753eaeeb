package tradecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoredSuccess(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)

	v, err := Monitored(m, context.Background(), "fetch", 0, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int64(0), m.ActiveOperations())
}

func TestMonitoredFailure(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)
	boom := errors.New("boom")

	_, err := Monitored(m, context.Background(), "fetch", 0, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestMonitoredTimeout(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	start := time.Now()
	_, err := Monitored(m, context.Background(), "slow-fetch", 100*time.Millisecond,
		func(context.Context) (string, error) {
			<-hang // never resolves on its own
			return "", nil
		})
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow-fetch", te.Operation)
	assert.Equal(t, 100*time.Millisecond, te.Budget)
	assert.Less(t, elapsed, 400*time.Millisecond, "rejects near the budget, not after the operation")
}

func TestMonitoredLateSettlementIsDiscarded(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)

	release := make(chan struct{})
	var settled atomic.Bool
	_, err := Monitored(m, context.Background(), "abandoned", 30*time.Millisecond,
		func(context.Context) (string, error) {
			<-release
			settled.Store(true)
			return "late", nil
		})
	require.True(t, IsTimeout(err))

	// The loser settles after the race is decided; exactly one outcome
	// reached the caller and this one goes nowhere.
	close(release)
	require.Eventually(t, settled.Load, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), m.ActiveOperations())
}

func TestMonitoredContextCancel(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Monitored(m, ctx, "fetch", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOperationStatusTerminal(t *testing.T) {
	h := newHandle("op", time.Second)
	assert.Equal(t, StatusPending, h.Status())
	assert.NotEmpty(t, h.ID)

	require.True(t, h.finish(StatusResolved))
	assert.Equal(t, StatusResolved, h.Status())

	// Once terminal, immutable.
	assert.False(t, h.finish(StatusTimedOut))
	assert.Equal(t, StatusResolved, h.Status())
}

func TestCanaryFailureTriggersRecovery(t *testing.T) {
	probeErr := errors.New("probe down")
	m := NewMonitor(time.Second, 10*time.Millisecond, 50*time.Millisecond,
		func(context.Context) error { return probeErr }, nil)

	reasons := make(chan FailureReason, 16)
	m.OnRecoveryTriggered(func(r FailureReason) { reasons <- r })

	m.StartHealthChecks()
	defer m.StopHealthChecks()

	select {
	case r := <-reasons:
		assert.Equal(t, ReasonNetwork, r)
	case <-time.After(time.Second):
		t.Fatal("canary failure never triggered recovery")
	}
}

func TestCanaryTimeoutReason(t *testing.T) {
	m := NewMonitor(time.Second, 10*time.Millisecond, 20*time.Millisecond,
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil)

	reasons := make(chan FailureReason, 16)
	m.OnRecoveryTriggered(func(r FailureReason) { reasons <- r })

	m.StartHealthChecks()
	defer m.StopHealthChecks()

	select {
	case r := <-reasons:
		assert.Equal(t, ReasonTimeout, r)
	case <-time.After(time.Second):
		t.Fatal("canary timeout never triggered recovery")
	}
}

func TestCanarySingleFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	m := NewMonitor(time.Second, 5*time.Millisecond, time.Second,
		func(context.Context) error {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond) // slower than the tick
			return nil
		}, nil)

	m.StartHealthChecks()
	time.Sleep(150 * time.Millisecond)
	m.StopHealthChecks()

	assert.Equal(t, int64(1), maxInFlight.Load(), "overlapping canary ticks must be dropped")
}

func TestHealthCheckLifecycleIdempotent(t *testing.T) {
	m := NewMonitor(time.Second, time.Hour, time.Second, func(context.Context) error { return nil }, nil)

	m.StartHealthChecks()
	m.StartHealthChecks() // second start is a no-op
	m.StopHealthChecks()
	m.StopHealthChecks() // second stop is a no-op

	// Disabled configurations never start.
	none := NewMonitor(time.Second, 0, 0, nil, nil)
	none.StartHealthChecks()
	none.StopHealthChecks()
}

func TestTriggerRecoveryDefaultNoop(t *testing.T) {
	m := NewMonitor(time.Second, 0, 0, nil, nil)
	m.TriggerRecovery(ReasonTimeout) // no handlers registered: nothing happens
}
