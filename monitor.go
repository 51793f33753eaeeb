package tradecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OperationStatus is the lifecycle of one monitored operation. Exactly one
// terminal status is ever reached; once terminal, the handle is immutable.
type OperationStatus int32

const (
	StatusPending OperationStatus = iota
	StatusResolved
	StatusTimedOut
	StatusFailed
)

func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OperationHandle identifies one monitored call. The status transition is a
// single compare-and-swap away from pending, which is the "first writer
// wins" guard: whichever side of the race settles first owns the outcome,
// and the loser's settlement is discarded.
type OperationHandle struct {
	ID        string
	Name      string
	StartedAt time.Time
	Timeout   time.Duration
	status    atomic.Int32
}

func newHandle(name string, timeout time.Duration) *OperationHandle {
	return &OperationHandle{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		Timeout:   timeout,
	}
}

// Status returns the handle's current status.
func (h *OperationHandle) Status() OperationStatus {
	return OperationStatus(h.status.Load())
}

// finish attempts the pending -> terminal transition. It reports whether
// this caller won the race.
func (h *OperationHandle) finish(s OperationStatus) bool {
	return h.status.CompareAndSwap(int32(StatusPending), int32(s))
}

// ProbeFunc is a cheap, side-effect-free health check.
type ProbeFunc func(ctx context.Context) error

// Monitor wraps remote operations with a timeout race and runs a periodic
// canary probe. There is no cancellation of the underlying call: a timeout
// means "stop waiting", not "abort", and the abandoned call's eventual
// outcome never reaches anyone.
type Monitor struct {
	defaultTimeout time.Duration
	canaryInterval time.Duration
	canaryTimeout  time.Duration
	probe          ProbeFunc
	log            *zap.Logger

	activeOps atomic.Int64

	// canary loop state
	runMu    sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	checking atomic.Bool // at most one canary in flight

	obsMu     sync.Mutex
	onRecover []func(FailureReason)
}

// NewMonitor builds a monitor. probe may be nil, which disables the canary
// loop until a probe is installed via SetProbe.
func NewMonitor(defaultTimeout, canaryInterval, canaryTimeout time.Duration, probe ProbeFunc, log *zap.Logger) *Monitor {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	if canaryTimeout <= 0 {
		canaryTimeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		defaultTimeout: defaultTimeout,
		canaryInterval: canaryInterval,
		canaryTimeout:  canaryTimeout,
		probe:          probe,
		log:            log,
	}
}

// SetProbe replaces the canary probe. Takes effect on the next tick.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.runMu.Lock()
	m.probe = probe
	m.runMu.Unlock()
}

// OnRecoveryTriggered registers a handler invoked when the monitor decides
// the system needs recovery (canary failure). This is the sole mechanism by
// which the monitor hands control to the orchestrator; with no handlers
// registered a trigger is a no-op.
func (m *Monitor) OnRecoveryTriggered(fn func(FailureReason)) {
	m.obsMu.Lock()
	m.onRecover = append(m.onRecover, fn)
	m.obsMu.Unlock()
}

// TriggerRecovery invokes the registered recovery handlers.
func (m *Monitor) TriggerRecovery(reason FailureReason) {
	m.obsMu.Lock()
	obs := append([]func(FailureReason){}, m.onRecover...)
	m.obsMu.Unlock()
	for _, fn := range obs {
		fn(reason)
	}
}

// ActiveOperations returns the number of monitored calls still pending.
func (m *Monitor) ActiveOperations() int64 { return m.activeOps.Load() }

type outcome[T any] struct {
	value T
	err   error
}

// Monitored races fn against a timer. If the timer fires first the caller
// gets a *TimeoutError carrying the operation name; fn keeps running but
// its eventual result is dropped. timeout <= 0 uses the monitor default.
// Exactly one outcome reaches the caller.
func Monitored[T any](m *Monitor, ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	h := newHandle(name, timeout)
	m.activeOps.Add(1)
	defer m.activeOps.Add(-1)

	// The operation gets a derived context that is cancelled once the race
	// is decided. That is a courtesy to well-behaved operations, not real
	// cancellation: fn may ignore it, keep running, and settle late -- the
	// publish guard below drops whatever it produces.
	fctx, fcancel := context.WithCancel(ctx)
	defer fcancel()

	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn(fctx)
		// Only the race winner may publish. A late settlement after the
		// timeout already rejected is dropped here, never awaited further.
		if h.Status() != StatusPending {
			return
		}
		ch <- outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-ch:
		if out.err != nil {
			h.finish(StatusFailed)
			return zero, out.err
		}
		h.finish(StatusResolved)
		return out.value, nil
	case <-timer.C:
		h.finish(StatusTimedOut)
		m.log.Warn("operation timed out",
			zap.String("operation", name),
			zap.String("op_id", h.ID),
			zap.Duration("budget", timeout))
		return zero, &TimeoutError{Operation: name, Budget: timeout}
	case <-ctx.Done():
		h.finish(StatusFailed)
		return zero, ctx.Err()
	}
}

// Run is Monitored for operations without a result value.
func (m *Monitor) Run(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Monitored(m, ctx, name, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StartHealthChecks begins the recurring canary loop. Calling it while the
// loop already runs, or with no interval or probe configured, is a no-op.
func (m *Monitor) StartHealthChecks() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop != nil || m.canaryInterval <= 0 || m.probe == nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.canaryLoop(m.stop, m.done)
	m.log.Info("health checks started", zap.Duration("interval", m.canaryInterval))
}

// StopHealthChecks stops the canary loop and waits for it to exit.
// Idempotent.
func (m *Monitor) StopHealthChecks() {
	m.runMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.log.Info("health checks stopped")
}

func (m *Monitor) canaryLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.canaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runCanary()
		}
	}
}

// runCanary executes one probe through the timeout race. Re-entrant ticks
// while a probe is still in flight are dropped.
func (m *Monitor) runCanary() {
	if !m.checking.CompareAndSwap(false, true) {
		return
	}
	defer m.checking.Store(false)

	m.runMu.Lock()
	probe := m.probe
	m.runMu.Unlock()
	if probe == nil {
		return
	}

	err := m.Run(context.Background(), "canary", m.canaryTimeout, func(ctx context.Context) error {
		return probe(ctx)
	})
	if err == nil {
		m.log.Debug("canary probe ok")
		return
	}

	reason := reasonForError(err)
	m.log.Warn("canary probe failed", zap.Error(err), zap.String("reason", string(reason)))
	m.TriggerRecovery(reason)
}
