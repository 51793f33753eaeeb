package tradecache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the orchestrator's position in the recovery lifecycle.
type State string

const (
	StateHealthy      State = "healthy"
	StateRecovering   State = "recovering"
	StateAwaitingUser State = "awaiting_user_decision"
	StateForcedReauth State = "forced_reauth"
)

// ReauthFunc is the authentication collaborator: sign out and navigate to
// the login entry point. It is the only place this layer crosses into auth.
type ReauthFunc func(ctx context.Context)

// Fallback is the contract the fallback prompt renders against. It carries
// the coarse reason enum, never raw error text.
type Fallback struct {
	Open       bool
	Reason     FailureReason
	RetryCount int
}

// Orchestrator consumes signals from the health monitor and corruption
// detector, clears the store, re-queues essential refreshes, and escalates
// to the user-facing fallback when silent recovery keeps failing.
//
//	Healthy -> Recovering -> {Healthy | AwaitingUserDecision}
//	AwaitingUserDecision -(retry)-> Recovering
//	retryCount ceiling or "log in again" -> ForcedReauth -> Healthy (after relogin)
//
// The recovery epoch increments on every state-changing transition; any
// async continuation (grace timers, post-clear steps) re-checks the epoch
// before acting, so stale triggers from an older cycle are dropped.
type Orchestrator struct {
	mu         sync.Mutex
	state      State
	reason     FailureReason
	retryCount int
	epoch      uint64
	lastIssue  time.Time

	store     *Store
	detector  *Detector
	refresher *Refresher

	essential        []string
	maxRetries       int
	grace            time.Duration
	sustainedHealthy time.Duration
	reauth           ReauthFunc

	log *zap.Logger
	now func() time.Time

	obsMu      sync.Mutex
	onFallback []func(Fallback)
}

// NewOrchestrator builds an orchestrator. refresher may be nil when no
// essential refreshes are configured; reauth may be nil, in which case
// forced re-authentication only clears state.
func NewOrchestrator(store *Store, detector *Detector, refresher *Refresher, cfg layerConfig) *Orchestrator {
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}
	maxRetries := cfg.maxRecoveryRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	grace := cfg.recoveryGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	sustained := cfg.sustainedHealthy
	if sustained <= 0 {
		sustained = 5 * time.Minute
	}
	return &Orchestrator{
		state:            StateHealthy,
		store:            store,
		detector:         detector,
		refresher:        refresher,
		essential:        cfg.essentialKeys,
		maxRetries:       maxRetries,
		grace:            grace,
		sustainedHealthy: sustained,
		reauth:           cfg.reauth,
		log:              log,
		now:              time.Now,
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Fallback returns the current fallback prompt contract.
func (o *Orchestrator) Fallback() Fallback {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fallbackLocked()
}

func (o *Orchestrator) fallbackLocked() Fallback {
	return Fallback{
		Open:       o.state == StateAwaitingUser,
		Reason:     o.reason,
		RetryCount: o.retryCount,
	}
}

// RetryCount returns how many user-driven retries this failure episode has
// consumed.
func (o *Orchestrator) RetryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryCount
}

// OnFallbackChanged registers an observer for fallback open/close
// transitions; this is what the prompt UI subscribes to.
func (o *Orchestrator) OnFallbackChanged(fn func(Fallback)) {
	o.obsMu.Lock()
	o.onFallback = append(o.onFallback, fn)
	o.obsMu.Unlock()
}

func (o *Orchestrator) notifyFallback(fb Fallback) {
	o.obsMu.Lock()
	obs := append([]func(Fallback){}, o.onFallback...)
	o.obsMu.Unlock()
	for _, fn := range obs {
		fn(fb)
	}
}

// ReportFailure is the funnel for per-fetch errors. Auth failures skip the
// retry path entirely, everything else feeds the corruption detector; the
// detector's threshold crossing is what escalates to recovery.
func (o *Orchestrator) ReportFailure(ctx context.Context, key string, err error) {
	if err == nil {
		return
	}
	if IsAuthError(err) {
		o.log.Warn("authentication failure, forcing re-auth", zap.String("key", key), zap.Error(err))
		o.ForceReauth(ctx)
		return
	}
	o.detector.ReportError(key, err)
}

// TriggerRecovery drives the state machine from an escalation signal:
// corruption threshold crossings and canary failures land here. Signals
// arriving while the fallback is open or a forced re-auth is pending are
// dropped; a signal during an active recovery is the "condition recurred"
// path that opens the fallback or, past the retry ceiling, forces re-auth.
func (o *Orchestrator) TriggerRecovery(ctx context.Context, reason FailureReason) {
	o.mu.Lock()
	now := o.now()
	if o.state == StateHealthy && o.retryCount > 0 && !o.lastIssue.IsZero() &&
		now.Sub(o.lastIssue) >= o.sustainedHealthy {
		// Sustained healthy period with the fallback closed: the episode is
		// over, start counting from zero.
		o.retryCount = 0
	}
	o.lastIssue = now

	switch o.state {
	case StateForcedReauth, StateAwaitingUser:
		o.mu.Unlock()
		return

	case StateRecovering:
		if o.retryCount >= o.maxRetries {
			o.mu.Unlock()
			o.log.Warn("recovery retry ceiling reached", zap.Int("retry_count", o.maxRetries))
			o.ForceReauth(ctx)
			return
		}
		o.state = StateAwaitingUser
		o.reason = reason
		o.epoch++
		fb := o.fallbackLocked()
		o.mu.Unlock()
		o.log.Warn("recovery failed again, asking the user",
			zap.String("reason", string(reason)),
			zap.Int("retry_count", fb.RetryCount))
		o.notifyFallback(fb)
		return

	default: // StateHealthy
		o.state = StateRecovering
		o.reason = reason
		o.epoch++
		epoch := o.epoch
		o.mu.Unlock()
		o.recover(ctx, epoch, reason)
	}
}

// recover runs one recovery cycle. The cache clear is awaited before any
// refresh is queued; refreshing into a store that is about to be wiped
// would just re-poison it.
func (o *Orchestrator) recover(ctx context.Context, epoch uint64, reason FailureReason) {
	o.log.Info("recovery started",
		zap.Uint64("epoch", epoch),
		zap.String("reason", string(reason)))

	o.store.ClearAll(ctx, ClearOptions{SkipReload: true, LogOperations: true})

	o.mu.Lock()
	stale := o.epoch != epoch || o.state != StateRecovering
	o.mu.Unlock()
	if stale {
		return
	}

	if o.refresher != nil {
		for _, key := range o.essential {
			if err := o.refresher.QueueRefresh(key); err != nil {
				o.log.Debug("essential refresh not queued", zap.String("key", key), zap.Error(err))
			}
		}
	}

	time.AfterFunc(o.grace, func() { o.completeRecovery(epoch) })
}

// completeRecovery closes a cycle that survived its grace period with no
// new failures. retryCount is deliberately left alone; only a sustained
// healthy stretch resets it.
func (o *Orchestrator) completeRecovery(epoch uint64) {
	o.mu.Lock()
	if o.epoch != epoch || o.state != StateRecovering {
		o.mu.Unlock()
		return
	}
	o.state = StateHealthy
	o.mu.Unlock()
	o.log.Info("recovery complete", zap.Uint64("epoch", epoch))
}

// HandleRetry is the fallback prompt's "try again" action. It burns one
// retry and starts a fresh recovery cycle.
func (o *Orchestrator) HandleRetry(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateAwaitingUser {
		o.mu.Unlock()
		return
	}
	o.retryCount++
	o.state = StateRecovering
	o.epoch++
	epoch := o.epoch
	reason := o.reason
	fb := Fallback{Open: false, Reason: reason, RetryCount: o.retryCount}
	o.mu.Unlock()

	o.log.Info("user requested retry", zap.Int("retry_count", fb.RetryCount))
	o.notifyFallback(fb)
	o.recover(ctx, epoch, reason)
}

// ForceReauth is the fallback prompt's "log in again" action and the
// landing point of the retry ceiling. It clears all caches without bumping
// the version (state is known-inconsistent anyway and a relogin rebuilds
// it), then hands off to the authentication collaborator.
func (o *Orchestrator) ForceReauth(ctx context.Context) {
	o.mu.Lock()
	if o.state == StateForcedReauth {
		o.mu.Unlock()
		return
	}
	o.state = StateForcedReauth
	o.epoch++
	fb := Fallback{Open: false, Reason: o.reason, RetryCount: o.retryCount}
	reauth := o.reauth
	o.mu.Unlock()

	o.notifyFallback(fb)
	o.store.ClearAll(ctx, ClearOptions{SkipVersionCheck: true, SkipReload: true})
	o.log.Warn("forcing re-authentication", zap.String("reason", string(fb.Reason)))
	if reauth != nil {
		reauth(ctx)
	}
}

// NotifyReauthenticated resets the orchestrator after a successful relogin.
func (o *Orchestrator) NotifyReauthenticated() {
	o.mu.Lock()
	o.state = StateHealthy
	o.reason = ""
	o.retryCount = 0
	o.lastIssue = time.Time{}
	o.epoch++
	o.mu.Unlock()
	o.detector.Reset()
	o.log.Info("re-authenticated, back to healthy")
}
