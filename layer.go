package tradecache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Layer is the data-resilience layer assembled as one explicit service
// object: construct it once at application start and pass it by reference
// to every consumer. There is no package-level singleton to mutate.
type Layer struct {
	Store       *Store
	Mirror      *Mirror
	Detector    *Detector
	Monitor     *Monitor
	Refresher   *Refresher
	Invalidator *Invalidator
	Recovery    *Orchestrator

	log *zap.Logger
}

// NewLayer wires the components together. rdb may be nil for a memory-only
// layer (no durable mirror, no default canary probe).
//
// Wiring, all through explicit observer registration:
//   - store clear resets every failure record
//   - corruption threshold crossings trigger the orchestrator
//   - canary failures trigger the orchestrator
func NewLayer(rdb *redis.Client, opts ...Option) *Layer {
	cfg := layerConfig{
		defaultTTL:          5 * time.Minute,
		mirrorPrefix:        "tradecache",
		mirrorTimeout:       5 * time.Second,
		operationTimeout:    10 * time.Second,
		corruptionThreshold: 5,
		corruptionWindow:    5 * time.Minute,
		canaryInterval:      30 * time.Second,
		canaryTimeout:       5 * time.Second,
		maxRecoveryRetries:  3,
		recoveryGrace:       30 * time.Second,
		sustainedHealthy:    5 * time.Minute,
		refreshBaseDelay:    500 * time.Millisecond,
		refreshMaxDelay:     30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}

	var mirror *Mirror
	if rdb != nil {
		mirror = NewMirror(rdb, cfg.mirrorPrefix, log)
	}
	store := NewStore(mirror, cfg.defaultTTL, cfg.mirrorTimeout, log)
	detector := NewDetector(cfg.corruptionThreshold, cfg.corruptionWindow, log)

	probe := cfg.canaryProbe
	if probe == nil && mirror != nil {
		probe = mirror.Ping
	}
	monitor := NewMonitor(cfg.operationTimeout, cfg.canaryInterval, cfg.canaryTimeout, probe, log)
	refresher := NewRefresher(store, detector, cfg.refreshBaseDelay, cfg.refreshMaxDelay, log)
	recovery := NewOrchestrator(store, detector, refresher, cfg)

	store.OnClear(func(ClearOptions) { detector.Reset() })
	detector.OnCorrupted(func(key string, failures int) {
		recovery.TriggerRecovery(context.Background(), ReasonCacheCorruption)
	})
	monitor.OnRecoveryTriggered(func(reason FailureReason) {
		recovery.TriggerRecovery(context.Background(), reason)
	})

	return &Layer{
		Store:       store,
		Mirror:      mirror,
		Detector:    detector,
		Monitor:     monitor,
		Refresher:   refresher,
		Invalidator: NewInvalidator(store, log),
		Recovery:    recovery,
		log:         log,
	}
}

// Start launches the background pieces: the canary loop and the refresh
// queue worker.
func (l *Layer) Start() {
	l.Monitor.StartHealthChecks()
	l.Refresher.Start()
}

// Close stops the background pieces. The store itself needs no teardown;
// its data is disposable.
func (l *Layer) Close() {
	l.Monitor.StopHealthChecks()
	l.Refresher.Stop()
}

// ClearAllCaches is the entry point for the sign-out flow.
func (l *Layer) ClearAllCaches(ctx context.Context, opts ClearOptions) {
	l.Store.ClearAll(ctx, opts)
}
