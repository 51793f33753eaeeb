package tradecache

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RefreshFunc produces a fresh value for a key it was registered against.
type RefreshFunc func(ctx context.Context, key string) ([]byte, error)

// Strategy describes how keys under one pattern get refreshed. At most one
// strategy exists per pattern; registering the same pattern again replaces
// it.
type Strategy struct {
	// Pattern is the key prefix this strategy serves, e.g. "trades:".
	Pattern string
	Refresh RefreshFunc
	// Priority orders the queue; lower drains sooner.
	Priority int
	// MaxRetries is how many times a failed job is retried before being
	// dropped.
	MaxRetries int
	// TTL for refreshed entries; zero means the store default.
	TTL time.Duration
}

type refreshJob struct {
	key      string
	strategy Strategy
	seq      uint64
	index    int
}

// jobHeap orders by priority, then arrival. Equal priorities are not
// strictly FIFO once the heap rebalances, which is fine: ordering within a
// priority class is not a guarantee anyone relies on.
type jobHeap []*refreshJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].strategy.Priority != h[j].strategy.Priority {
		return h[i].strategy.Priority < h[j].strategy.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	job := x.(*refreshJob)
	job.index = len(*h)
	*h = append(*h, job)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Refresher is the registry of refresh strategies plus the queue that
// executes them. The queue drains one job at a time so a recovery storm
// cannot overwhelm the remote service; each failed attempt is reported to
// the corruption detector, closing the loop: a key that keeps failing to
// refresh goes corrupted and stops being retried.
type Refresher struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	jobs       jobHeap
	queued     map[string]bool
	seq        uint64

	store    *Store
	detector *Detector

	baseDelay time.Duration
	maxDelay  time.Duration
	log       *zap.Logger
	metrics   refreshMetrics

	wake  chan struct{}
	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// NewRefresher builds a refresher wired to the store it repopulates and the
// detector it reports failures to.
func NewRefresher(store *Store, detector *Detector, baseDelay, maxDelay time.Duration, log *zap.Logger) *Refresher {
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		strategies: make(map[string]Strategy),
		queued:     make(map[string]bool),
		store:      store,
		detector:   detector,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		log:        log,
		wake:       make(chan struct{}, 1),
	}
}

// RegisterStrategy upserts the strategy for its pattern. Registration is
// idempotent: the newest strategy for a pattern wins.
func (r *Refresher) RegisterStrategy(s Strategy) error {
	if s.Pattern == "" || s.Refresh == nil {
		return ErrNoStrategy
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	r.mu.Lock()
	r.strategies[s.Pattern] = s
	r.mu.Unlock()
	return nil
}

// strategyFor picks the best-matching strategy for key: longest matching
// pattern wins, ties broken by lower priority. Caller holds r.mu.
func (r *Refresher) strategyFor(key string) (Strategy, bool) {
	var (
		best  Strategy
		found bool
	)
	for pattern, s := range r.strategies {
		if len(key) < len(pattern) || key[:len(pattern)] != pattern {
			continue
		}
		switch {
		case !found:
			best, found = s, true
		case len(pattern) > len(best.Pattern):
			best = s
		case len(pattern) == len(best.Pattern) && s.Priority < best.Priority:
			best = s
		}
	}
	return best, found
}

// QueueRefresh enqueues a refresh for key under its best-matching strategy.
// A key already corrupted is refused rather than silently retried, and a
// key already queued is not queued twice.
func (r *Refresher) QueueRefresh(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if r.detector != nil && r.detector.IsCorrupted(key) {
		r.metrics.skipped.Add(1)
		return &CorruptionError{Key: key, Failures: r.detector.FailureCount(key)}
	}

	r.mu.Lock()
	s, ok := r.strategyFor(key)
	if !ok {
		r.mu.Unlock()
		return ErrNoStrategy
	}
	if r.queued[key] {
		r.mu.Unlock()
		return nil
	}
	r.seq++
	heap.Push(&r.jobs, &refreshJob{key: key, strategy: s, seq: r.seq})
	r.queued[key] = true
	r.mu.Unlock()

	r.metrics.queued.Add(1)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of jobs waiting in the queue.
func (r *Refresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs.Len()
}

// Metrics returns a snapshot of queue counters.
func (r *Refresher) Metrics() RefreshMetrics { return r.metrics.Snapshot() }

// Start launches the single drain worker. No-op if already running.
func (r *Refresher) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.drain(r.stop, r.done)
}

// Stop halts the worker after the in-flight job finishes. Queued jobs stay
// queued. Idempotent.
func (r *Refresher) Stop() {
	r.runMu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Refresher) drain(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		r.mu.Lock()
		var job *refreshJob
		if r.jobs.Len() > 0 {
			job = heap.Pop(&r.jobs).(*refreshJob)
			delete(r.queued, job.key)
		}
		r.mu.Unlock()

		if job == nil {
			select {
			case <-stop:
				return
			case <-r.wake:
				continue
			}
		}

		select {
		case <-stop:
			return
		default:
		}
		r.runJob(stop, job)
	}
}

// runJob executes one refresh with exponential backoff between attempts:
// base delay doubling, capped at maxDelay. A job that exhausts its retry
// budget is dropped and logged, never re-queued automatically.
func (r *Refresher) runJob(stop <-chan struct{}, job *refreshJob) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = r.maxDelay
	bo.Reset()

	attempts := job.strategy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if r.detector != nil && r.detector.IsCorrupted(job.key) {
			r.metrics.skipped.Add(1)
			r.log.Warn("refresh abandoned, key corrupted", zap.String("key", job.key))
			return
		}

		ctx := context.Background()
		value, err := job.strategy.Refresh(ctx, job.key)
		if err == nil {
			if serr := r.store.Set(ctx, job.key, value, WithTTL(job.strategy.TTL)); serr != nil {
				r.log.Warn("refresh store write failed", zap.String("key", job.key), zap.Error(serr))
			}
			r.metrics.completed.Add(1)
			r.log.Debug("refresh completed",
				zap.String("key", job.key),
				zap.Int("attempt", attempt))
			return
		}

		if r.detector != nil {
			r.detector.ReportError(job.key, err)
		}
		r.log.Debug("refresh attempt failed",
			zap.String("key", job.key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			if !r.sleepOrStop(stop, bo.NextBackOff()) {
				return
			}
		}
	}

	r.metrics.dropped.Add(1)
	r.log.Warn("refresh job dropped after exhausting retries",
		zap.String("key", job.key),
		zap.Int("max_retries", job.strategy.MaxRetries))
}

func (r *Refresher) sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
