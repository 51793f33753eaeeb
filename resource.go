package tradecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads fresh entity data from the remote service. The resource
// wraps it with the health monitor; implementations should return AuthError
// or NetworkError (or plain errors, treated as network-level) as
// appropriate.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Result wraps a resource read with provenance metadata.
type Result[T any] struct {
	Value     T
	FromCache bool
	FetchedAt time.Time
}

// Resource is the per-entity accessor screens read through: cache-first,
// monitored fetch on miss, failure reporting into the resilience loop.
// Concurrent fetches for the same key collapse into one remote call.
type Resource[T any] struct {
	layer   *Layer
	key     string
	name    string
	fetch   FetchFunc[T]
	ttl     time.Duration
	timeout time.Duration
	sf      singleflight.Group
}

// ResourceOption configures a Resource.
type ResourceOption func(*resourceOpts)

type resourceOpts struct {
	ttl     time.Duration
	timeout time.Duration
	name    string
}

// WithResourceTTL overrides the store default TTL for this resource.
func WithResourceTTL(ttl time.Duration) ResourceOption {
	return func(o *resourceOpts) { o.ttl = ttl }
}

// WithResourceTimeout overrides the monitor's default budget for this
// resource's fetches.
func WithResourceTimeout(d time.Duration) ResourceOption {
	return func(o *resourceOpts) { o.timeout = d }
}

// WithOperationName names the fetch for monitor logs; defaults to
// "fetch:<key>".
func WithOperationName(name string) ResourceOption {
	return func(o *resourceOpts) { o.name = name }
}

// NewResource builds a resource bound to one cache key.
func NewResource[T any](layer *Layer, key string, fetch FetchFunc[T], opts ...ResourceOption) *Resource[T] {
	var ro resourceOpts
	for _, o := range opts {
		o(&ro)
	}
	if ro.name == "" {
		ro.name = "fetch:" + key
	}
	return &Resource[T]{
		layer:   layer,
		key:     key,
		name:    ro.name,
		fetch:   fetch,
		ttl:     ro.ttl,
		timeout: ro.timeout,
	}
}

// Get returns the cached value while it is live, otherwise fetches through
// the health monitor and populates the cache. Fetch errors are reported
// into the resilience loop and also returned, so the screen can render an
// inline message; a single failure never opens the fallback by itself.
func (r *Resource[T]) Get(ctx context.Context) (Result[T], error) {
	b, err := r.layer.Store.Get(ctx, r.key)
	if err == nil {
		var v T
		uerr := json.Unmarshal(b, &v)
		if uerr == nil {
			return Result[T]{Value: v, FromCache: true, FetchedAt: time.Now()}, nil
		}
		// A payload that no longer unmarshals is corruption in the most
		// literal sense; count it and fall through to a fresh fetch.
		r.layer.Detector.ReportError(r.key, fmt.Errorf("cached payload unmarshal: %w", uerr))
	}
	return r.load(ctx)
}

// Refetch bypasses the cache and always hits the remote service.
func (r *Resource[T]) Refetch(ctx context.Context) (Result[T], error) {
	return r.load(ctx)
}

// Peek returns the cached value without ever fetching.
func (r *Resource[T]) Peek(ctx context.Context) (T, bool) {
	var v T
	b, err := r.layer.Store.Get(ctx, r.key)
	if err != nil {
		return v, false
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false
	}
	return v, true
}

// load fetches through the monitor, deduped per key.
func (r *Resource[T]) load(ctx context.Context) (Result[T], error) {
	v, err, _ := r.sf.Do(r.key, func() (any, error) {
		val, err := Monitored(r.layer.Monitor, ctx, r.name, r.timeout, r.fetch)
		if err != nil {
			return nil, err
		}
		b, merr := json.Marshal(val)
		if merr != nil {
			return nil, fmt.Errorf("marshal %q: %w", r.key, merr)
		}
		if serr := r.layer.Store.Set(ctx, r.key, b, WithTTL(r.ttl)); serr != nil {
			return nil, serr
		}
		return val, nil
	})
	if err != nil {
		r.layer.Recovery.ReportFailure(ctx, r.key, err)
		var zero T
		return Result[T]{Value: zero}, err
	}
	return Result[T]{Value: v.(T), FromCache: false, FetchedAt: time.Now()}, nil
}
