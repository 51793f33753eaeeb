package tradecache

import (
	"errors"
	"fmt"
	"time"
)

// FailureReason is the coarse classification surfaced to the fallback prompt.
// The UI translates these to friendly messages; raw error text never leaves
// the resilience layer.
type FailureReason string

const (
	ReasonCacheCorruption FailureReason = "cache_corruption"
	ReasonTimeout         FailureReason = "timeout"
	ReasonNetwork         FailureReason = "network_error"
	ReasonAuth            FailureReason = "auth_error"
)

// ErrCacheMiss is returned by Store reads when no live entry exists.
var ErrCacheMiss = errors.New("cache miss")

// ErrEmptyKey is returned when a caller passes an empty cache key.
var ErrEmptyKey = errors.New("cache key must not be empty")

// ErrNoStrategy is returned by QueueRefresh when no registered strategy
// matches the key.
var ErrNoStrategy = errors.New("no refresh strategy matches key")

// TimeoutError means a monitored operation exceeded its time budget. The
// underlying operation is not cancelled, only abandoned; its eventual
// outcome is discarded.
type TimeoutError struct {
	Operation string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Operation, e.Budget)
}

// NetworkError wraps a transport-level failure surfaced by the underlying
// fetch.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("operation %q network failure: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CorruptionError is synthesized internally when a key crosses the
// corruption threshold.
type CorruptionError struct {
	Key      string
	Failures int
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("key %q corrupted after %d recent failures", e.Key, e.Failures)
}

// AuthError means the remote service rejected our credentials. It bypasses
// the retry path entirely: retrying with stale credentials cannot succeed.
type AuthError struct {
	Operation string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("operation %q authentication failure: %v", e.Operation, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// reasonForError maps an operation error onto the fallback reason enum.
func reasonForError(err error) FailureReason {
	switch {
	case IsAuthError(err):
		return ReasonAuth
	case IsTimeout(err):
		return ReasonTimeout
	default:
		var ce *CorruptionError
		if errors.As(err, &ce) {
			return ReasonCacheCorruption
		}
		return ReasonNetwork
	}
}
