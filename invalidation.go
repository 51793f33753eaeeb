package tradecache

import (
	"context"

	"go.uber.org/zap"
)

// Cache key namespaces. Callers build keys with these helpers so the
// dependency map below stays the single source of truth for what a write
// touches.
const (
	nsAccounts  = "accounts:"
	nsTrades    = "trades:"
	nsProfile   = "profile:"
	nsAnalytics = "analytics:"
)

// AccountKey is the cache key for a user's account list.
func AccountKey(userID string) string { return nsAccounts + userID }

// TradeKey is the cache key for one trade page/query under a user.
func TradeKey(userID, suffix string) string { return nsTrades + userID + ":" + suffix }

// TradesPrefix covers every trade key under a user.
func TradesPrefix(userID string) string { return nsTrades + userID + ":" }

// ProfileKey is the cache key for a user's profile.
func ProfileKey(userID string) string { return nsProfile + userID }

// AnalyticsPrefix covers the derived analytics keys under a user.
func AnalyticsPrefix(userID string) string { return nsAnalytics + userID + ":" }

// Invalidator maps domain write operations onto the cache keys they make
// stale. The cross-entity dependency graph lives here, explicitly, instead
// of every write path guessing which keys to drop. Every method is a
// best-effort fire of Store.Invalidate calls and never fails.
type Invalidator struct {
	store *Store
	log   *zap.Logger
}

func NewInvalidator(store *Store, log *zap.Logger) *Invalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invalidator{store: store, log: log}
}

// AfterAccountOperation runs after creating, updating or deleting an
// account. Trades are denormalized by account, so every trade key under
// the user goes too.
func (iv *Invalidator) AfterAccountOperation(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	n := iv.store.Invalidate(ctx, AccountKey(userID))
	n += iv.store.Invalidate(ctx, TradesPrefix(userID))
	iv.log.Debug("invalidated after account operation",
		zap.String("user_id", userID),
		zap.Int("entries", n))
}

// AfterTradeOperation runs after a trade write. Analytics are derived from
// trades, so they go stale together; the profile does not.
func (iv *Invalidator) AfterTradeOperation(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	n := iv.store.Invalidate(ctx, TradesPrefix(userID))
	n += iv.store.Invalidate(ctx, AnalyticsPrefix(userID))
	iv.log.Debug("invalidated after trade operation",
		zap.String("user_id", userID),
		zap.Int("entries", n))
}

// AfterUserOperation runs after a profile write. Only the profile key
// depends on it.
func (iv *Invalidator) AfterUserOperation(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	n := iv.store.Invalidate(ctx, ProfileKey(userID))
	iv.log.Debug("invalidated after user operation",
		zap.String("user_id", userID),
		zap.Int("entries", n))
}
