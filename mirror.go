package tradecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror is the durable copy of the in-memory store. It is strictly
// best-effort: the in-memory store stays authoritative for the session, and
// every mirror failure is logged and swallowed by the caller. Entries live
// under a namespace prefix so ClearAll can wipe one user's data without
// touching anyone else's.
type Mirror struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

// mirrorEntry is the wire form of an Entry. Creation time, TTL and store
// version ride along so a read-through can re-validate the entry exactly as
// if it had never left memory.
type mirrorEntry struct {
	Value        json.RawMessage `json:"value"`
	CreatedAt    time.Time       `json:"created_at"`
	TTLMillis    int64           `json:"ttl_ms"`
	StoreVersion uint64          `json:"store_version"`
}

func NewMirror(rdb *redis.Client, prefix string, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{rdb: rdb, prefix: prefix, log: log}
}

func (m *Mirror) fullKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + ":" + key
}

// Ping doubles as the default canary probe: cheap and side-effect-free.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Get loads one entry. A missing key returns (zero, false, nil).
func (m *Mirror) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := m.rdb.Get(ctx, m.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("mirror get: %w", err)
	}
	var me mirrorEntry
	if err := json.Unmarshal(raw, &me); err != nil {
		return Entry{}, false, fmt.Errorf("mirror unmarshal: %w", err)
	}
	return Entry{
		Key:          key,
		Value:        []byte(me.Value),
		CreatedAt:    me.CreatedAt,
		TTL:          time.Duration(me.TTLMillis) * time.Millisecond,
		StoreVersion: me.StoreVersion,
	}, true, nil
}

// Set persists one entry with Redis-side expiry matching its remaining TTL.
// Entries whose TTL already lapsed are not written.
func (m *Mirror) Set(ctx context.Context, ent Entry) error {
	remaining := time.Until(ent.CreatedAt.Add(ent.TTL))
	if remaining <= 0 {
		return nil
	}
	b, err := json.Marshal(mirrorEntry{
		Value:        json.RawMessage(ent.Value),
		CreatedAt:    ent.CreatedAt,
		TTLMillis:    ent.TTL.Milliseconds(),
		StoreVersion: ent.StoreVersion,
	})
	if err != nil {
		return fmt.Errorf("mirror marshal: %w", err)
	}
	if err := m.rdb.Set(ctx, m.fullKey(ent.Key), b, remaining).Err(); err != nil {
		return fmt.Errorf("mirror set: %w", err)
	}
	return nil
}

// Delete removes the given logical keys from the mirror.
func (m *Mirror) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.fullKey(k)
	}
	if err := m.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("mirror delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every mirrored key under the given logical prefix
// using SCAN, never KEYS, so a large namespace cannot stall the server.
func (m *Mirror) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := m.fullKey(prefix) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("mirror scan: %w", err)
		}
		if len(keys) > 0 {
			if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("mirror delete: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Flush wipes the whole namespace.
func (m *Mirror) Flush(ctx context.Context) (int, error) {
	return m.DeletePrefix(ctx, "")
}
