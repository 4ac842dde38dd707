package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror persists cache entries to Redis so restarts begin warm.
// Keys are namespaced per tenant; oversized payloads are skipped.
type RedisMirror struct {
	client        *redis.Client
	namespace     string
	sizeThreshold int
	log           *slog.Logger
}

type mirrorEntry struct {
	Items     json.RawMessage `json:"items"`
	CachedAt  time.Time       `json:"cached_at"`
	TTLMillis int64           `json:"ttl_ms"`
}

// NewRedisMirror builds a mirror on an existing client. namespace is
// typically the customer id; sizeThreshold bounds persisted payload
// bytes (larger entries stay memory-only).
func NewRedisMirror(client *redis.Client, namespace string, sizeThreshold int, log *slog.Logger) *RedisMirror {
	if log == nil {
		log = slog.Default()
	}
	if sizeThreshold <= 0 {
		sizeThreshold = 256 * 1024
	}
	return &RedisMirror{
		client:        client,
		namespace:     namespace,
		sizeThreshold: sizeThreshold,
		log:           log,
	}
}

func (m *RedisMirror) redisKey(key string) string {
	return "telemetry:" + m.namespace + ":" + key
}

// Put persists an entry, skipping payloads above the size threshold.
func (m *RedisMirror) Put(ctx context.Context, key string, entry Entry) error {
	items, err := json.Marshal(entry.Items)
	if err != nil {
		return fmt.Errorf("marshal cache items: %w", err)
	}
	if len(items) > m.sizeThreshold {
		m.log.Info("skipping mirror persist, payload too large",
			"key", key, "bytes", len(items), "threshold", m.sizeThreshold)
		return nil
	}

	payload, err := json.Marshal(mirrorEntry{
		Items:     items,
		CachedAt:  entry.CachedAt,
		TTLMillis: entry.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal mirror entry: %w", err)
	}

	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return m.client.Set(ctx, m.redisKey(key), payload, ttl).Err()
}

// Delete removes one mirrored entry.
func (m *RedisMirror) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.redisKey(key)).Err()
}

// DeletePrefix removes every mirrored entry whose cache key starts
// with prefix (used for per-domain invalidation).
func (m *RedisMirror) DeletePrefix(ctx context.Context, prefix string) error {
	iter := m.client.Scan(ctx, 0, m.redisKey(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := m.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Load returns all surviving mirrored entries for this namespace.
func (m *RedisMirror) Load(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry)
	prefix := "telemetry:" + m.namespace + ":"

	iter := m.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		raw, err := m.client.Get(ctx, redisKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}

		var me mirrorEntry
		if err := json.Unmarshal(raw, &me); err != nil {
			m.log.Warn("dropping undecodable mirror entry", "key", redisKey, "error", err)
			continue
		}

		var entry Entry
		if err := json.Unmarshal(me.Items, &entry.Items); err != nil {
			m.log.Warn("dropping undecodable mirror items", "key", redisKey, "error", err)
			continue
		}
		entry.CachedAt = me.CachedAt
		entry.TTL = time.Duration(me.TTLMillis) * time.Millisecond
		entry.ExpiresAt = me.CachedAt.Add(entry.TTL)

		out[redisKey[len(prefix):]] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
