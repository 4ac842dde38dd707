// Package cache implements the TTL store hydration results live in,
// with an optional persisted mirror for warm restarts.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meterboard/telemetry/internal/telemetry"
)

// Entry is one cached result.
type Entry struct {
	Items     []telemetry.DeviceTotal
	CachedAt  time.Time
	TTL       time.Duration
	ExpiresAt time.Time
}

// Mirror is a persisted key-value copy of the store, used to survive
// restarts. Implementations must be safe for concurrent use.
type Mirror interface {
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Load(ctx context.Context) (map[string]Entry, error)
}

// Config holds store tuning.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *slog.Logger
}

// Store is the in-memory TTL cache. Reads take only the read lock
// unless they find a dead entry to remove.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry

	ttl        time.Duration
	maxEntries int
	mirror     Mirror
	log        *slog.Logger
}

// NewStore builds a store. mirror may be nil for memory-only operation.
func NewStore(cfg Config, mirror Mirror) *Store {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	max := cfg.MaxEntries
	if max <= 0 {
		max = 256
	}
	return &Store{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		maxEntries: max,
		mirror:     mirror,
		log:        log,
	}
}

// Read returns the entry for key if it exists, holds items, and is
// still fresh. Any failed check deletes the entry (and its mirrored
// copy) and reports a miss.
func (s *Store) Read(ctx context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}
	if len(entry.Items) == 0 || time.Since(entry.CachedAt) >= entry.TTL {
		s.Invalidate(ctx, key)
		return Entry{}, false
	}
	return entry, true
}

// Write stores items under key. Empty item sets are refused: an empty
// result means "no data yet", and caching it would poison later reads.
func (s *Store) Write(ctx context.Context, key string, items []telemetry.DeviceTotal) {
	if len(items) == 0 {
		s.log.Warn("refusing to cache empty result", "key", key)
		return
	}

	now := time.Now()
	entry := Entry{
		Items:     items,
		CachedAt:  now,
		TTL:       s.ttl,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.entries[key] = entry
	evicted := s.evictOverflowLocked()
	s.mu.Unlock()

	for _, k := range evicted {
		s.log.Debug("evicted oldest cache entry", "key", k)
		s.mirrorDelete(ctx, k)
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, key, entry); err != nil {
			s.log.Warn("cache mirror write failed", "key", key, "error", err)
		}
	}
}

// evictOverflowLocked removes oldest entries until size fits. Caller
// holds the write lock.
func (s *Store) evictOverflowLocked() []string {
	var evicted []string
	for len(s.entries) > s.maxEntries {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range s.entries {
			if oldestKey == "" || e.CachedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.CachedAt
			}
		}
		delete(s.entries, oldestKey)
		evicted = append(evicted, oldestKey)
	}
	return evicted
}

// Invalidate removes one entry and its mirrored copy.
func (s *Store) Invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.mirrorDelete(ctx, key)
}

// InvalidateDomain removes every entry for the domain.
func (s *Store) InvalidateDomain(ctx context.Context, domain telemetry.Domain) {
	prefix := string(domain) + "|"

	s.mu.Lock()
	for k := range s.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.DeletePrefix(ctx, prefix); err != nil {
			s.log.Warn("cache mirror prefix delete failed", "domain", domain, "error", err)
		}
	}
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of current keys, for diagnostics.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// WarmFrom seeds the store from the mirror. Expired and empty entries
// are skipped.
func (s *Store) WarmFrom(ctx context.Context) int {
	if s.mirror == nil {
		return 0
	}
	loaded, err := s.mirror.Load(ctx)
	if err != nil {
		s.log.Warn("cache mirror warm load failed", "error", err)
		return 0
	}

	count := 0
	s.mu.Lock()
	for k, e := range loaded {
		if len(e.Items) == 0 || time.Since(e.CachedAt) >= e.TTL {
			continue
		}
		s.entries[k] = e
		count++
	}
	s.mu.Unlock()

	if count > 0 {
		s.log.Info("warmed cache from mirror", "entries", count)
	}
	return count
}

// Sweep removes expired entries from memory and mirror. Returns the
// number of entries removed.
func (s *Store) Sweep(ctx context.Context) int {
	var dead []string

	s.mu.Lock()
	for k, e := range s.entries {
		if time.Since(e.CachedAt) >= e.TTL {
			delete(s.entries, k)
			dead = append(dead, k)
		}
	}
	s.mu.Unlock()

	for _, k := range dead {
		s.mirrorDelete(ctx, k)
	}
	if len(dead) > 0 {
		s.log.Debug("swept expired cache entries", "count", len(dead))
	}
	return len(dead)
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) mirrorDelete(ctx context.Context, key string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(ctx, key); err != nil {
		s.log.Warn("cache mirror delete failed", "key", key, "error", err)
	}
}
