package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marketlens/marketlens/internal/types"
)

// Cache is the key-value capability used for resolution entries and
// distributed locks. Implementations are injected at composition time.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Locker
}

// MemoryCache is an in-process Cache with TTL expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries["lock:"+key]
	if ok && (e.expiresAt.IsZero() || c.now().Before(e.expiresAt)) {
		return false, nil
	}
	c.entries["lock:"+key] = memoryEntry{value: "1", expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *MemoryCache) ReleaseLock(ctx context.Context, key string) error {
	return c.Delete(ctx, "lock:"+key)
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// ResolutionCache stores competitor -> project resolution entries with
// confidence-scaled TTLs on top of a Cache.
type ResolutionCache struct {
	cache Cache
	ttl   time.Duration
}

// NewResolutionCache wraps a cache with the configured base TTL.
func NewResolutionCache(cache Cache, ttl time.Duration) *ResolutionCache {
	return &ResolutionCache{cache: cache, ttl: ttl}
}

func resolutionKey(competitorID string) string {
	return "resolution:" + competitorID
}

// Put stores a resolution entry. Low-confidence entries expire at half the
// base TTL so they get re-derived sooner.
func (r *ResolutionCache) Put(ctx context.Context, e types.ResolutionEntry) error {
	e.ResolvedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode resolution entry: %w", err)
	}
	ttl := r.ttl
	if e.Confidence == types.ConfidenceLow {
		ttl = r.ttl / 2
	}
	return r.cache.Set(ctx, resolutionKey(e.CompetitorID), string(data), ttl)
}

// Get returns the cached entry for a competitor, if present and unexpired.
func (r *ResolutionCache) Get(ctx context.Context, competitorID string) (*types.ResolutionEntry, error) {
	raw, ok, err := r.cache.Get(ctx, resolutionKey(competitorID))
	if err != nil || !ok {
		return nil, err
	}
	var e types.ResolutionEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode resolution entry: %w", err)
	}
	return &e, nil
}
