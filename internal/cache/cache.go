// Package cache keeps the last value fetched for each resource of a mower and
// collapses concurrent fetches of the same resource into one request.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/micro-ha/indego-sync/internal/clock"
	"github.com/micro-ha/indego-sync/internal/model"
)

// Fetcher loads a fresh value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Entry is one cached value.
type Entry struct {
	Key       model.ResourceKey
	Value     any
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is younger than its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// EntryInfo is the diagnostics view of an entry.
type EntryInfo struct {
	Key       model.ResourceKey `json:"key"`
	FetchedAt time.Time         `json:"fetched_at"`
	TTL       time.Duration     `json:"ttl"`
	Fresh     bool              `json:"fresh"`
}

type Cache struct {
	clock      clock.Clock
	ttls       map[model.ResourceKey]time.Duration
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[model.ResourceKey]Entry
	group   singleflight.Group
}

// New builds a cache with per-key TTLs. Keys missing from ttls use defaultTTL.
func New(clk clock.Clock, ttls map[model.ResourceKey]time.Duration, defaultTTL time.Duration) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	copied := make(map[model.ResourceKey]time.Duration, len(ttls))
	for k, v := range ttls {
		copied[k] = v
	}
	if defaultTTL <= 0 {
		defaultTTL = model.DefaultTTL
	}
	return &Cache{
		clock:      clk,
		ttls:       copied,
		defaultTTL: defaultTTL,
		entries:    make(map[model.ResourceKey]Entry),
	}
}

// TTL returns the freshness window applied to key.
func (c *Cache) TTL(key model.ResourceKey) time.Duration {
	if ttl, ok := c.ttls[key]; ok {
		return ttl
	}
	return c.defaultTTL
}

// GetOrRefresh returns the cached value while it is fresh and force is false.
// Otherwise it fetches, joining an in-flight fetch of the same key when there
// is one. Failed or cancelled fetches leave the previous entry in place.
func (c *Cache) GetOrRefresh(ctx context.Context, key model.ResourceKey, force bool, fetch Fetcher) (any, error) {
	if !force {
		if value, ok := c.fresh(key); ok {
			return value, nil
		}
	}
	ch := c.group.DoChan(string(key), func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.Put(key, value)
		return value, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) fresh(key model.ResourceKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || !entry.Fresh(c.clock.Now()) {
		return nil, false
	}
	return entry.Value, true
}

// Put stores value as freshly fetched.
func (c *Cache) Put(key model.ResourceKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Key: key, Value: value, FetchedAt: c.clock.Now(), TTL: c.TTL(key)}
}

// Invalidate marks key stale. The value stays available to Peek.
func (c *Cache) Invalidate(key model.ResourceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.TTL = 0
		c.entries[key] = entry
	}
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		entry.TTL = 0
		c.entries[key] = entry
	}
}

// Peek returns the stored entry without fetching, fresh or not.
func (c *Cache) Peek(key model.ResourceKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) Snapshot() []EntryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, EntryInfo{Key: entry.Key, FetchedAt: entry.FetchedAt, TTL: entry.TTL, Fresh: entry.Fresh(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
