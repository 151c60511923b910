// package state_cache holds a short-lived snapshot of the full settings
// state so that bursts of reads cost a single backend fetch.
package state_cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"settingsync/backend"
	"settingsync/state"
	"settingsync/stats_collector"
)

const (
	DefaultFastTTL = 100 * time.Millisecond
	DefaultTTL     = 5 * time.Second

	snapshotKey = "state"
)

// Getter is the part of backend.Store the cache reads through.
type Getter interface {
	Get(ctx context.Context, defaults backend.Items) (backend.Items, error)
}

type cachedState struct {
	snapshot   state.State
	capturedAt time.Time
}

// StateCache serves reads from a snapshot that is considered fresh for
// FastTTL by fast readers and for TTL by everyone else.
type StateCache struct {
	store   Getter
	stats   stats_collector.StatsCollector
	fastTTL time.Duration
	ttl     time.Duration
	now     func() time.Time

	cache *ttlcache.Cache[string, cachedState]

	// generation is bumped by Invalidate so a load that raced with an
	// invalidation does not store what it read.
	mu         sync.Mutex
	generation uint64
}

type Options struct {
	FastTTL time.Duration
	TTL     time.Duration
}

// NewStateCache creates a cache reading from store. Non-positive ttls fall
// back to the defaults.
func NewStateCache(store Getter, stats stats_collector.StatsCollector, opts Options) *StateCache {
	if opts.FastTTL <= 0 {
		opts.FastTTL = DefaultFastTTL
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if stats == nil {
		stats = stats_collector.NewNoopStatsCollector()
	}
	return &StateCache{
		store:   store,
		stats:   stats,
		fastTTL: opts.FastTTL,
		ttl:     opts.TTL,
		now:     time.Now,
		cache: ttlcache.New[string, cachedState](
			ttlcache.WithTTL[string, cachedState](opts.TTL),
			ttlcache.WithDisableTouchOnHit[string, cachedState](),
		),
	}
}

// Read returns the state, failing open to the defaults if the backend
// cannot be read. The returned value is a copy owned by the caller.
func (c *StateCache) Read(ctx context.Context, fast bool) state.State {
	s, err := c.Load(ctx, fast)
	if err != nil {
		log.Warnf("Cache: backend read failed, serving defaults: %v", err)
		return state.Defaults()
	}
	return s
}

// Load is Read without the fallback. Callers about to compute a write from
// the result use this so they never persist values derived from defaults.
func (c *StateCache) Load(ctx context.Context, fast bool) (state.State, error) {
	maxAge := c.ttl
	if fast {
		maxAge = c.fastTTL
	}

	if item := c.cache.Get(snapshotKey); item != nil {
		cached := item.Value()
		if c.now().Sub(cached.capturedAt) < maxAge {
			c.stats.IncCacheLookups("hit")
			return cached.snapshot.Clone(), nil
		}
	}
	c.stats.IncCacheLookups("miss")

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	items, err := c.store.Get(ctx, state.DefaultItems())
	if err != nil {
		c.stats.IncStorageReads("error")
		c.stats.IncErrors("cache")
		return state.State{}, err
	}
	c.stats.IncStorageReads("ok")

	snapshot := state.FromItems(items)

	c.mu.Lock()
	if generation == c.generation {
		c.cache.Set(snapshotKey, cachedState{snapshot: snapshot, capturedAt: c.now()}, ttlcache.DefaultTTL)
	}
	c.mu.Unlock()
	log.Debugf("Cache: loaded state from backend")

	return snapshot.Clone(), nil
}

// Invalidate drops the snapshot so the next read goes to the backend.
func (c *StateCache) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.cache.Delete(snapshotKey)
	c.mu.Unlock()
}
