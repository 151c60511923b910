// Package coordinator owns the single set of sync components and routes
// caller intents to them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"settingsync/backend"
	"settingsync/state"
	"settingsync/state_cache"
	"settingsync/stats_collector"
	"settingsync/webhooks"
	"settingsync/writebehind"
)

// ErrInvalidRequest marks caller mistakes such as an unknown counter kind or
// an empty channel. It is always wrapped with detail.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Notifier delivers messages to listeners.
type Notifier interface {
	AddMessage(whType webhooks.WebhookType, message any)
}

type Options struct {
	// Store is the raw backend. It is wrapped in a backend.QuotaGuard.
	Store    backend.Store
	Stats    stats_collector.StatsCollector
	Notifier Notifier
	// NotifyOnChange re-broadcasts backend change notifications to the
	// listeners.
	NotifyOnChange bool
	// QuotaBytes is reported by StorageUsage.
	QuotaBytes int

	Cache state_cache.Options

	BatchWindow         time.Duration
	BatchSafetyInterval time.Duration
	MaxWritesPerWindow  int
	RateWindow          time.Duration

	StatsDebounce       time.Duration
	StatsSafetyInterval time.Duration

	StatusInterval time.Duration
}

type Coordinator struct {
	store    backend.Store
	counters *stats_collector.Counters
	cache    *state_cache.StateCache
	rate     *writebehind.RateLimiter
	limiter  *writebehind.SharedLimiter
	batch    *writebehind.BatchProcessor
	stats    *writebehind.StatsAccumulator
	queues   *writebehind.QueueManager

	notifier       Notifier
	notifyOnChange bool
	quotaBytes     int

	lifecycleMu sync.Mutex
	started     bool
	unsubscribe func()
}

func New(opts Options) *Coordinator {
	if opts.Store == nil {
		opts.Store = backend.NewMemory("sync", backend.DefaultQuota())
	}
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = backend.DefaultQuotaBytes
	}

	counters := stats_collector.NewCounters(opts.Stats)
	store := backend.NewQuotaGuard(opts.Store, state.EssentialKeys, counters.AddQuotaCleanup)
	cache := state_cache.NewStateCache(store, counters, opts.Cache)
	rate := writebehind.NewRateLimiter(opts.MaxWritesPerWindow, opts.RateWindow)
	limiter := writebehind.NewSharedLimiter(1)

	batch := writebehind.NewBatchProcessor(writebehind.BatchConfig{
		Name:           "batch",
		Window:         opts.BatchWindow,
		SafetyInterval: opts.BatchSafetyInterval,
		Limiter:        limiter,
		RateLimiter:    rate,
		Store:          store,
		State:          cache,
		Stats:          counters,
	})
	stats := writebehind.NewStatsAccumulator(writebehind.StatsConfig{
		Name:           "stats",
		Debounce:       opts.StatsDebounce,
		SafetyInterval: opts.StatsSafetyInterval,
		Limiter:        limiter,
		RateLimiter:    rate,
		Store:          store,
		State:          cache,
		Stats:          counters,
	})

	queues := writebehind.NewQueueManager(opts.StatusInterval)
	queues.Register(batch)
	queues.Register(stats)

	return &Coordinator{
		store:          store,
		counters:       counters,
		cache:          cache,
		rate:           rate,
		limiter:        limiter,
		batch:          batch,
		stats:          stats,
		queues:         queues,
		notifier:       opts.Notifier,
		notifyOnChange: opts.NotifyOnChange,
		quotaBytes:     opts.QuotaBytes,
	}
}

// Start subscribes to backend changes and starts the safety timers.
func (c *Coordinator) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.unsubscribe = c.store.Subscribe(c.onChange)
	c.queues.Start(ctx)
	log.Infof("Coordinator started (namespace %s, rate limit %d writes/window)", c.store.Namespace(), c.rate.Ceiling())
}

// Stop runs the final flushes and detaches from the backend. The backend
// itself is left open.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.queues.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Suspend flushes pending writes and stats synchronously.
func (c *Coordinator) Suspend(ctx context.Context) error {
	pending := c.queues.TotalSize()
	err := c.flush(ctx)
	log.Infof("SUSPEND: Flushed %d pending writes", pending)
	return err
}

func (c *Coordinator) flush(ctx context.Context) error {
	err := c.queues.Flush(ctx)
	if err != nil {
		c.counters.IncErrors("coordinator")
		sentry.CaptureException(err)
	}
	return err
}

func (c *Coordinator) onChange(change backend.Change) {
	if change.Namespace != c.store.Namespace() {
		return
	}
	log.Debugf("STORAGE: Storage changed: %s", strings.Join(change.Keys, ", "))
	c.cache.Invalidate()

	if c.notifyOnChange && c.notifier != nil {
		c.notifier.AddMessage(webhooks.StateChanged, change)
	}
}

// await blocks until the queued write resolves or ctx ends. A write whose
// caller gave up is still applied.
func await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
