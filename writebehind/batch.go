package writebehind

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"settingsync/state"
	"settingsync/stats_collector"
)

const (
	DefaultBatchWindow         = 50 * time.Millisecond
	DefaultBatchSafetyInterval = 10 * time.Second
	batchSource                = "batch"
)

// BatchConfig holds configuration for a batch processor
type BatchConfig struct {
	Name           string
	Window         time.Duration // debounce before a flush
	SafetyInterval time.Duration // unconditional flush period
	Limiter        *SharedLimiter
	RateLimiter    *RateLimiter
	Store          Writer
	State          StateSource
	Stats          stats_collector.StatsCollector
}

// BatchProcessor coalesces writes per logical key and turns all keys
// pending at flush time into a single backend write.
type BatchProcessor struct {
	mu    sync.Mutex
	queue map[string]*PendingWrite
	seq   uint64
	timer *time.Timer
	// timerGen identifies the armed debounce timer. A timer that fired
	// after being replaced must not flush the newer batch early.
	timerGen uint64

	// flushMu serialises flushes; a flush triggered while another is in
	// flight waits for it.
	flushMu sync.Mutex

	name           string
	window         time.Duration
	safetyInterval time.Duration
	limiter        *SharedLimiter
	rate           *RateLimiter
	store          Writer
	state          StateSource
	stats          stats_collector.StatsCollector

	metricsMu sync.Mutex
	metrics   queueMetrics
}

// NewBatchProcessor creates a batch processor
func NewBatchProcessor(cfg BatchConfig) *BatchProcessor {
	if cfg.Name == "" {
		cfg.Name = batchSource
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBatchWindow
	}
	if cfg.SafetyInterval <= 0 {
		cfg.SafetyInterval = DefaultBatchSafetyInterval
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewSharedLimiter(1)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(0, 0)
	}
	if cfg.Stats == nil {
		cfg.Stats = stats_collector.NewNoopStatsCollector()
	}

	return &BatchProcessor{
		queue:          make(map[string]*PendingWrite),
		name:           cfg.Name,
		window:         cfg.Window,
		safetyInterval: cfg.SafetyInterval,
		limiter:        cfg.Limiter,
		rate:           cfg.RateLimiter,
		store:          cfg.Store,
		state:          cfg.State,
		stats:          cfg.Stats,
	}
}

// Submit queues producer under key. If key is already pending its producer
// is replaced. The returned channel receives exactly one value once the
// key has been flushed: nil on success, the flush error otherwise.
func (b *BatchProcessor) Submit(ctx context.Context, key string, producer Producer) <-chan error {
	return b.enqueue(ctx, key, producer, false)
}

// Amend is Submit for keys whose requests must all take effect. An already
// pending producer is kept and producer runs after it, on its result.
func (b *BatchProcessor) Amend(ctx context.Context, key string, producer Producer) <-chan error {
	return b.enqueue(ctx, key, producer, true)
}

func (b *BatchProcessor) enqueue(ctx context.Context, key string, producer Producer, compose bool) <-chan error {
	if !b.rate.Allow() {
		log.Warnf("Batch [%s] rate limit reached (%d writes in window), flushing before queuing", b.name, b.rate.Count())
		b.stats.IncRateLimitFlushes()
		// The forced flush writes other callers' entries too, so it must not
		// end with this caller's context.
		_ = b.Flush(context.WithoutCancel(ctx))
	}

	done := make(chan error, 1)
	now := time.Now()

	b.mu.Lock()
	if existing, ok := b.queue[key]; ok {
		if compose {
			existing.Producer = chain(existing.Producer, producer)
		} else {
			existing.Producer = producer
		}
		existing.Waiters = append(existing.Waiters, done)
		existing.Merged = true
		b.stats.IncCoalescedRequests(key)
		log.Debugf("Batch [%s] coalesced request for %s (%d waiting)", b.name, key, len(existing.Waiters))
	} else {
		b.seq++
		b.queue[key] = &PendingWrite{
			Key:      key,
			Producer: producer,
			Waiters:  []chan error{done},
			QueuedAt: now,
			seq:      b.seq,
			compose:  compose,
		}
	}
	b.armTimerLocked()
	depth := len(b.queue)
	b.mu.Unlock()

	b.stats.SetQueueDepth(b.name, depth)
	return done
}

// armTimerLocked starts the debounce timer unless one is armed. b.mu must be
// held.
func (b *BatchProcessor) armTimerLocked() {
	if b.timer != nil {
		return
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(b.window, func() {
		_ = b.flush(context.Background(), gen)
	})
}

// chain runs first and then second on first's result, merging both patches.
func chain(first, second Producer) Producer {
	return func(ctx context.Context, current state.State) (state.Patch, error) {
		patch, err := first(ctx, current)
		if err != nil {
			return state.Patch{}, err
		}
		next, err := second(ctx, patch.Apply(current))
		if err != nil {
			return state.Patch{}, err
		}
		return patch.Merge(next), nil
	}
}

// Flush writes everything queued so far with one backend write and resolves
// the waiters. It returns the write error, if any. ctx only bounds the wait
// for the write slot; once entries are being written the write runs to
// completion, since it carries every waiter's work.
func (b *BatchProcessor) Flush(ctx context.Context) error {
	return b.flush(ctx, 0)
}

// flush is Flush. A non-zero timerGen names the debounce timer that started
// it, and the flush is skipped if that timer is no longer the armed one.
func (b *BatchProcessor) flush(ctx context.Context, timerGen uint64) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if timerGen != 0 && (b.timer == nil || timerGen != b.timerGen) {
		b.mu.Unlock()
		log.Debugf("Batch [%s] skipping flush of a replaced timer", b.name)
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	entries := make([]*PendingWrite, 0, len(b.queue))
	for _, entry := range b.queue {
		entries = append(entries, entry)
	}
	b.queue = make(map[string]*PendingWrite)
	b.mu.Unlock()
	b.stats.SetQueueDepth(b.name, b.Size())

	slices.SortFunc(entries, func(x, y *PendingWrite) int {
		return cmp.Compare(x.seq, y.seq)
	})

	if n := b.limiter.InFlight(); n > 0 {
		log.Debugf("Batch [%s] waiting for %d in-flight write(s)", b.name, n)
	}
	if err := b.limiter.Acquire(ctx); err != nil {
		// Context cancelled, re-queue entries
		b.requeue(entries)
		return err
	}
	defer b.limiter.Release()

	return b.write(context.WithoutCancel(ctx), entries)
}

// requeue puts entries back after a cancelled flush. An entry queued in the
// meantime for the same key inherits the waiters and, for amended keys, runs
// after the requeued producer.
func (b *BatchProcessor) requeue(entries []*PendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		if newer, ok := b.queue[entry.Key]; ok {
			if newer.compose {
				newer.Producer = chain(entry.Producer, newer.Producer)
			}
			newer.Waiters = append(entry.Waiters, newer.Waiters...)
			newer.seq = entry.seq
			newer.QueuedAt = entry.QueuedAt
			newer.Merged = true
			continue
		}
		b.queue[entry.Key] = entry
	}
	b.armTimerLocked()
}

func (b *BatchProcessor) write(ctx context.Context, entries []*PendingWrite) error {
	base, err := b.state.Load(ctx, true)
	if err != nil {
		b.stats.IncErrors(b.name)
		log.Errorf("Batch [%s] unable to read current state (%d entries): %v", b.name, len(entries), err)
		for _, entry := range entries {
			entry.resolve(err)
		}
		return err
	}

	current := base
	var combined state.Patch
	applied := make([]*PendingWrite, 0, len(entries))
	for _, entry := range entries {
		patch, err := entry.Producer(ctx, current.Clone())
		if err != nil {
			b.stats.IncErrors(b.name)
			log.Warnf("Batch [%s] producer for %s failed: %v", b.name, entry.Key, err)
			entry.resolve(err)
			continue
		}
		current = patch.Apply(current)
		combined = combined.Merge(patch)
		applied = append(applied, entry)
	}

	if len(applied) == 0 {
		return nil
	}
	if combined.Empty() {
		for _, entry := range applied {
			entry.resolve(nil)
		}
		return nil
	}

	items := combined.ItemsOver(base)
	start := time.Now()
	err = b.store.Set(ctx, items)
	writeTime := time.Since(start)

	if err != nil {
		b.stats.IncStorageWrites(b.name, "error")
		b.stats.IncErrors(b.name)
		log.Errorf("Batch [%s] write error (%d entries, keys %v): %v", b.name, len(applied), items.Keys(), err)
		for _, entry := range applied {
			entry.resolve(err)
		}
		return err
	}

	b.state.Invalidate()
	b.rate.Record()

	b.stats.IncStorageWrites(b.name, "ok")
	b.stats.AddBatchedRequests(len(applied))
	b.stats.ObserveWriteLatency(b.name, writeTime)
	log.Debugf("Batch [%s] wrote %d entries (%v) in %.1fms", b.name, len(applied), items.Keys(), float64(writeTime.Microseconds())/1000)

	now := time.Now()
	b.metricsMu.Lock()
	b.metrics.batchCount++
	b.metrics.batchEntryCount += int64(len(applied))
	b.metrics.batchWriteTime += writeTime.Seconds()
	for _, entry := range applied {
		b.metrics.batchLatency += now.Sub(entry.QueuedAt).Seconds()
		b.metrics.batchLatencyCount++
	}
	b.metricsMu.Unlock()

	for _, entry := range applied {
		entry.resolve(nil)
	}
	return nil
}

// ProcessLoop runs the safety flush until ctx is cancelled, then flushes
// whatever is left. Should be called in a goroutine
func (b *BatchProcessor) ProcessLoop(ctx context.Context) {
	ticker := time.NewTicker(b.safetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("Batch [%s] shutting down, flushing...", b.name)
			_ = b.Flush(context.Background())
			return
		case <-ticker.C:
			// Not ctx: a shutdown must not cancel a write in flight.
			_ = b.Flush(context.Background())
		}
	}
}

// Size returns the number of pending keys
func (b *BatchProcessor) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Pending reports whether key is queued
func (b *BatchProcessor) Pending(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queue[key]
	return ok
}

// GetAndResetMetrics returns metrics then resets counters
func (b *BatchProcessor) GetAndResetMetrics() QueueMetrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics.getAndReset()
}

// Name returns the processor name
func (b *BatchProcessor) Name() string {
	return b.name
}
