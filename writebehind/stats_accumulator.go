package writebehind

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"settingsync/state"
	"settingsync/stats_collector"
)

const (
	DefaultStatsDebounce       = time.Second
	DefaultStatsSafetyInterval = 30 * time.Second
	statsSource                = "stats"
)

type StatKind string

const (
	StatBlocked StatKind = "blocked"
	StatAllowed StatKind = "allowed"
)

// ParseStatKind maps a caller supplied counter name onto a StatKind
func ParseStatKind(name string) (StatKind, error) {
	switch StatKind(name) {
	case StatBlocked, StatAllowed:
		return StatKind(name), nil
	}
	return "", fmt.Errorf("unknown stat kind %q", name)
}

// PendingStats holds increments not yet written to the backend
type PendingStats struct {
	Blocked int64
	Allowed int64
}

func (p PendingStats) IsZero() bool {
	return p.Blocked == 0 && p.Allowed == 0
}

// Size is the total number of pending increments
func (p PendingStats) Size() int {
	return int(p.Blocked + p.Allowed)
}

// StatsConfig holds configuration for a stats accumulator
type StatsConfig struct {
	Name           string
	Debounce       time.Duration
	SafetyInterval time.Duration
	Limiter        *SharedLimiter
	RateLimiter    *RateLimiter
	Store          Writer
	State          StateSource
	Stats          stats_collector.StatsCollector
}

// StatsAccumulator collects counter increments in memory and writes the
// resulting absolute totals in batches
type StatsAccumulator struct {
	mu      sync.Mutex
	pending PendingStats
	oldest  time.Time // first increment not yet flushed
	timer   *time.Timer

	flushMu sync.Mutex

	name           string
	debounce       time.Duration
	safetyInterval time.Duration
	limiter        *SharedLimiter
	rate           *RateLimiter
	store          Writer
	state          StateSource
	stats          stats_collector.StatsCollector

	metricsMu sync.Mutex
	metrics   queueMetrics
}

// NewStatsAccumulator creates a new stats accumulator
func NewStatsAccumulator(cfg StatsConfig) *StatsAccumulator {
	if cfg.Name == "" {
		cfg.Name = statsSource
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultStatsDebounce
	}
	if cfg.SafetyInterval <= 0 {
		cfg.SafetyInterval = DefaultStatsSafetyInterval
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

	return &StatsAccumulator{
		name:           cfg.Name,
		debounce:       cfg.Debounce,
		safetyInterval: cfg.SafetyInterval,
		limiter:        cfg.Limiter,
		rate:           cfg.RateLimiter,
		store:          cfg.Store,
		state:          cfg.State,
		stats:          cfg.Stats,
	}
}

// Increment adds one to the pending delta of kind. It never touches the
// backend.
func (a *StatsAccumulator) Increment(kind StatKind) error {
	a.mu.Lock()
	switch kind {
	case StatBlocked:
		a.pending.Blocked++
	case StatAllowed:
		a.pending.Allowed++
	default:
		a.mu.Unlock()
		return fmt.Errorf("unknown stat kind %q", kind)
	}
	if a.oldest.IsZero() {
		a.oldest = time.Now()
	}
	size := a.pending.Size()
	a.mu.Unlock()

	a.stats.SetQueueDepth(a.name, size)
	return nil
}

// ScheduleFlush arms the debounce timer unless it is already armed
func (a *StatsAccumulator) ScheduleFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(a.debounce, func() {
		_ = a.Flush(context.Background())
	})
}

// Pending returns the increments not yet written
func (a *StatsAccumulator) Pending() PendingStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Flush adds the pending deltas to the stored totals. On success exactly
// the flushed deltas are subtracted, so increments made meanwhile are kept.
// On failure nothing is subtracted.
func (a *StatsAccumulator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	deltas := a.pending
	oldest := a.oldest
	a.mu.Unlock()

	if deltas.IsZero() {
		return nil
	}

	if err := a.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer a.limiter.Release()
	ctx = context.WithoutCancel(ctx)

	current, err := a.state.Load(ctx, true)
	if err != nil {
		a.stats.IncErrors(a.name)
		log.Warnf("Stats flush: unable to read current totals, keeping %d pending: %v", deltas.Size(), err)
		return err
	}

	totals := state.Stats{
		Blocked: current.Stats.Blocked + deltas.Blocked,
		Allowed: current.Stats.Allowed + deltas.Allowed,
	}

	start := time.Now()
	err = a.store.Set(ctx, state.Patch{Stats: state.StatsPatchOf(totals)}.Items())
	writeTime := time.Since(start)
	if err != nil {
		a.stats.IncStorageWrites(a.name, "error")
		a.stats.IncErrors(a.name)
		log.Errorf("Stats flush failed, keeping %d pending: %v", deltas.Size(), err)
		return err
	}

	a.state.Invalidate()
	a.rate.Record()

	a.mu.Lock()
	a.pending.Blocked -= deltas.Blocked
	a.pending.Allowed -= deltas.Allowed
	if a.pending.IsZero() {
		a.oldest = time.Time{}
	}
	size := a.pending.Size()
	a.mu.Unlock()

	a.stats.IncStorageWrites(a.name, "ok")
	a.stats.ObserveWriteLatency(a.name, writeTime)
	a.stats.SetQueueDepth(a.name, size)
	log.Debugf("Stats flush: +%d blocked +%d allowed (totals %d/%d)", deltas.Blocked, deltas.Allowed, totals.Blocked, totals.Allowed)

	a.metricsMu.Lock()
	a.metrics.batchCount++
	a.metrics.batchEntryCount += int64(deltas.Size())
	a.metrics.batchWriteTime += writeTime.Seconds()
	if !oldest.IsZero() {
		a.metrics.batchLatency += time.Since(oldest).Seconds()
		a.metrics.batchLatencyCount++
	}
	a.metricsMu.Unlock()

	return nil
}

// ProcessLoop runs the safety flush until ctx is cancelled, then flushes
// what is left. Should be called in a goroutine
func (a *StatsAccumulator) ProcessLoop(ctx context.Context) {
	ticker := time.NewTicker(a.safetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(context.Background()); err != nil {
				log.Errorf("Stats accumulator final flush failed: %v", err)
			}
			log.Info("Stats accumulator stopped")
			return
		case <-ticker.C:
			_ = a.Flush(context.Background())
		}
	}
}

// Size returns the number of pending increments
func (a *StatsAccumulator) Size() int {
	return a.Pending().Size()
}

// GetAndResetMetrics returns metrics then resets counters
func (a *StatsAccumulator) GetAndResetMetrics() QueueMetrics {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	return a.metrics.getAndReset()
}

// Name returns the accumulator name
func (a *StatsAccumulator) Name() string {
	return a.name
}
