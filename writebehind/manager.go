package writebehind

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultStatusInterval = 30 * time.Second

// Flushable represents a processor that can be managed
type Flushable interface {
	ProcessLoop(ctx context.Context)
	Flush(ctx context.Context) error
	Size() int
	Name() string
	GetAndResetMetrics() QueueMetrics
}

// QueueManager runs the processors and flushes them in registration order
type QueueManager struct {
	mu     sync.RWMutex
	queues []Flushable
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusInterval time.Duration
}

// NewQueueManager creates a new queue manager. A non-positive
// statusInterval selects 30s.
func NewQueueManager(statusInterval time.Duration) *QueueManager {
	if statusInterval <= 0 {
		statusInterval = defaultStatusInterval
	}
	return &QueueManager{
		queues:         make([]Flushable, 0),
		statusInterval: statusInterval,
	}
}

// Register adds a processor to the manager
func (m *QueueManager) Register(queue Flushable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, queue)
}

// Start begins processing all registered queues
func (m *QueueManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	queues := m.queues
	m.mu.RUnlock()

	for _, q := range queues {
		m.wg.Add(1)
		go func(queue Flushable) {
			defer m.wg.Done()
			queue.ProcessLoop(m.ctx)
		}(q)
	}

	// Start status logging
	go m.statusLoop()

	log.Infof("Write-behind manager started with %d queues", len(queues))
}

// statusLoop periodically logs queue status
func (m *QueueManager) statusLoop() {
	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			var totalPending int
			var totalBatchCount, totalEntryCount int64
			var totalWriteTime, totalLatency float64
			var latencyCount int64

			for _, q := range m.queues {
				totalPending += q.Size()

				metrics := q.GetAndResetMetrics()
				totalBatchCount += metrics.BatchCount
				totalEntryCount += metrics.BatchEntryCount
				if metrics.BatchCount > 0 {
					totalWriteTime += metrics.BatchAvgWriteMs * float64(metrics.BatchCount)
				}
				if metrics.BatchEntryCount > 0 {
					totalLatency += metrics.BatchAvgLatencyMs * float64(metrics.BatchEntryCount)
					latencyCount += metrics.BatchEntryCount
				}
			}
			m.mu.RUnlock()

			if totalBatchCount == 0 && totalPending == 0 {
				continue
			}

			var avgWriteMs, avgLatencyMs float64
			if totalBatchCount > 0 {
				avgWriteMs = totalWriteTime / float64(totalBatchCount)
			}
			if latencyCount > 0 {
				avgLatencyMs = totalLatency / float64(latencyCount)
			}

			log.Infof("Write-behind: %d pending | %d entries in %d writes (avg write: %.1fms, avg latency: %.1fms)",
				totalPending, totalEntryCount, totalBatchCount, avgWriteMs, avgLatencyMs)
		}
	}
}

// Stop signals all queues to shutdown and waits for their final flush
func (m *QueueManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Info("Write-behind manager stopped")
}

// Flush forces all queues to flush immediately. Every queue is flushed even
// if an earlier one fails; the errors are joined.
func (m *QueueManager) Flush(ctx context.Context) error {
	m.mu.RLock()
	queues := m.queues
	m.mu.RUnlock()

	var errs []error
	for _, q := range queues {
		if size := q.Size(); size > 0 {
			log.Infof("Write-behind flushing %d %s entries", size, q.Name())
		}
		if err := q.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("Write-behind flush complete")
	return errors.Join(errs...)
}

// TotalSize returns the total number of pending entries across all queues
func (m *QueueManager) TotalSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, q := range m.queues {
		total += q.Size()
	}
	return total
}

var (
	_ Flushable = (*BatchProcessor)(nil)
	_ Flushable = (*StatsAccumulator)(nil)
)
