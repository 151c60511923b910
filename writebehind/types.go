package writebehind

import (
	"context"
	"time"

	"settingsync/backend"
	"settingsync/state"
)

// Producer computes a patch from the state it is given. In a flush each
// producer sees the stored state with the patches of earlier producers
// already applied.
type Producer func(ctx context.Context, current state.State) (state.Patch, error)

// Writer is the physical write path, normally a backend.Store.
type Writer interface {
	Set(ctx context.Context, items backend.Items) error
}

// StateSource is the read side writes are computed from.
type StateSource interface {
	// Load must return an error rather than defaults when the backend
	// cannot be read.
	Load(ctx context.Context, fast bool) (state.State, error)
	Invalidate()
}

// PendingWrite is the queued work for one logical key.
type PendingWrite struct {
	Key      string
	Producer Producer
	Waiters  []chan error
	Merged   bool // a later request was folded into this entry
	QueuedAt time.Time

	seq     uint64 // submission order of the first request
	compose bool   // queued with Amend
}

func (p *PendingWrite) resolve(err error) {
	for _, waiter := range p.Waiters {
		waiter <- err
	}
	p.Waiters = nil
}

// QueueMetrics holds the flush metrics of a queue since the last reset
type QueueMetrics struct {
	BatchCount        int64
	BatchEntryCount   int64
	BatchAvgWriteMs   float64
	BatchAvgLatencyMs float64
}

// queueMetrics accumulates QueueMetrics. Callers hold their own lock.
type queueMetrics struct {
	batchCount        int64
	batchEntryCount   int64
	batchWriteTime    float64
	batchLatency      float64
	batchLatencyCount int64
}

func (m *queueMetrics) getAndReset() QueueMetrics {
	var batchAvgWrite, batchAvgLatency float64
	if m.batchCount > 0 {
		batchAvgWrite = (m.batchWriteTime / float64(m.batchCount)) * 1000
	}
	if m.batchLatencyCount > 0 {
		batchAvgLatency = (m.batchLatency / float64(m.batchLatencyCount)) * 1000
	}

	metrics := QueueMetrics{
		BatchCount:        m.batchCount,
		BatchEntryCount:   m.batchEntryCount,
		BatchAvgWriteMs:   batchAvgWrite,
		BatchAvgLatencyMs: batchAvgLatency,
	}
	*m = queueMetrics{}
	return metrics
}
