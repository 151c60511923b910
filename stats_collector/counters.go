package stats_collector

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxWriteLatencies bounds the latency history kept for the debug endpoint.
const maxWriteLatencies = 100

// Metrics is a point-in-time copy of the in-process counters.
type Metrics struct {
	StorageWrites     int64     `json:"storageWrites"`
	StorageReads      int64     `json:"storageReads"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	Errors            int64     `json:"errors"`
	CoalescedRequests int64     `json:"coalescedRequests"`
	BatchedWrites     int64     `json:"batchedWrites"`
	CacheHits         int64     `json:"cacheHits"`
	LastWriteTime     *int64    `json:"lastWriteTime"`
	WriteLatencies    []float64 `json:"writeLatencies"`
}

var _ StatsCollector = (*Counters)(nil)

// Counters forwards to another StatsCollector while keeping its own
// resettable counters for the debug metrics endpoint.
type Counters struct {
	next StatsCollector

	storageWrites     atomic.Int64
	storageReads      atomic.Int64
	messagesProcessed atomic.Int64
	errors            atomic.Int64
	coalescedRequests atomic.Int64
	batchedWrites     atomic.Int64
	cacheHits         atomic.Int64

	mu             sync.Mutex
	lastWriteTime  time.Time
	writeLatencies []float64
}

func NewCounters(next StatsCollector) *Counters {
	if next == nil {
		next = NewNoopStatsCollector()
	}
	return &Counters{next: next}
}

func (c *Counters) IncStorageReads(status string) {
	c.storageReads.Add(1)
	c.next.IncStorageReads(status)
}

func (c *Counters) IncStorageWrites(source, status string) {
	if status == "ok" {
		c.storageWrites.Add(1)
		if source == "batch" {
			c.batchedWrites.Add(1)
		}
		c.mu.Lock()
		c.lastWriteTime = time.Now()
		c.mu.Unlock()
	}
	c.next.IncStorageWrites(source, status)
}

func (c *Counters) ObserveWriteLatency(source string, duration time.Duration) {
	c.mu.Lock()
	c.writeLatencies = append(c.writeLatencies, float64(duration.Microseconds())/1000)
	if excess := len(c.writeLatencies) - maxWriteLatencies; excess > 0 {
		c.writeLatencies = append(c.writeLatencies[:0], c.writeLatencies[excess:]...)
	}
	c.mu.Unlock()
	c.next.ObserveWriteLatency(source, duration)
}

func (c *Counters) IncCoalescedRequests(key string) {
	c.coalescedRequests.Add(1)
	c.next.IncCoalescedRequests(key)
}

func (c *Counters) AddBatchedRequests(count int) {
	c.next.AddBatchedRequests(count)
}

func (c *Counters) IncCacheLookups(result string) {
	if result == "hit" {
		c.cacheHits.Add(1)
	}
	c.next.IncCacheLookups(result)
}

func (c *Counters) IncErrors(component string) {
	c.errors.Add(1)
	c.next.IncErrors(component)
}

func (c *Counters) IncMessages(intent string) {
	c.messagesProcessed.Add(1)
	c.next.IncMessages(intent)
}

func (c *Counters) IncRateLimitFlushes() {
	c.next.IncRateLimitFlushes()
}

func (c *Counters) AddQuotaCleanup(removed int) {
	c.next.AddQuotaCleanup(removed)
}

func (c *Counters) SetQueueDepth(queue string, depth int) {
	c.next.SetQueueDepth(queue, depth)
}

// Snapshot returns the current counters. Latencies are in milliseconds and
// lastWriteTime in unix milliseconds, or nil before the first write.
func (c *Counters) Snapshot() Metrics {
	m := Metrics{
		StorageWrites:     c.storageWrites.Load(),
		StorageReads:      c.storageReads.Load(),
		MessagesProcessed: c.messagesProcessed.Load(),
		Errors:            c.errors.Load(),
		CoalescedRequests: c.coalescedRequests.Load(),
		BatchedWrites:     c.batchedWrites.Load(),
		CacheHits:         c.cacheHits.Load(),
	}

	c.mu.Lock()
	if !c.lastWriteTime.IsZero() {
		ms := c.lastWriteTime.UnixMilli()
		m.LastWriteTime = &ms
	}
	m.WriteLatencies = append([]float64{}, c.writeLatencies...)
	c.mu.Unlock()

	return m
}

// Reset zeroes every counter. The wrapped collector is not affected.
func (c *Counters) Reset() {
	c.storageWrites.Store(0)
	c.storageReads.Store(0)
	c.messagesProcessed.Store(0)
	c.errors.Store(0)
	c.coalescedRequests.Store(0)
	c.batchedWrites.Store(0)
	c.cacheHits.Store(0)

	c.mu.Lock()
	c.lastWriteTime = time.Time{}
	c.writeLatencies = nil
	c.mu.Unlock()
}
