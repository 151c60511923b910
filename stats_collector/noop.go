package stats_collector

import "time"

var _ StatsCollector = (*noopCollector)(nil)

type noopCollector struct {
}

func (col *noopCollector) IncStorageReads(string)                    {}
func (col *noopCollector) IncStorageWrites(string, string)           {}
func (col *noopCollector) ObserveWriteLatency(string, time.Duration) {}
func (col *noopCollector) IncCoalescedRequests(string)               {}
func (col *noopCollector) AddBatchedRequests(int)                    {}
func (col *noopCollector) IncCacheLookups(string)                    {}
func (col *noopCollector) IncErrors(string)                          {}
func (col *noopCollector) IncMessages(string)                        {}
func (col *noopCollector) IncRateLimitFlushes()                      {}
func (col *noopCollector) AddQuotaCleanup(int)                       {}
func (col *noopCollector) SetQueueDepth(string, int)                 {}

func NewNoopStatsCollector() StatsCollector {
	return &noopCollector{}
}
