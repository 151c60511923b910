package stats_collector

import (
	"time"

	"github.com/Depado/ginprom"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"settingsync/config"
)

type StatsCollector interface {
	IncStorageReads(status string)
	IncStorageWrites(source, status string)
	ObserveWriteLatency(source string, duration time.Duration)
	IncCoalescedRequests(key string)
	AddBatchedRequests(count int)
	IncCacheLookups(result string)
	IncErrors(component string)
	IncMessages(intent string)
	IncRateLimitFlushes()
	AddQuotaCleanup(removed int)
	SetQueueDepth(queue string, depth int)
}

type Config interface {
	GetPrometheus() config.Prometheus
}

func GetStatsCollector(cfg Config, ginEngine *gin.Engine) StatsCollector {
	promSettings := cfg.GetPrometheus()
	if !promSettings.Enabled {
		return NewNoopStatsCollector()
	}
	log.Infof("Prometheus init")
	if ginEngine != nil {
		p := ginprom.New(
			ginprom.Engine(ginEngine),
			ginprom.Subsystem("gin"),
			ginprom.Path("/metrics"),
			ginprom.Token(promSettings.Token),
			ginprom.BucketSize(promSettings.BucketSize),
		)
		ginEngine.Use(p.Instrument())
	}
	return NewPrometheusCollector()
}
