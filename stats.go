package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"settingsync/coordinator"
)

const storageWarnRatio = 0.9

// StartStorageUsageLogger periodically logs how much of the backend quota
// is used together with the work still queued.
func StartStorageUsageLogger(ctx context.Context, c *coordinator.Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			logStorageUsage(ctx, c)
		}
	}()
}

func logStorageUsage(ctx context.Context, c *coordinator.Coordinator) {
	usage, err := c.Usage(ctx)
	if err != nil {
		log.Warnf("STORAGE - unable to read usage: %s", err)
		return
	}
	keys, stats := c.Pending()

	ratio := float64(usage.Usage) / float64(usage.Quota)
	if ratio >= storageWarnRatio {
		log.Warnf("STORAGE - %d of %d bytes used (%.1f%%), cleanup will run on the next quota failure", usage.Usage, usage.Quota, ratio*100)
	}
	log.Infof("STORAGE - %d of %d bytes used (%.1f%%), %d keys queued, %d blocked/%d allowed pending",
		usage.Usage, usage.Quota, ratio*100, keys, stats.Blocked, stats.Allowed)
}
