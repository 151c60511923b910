package backend

import (
	"context"
	"slices"

	log "github.com/sirupsen/logrus"
)

// QuotaGuard wraps a Store and, when a write fails because the storage
// quota is exhausted, frees space by removing every key that is not in the
// essential allow-list. The quota error is always returned.
type QuotaGuard struct {
	Store
	essential []string
	onCleanup func(removed int)
}

// NewQuotaGuard wraps store. onCleanup, if not nil, is called with the
// number of keys removed by each successful cleanup.
func NewQuotaGuard(store Store, essential []string, onCleanup func(removed int)) *QuotaGuard {
	return &QuotaGuard{
		Store:     store,
		essential: slices.Clone(essential),
		onCleanup: onCleanup,
	}
}

// Set writes items, running quota remediation on failure.
func (g *QuotaGuard) Set(ctx context.Context, items Items) error {
	err := g.Store.Set(ctx, items)
	if err == nil {
		return nil
	}

	log.Errorf("Storage error during set: %v", err)
	if IsQuotaError(err) {
		g.cleanup(ctx)
	}
	return err
}

// cleanup removes non-essential keys. Failures are logged and swallowed.
func (g *QuotaGuard) cleanup(ctx context.Context) {
	all, err := g.Store.Get(ctx, nil)
	if err != nil {
		log.Errorf("Cleanup failed: %v", err)
		return
	}

	var toRemove []string
	for _, key := range all.Keys() {
		if !slices.Contains(g.essential, key) {
			toRemove = append(toRemove, key)
		}
	}
	if len(toRemove) == 0 {
		return
	}

	if err := g.Store.Remove(ctx, toRemove...); err != nil {
		log.Errorf("Cleanup failed: %v", err)
		return
	}
	log.Infof("Cleanup freed %d non-essential keys", len(toRemove))
	if g.onCleanup != nil {
		g.onCleanup(len(toRemove))
	}
}
