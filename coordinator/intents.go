package coordinator

import (
	"context"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"settingsync/backend"
	"settingsync/state"
	"settingsync/stats_collector"
	"settingsync/webhooks"
	"settingsync/writebehind"
)

const (
	keySetState   = "SET_STATE"
	keyClearStats = "CLEAR_STATS"
	keyWhitelist  = "WHITELIST"
)

// StorageUsage is the size of everything stored in the namespace.
type StorageUsage struct {
	Usage int `json:"usage"`
	Quota int `json:"quota"`
}

// ReadState returns the full state. fast selects the short cache TTL.
func (c *Coordinator) ReadState(ctx context.Context, fast bool) state.State {
	c.counters.IncMessages("GET_STATE")
	return c.cache.Read(ctx, fast)
}

// WritePatch merges patch into the stored state and returns once the write
// has been flushed.
func (c *Coordinator) WritePatch(ctx context.Context, patch state.Patch) error {
	c.counters.IncMessages("SET_STATE")
	if err := patch.Validate(); err != nil {
		return invalid("%s", err)
	}
	if patch.Empty() {
		return nil
	}

	// Patches in one window compose; a later patch wins per field only.
	done := c.batch.Amend(ctx, keySetState, func(ctx context.Context, current state.State) (state.Patch, error) {
		return patch, nil
	})
	return await(ctx, done)
}

// IncrementStat counts one event and returns the projected totals: the
// cached totals with the pending deltas of kind added.
func (c *Coordinator) IncrementStat(ctx context.Context, kind string) (state.Stats, error) {
	c.counters.IncMessages("INCR_STAT")
	k, err := writebehind.ParseStatKind(kind)
	if err != nil {
		return state.Stats{}, invalid("%s", err)
	}
	if err := c.stats.Increment(k); err != nil {
		return state.Stats{}, invalid("%s", err)
	}
	c.stats.ScheduleFlush()

	projected := c.cache.Read(ctx, false).Stats
	pending := c.stats.Pending()
	switch k {
	case writebehind.StatBlocked:
		projected.Blocked += pending.Blocked
	case writebehind.StatAllowed:
		projected.Allowed += pending.Allowed
	}
	return projected, nil
}

// RecordStat is the acknowledgement-only form of IncrementStat used by the
// RECORD_STATS and INCREMENT_STATS intents. An empty kind counts as blocked.
func (c *Coordinator) RecordStat(kind string) error {
	c.counters.IncMessages("RECORD_STATS")
	if kind == "" {
		kind = string(writebehind.StatBlocked)
	}
	k, err := writebehind.ParseStatKind(kind)
	if err != nil {
		return invalid("%s", err)
	}
	if err := c.stats.Increment(k); err != nil {
		return invalid("%s", err)
	}
	c.stats.ScheduleFlush()
	return nil
}

func (c *Coordinator) Stats(ctx context.Context) state.Stats {
	c.counters.IncMessages("GET_STATS")
	return c.cache.Read(ctx, false).Stats
}

// ClearStats zeroes the stored totals once flushed. Increments still
// pending in the accumulator are written on top afterwards.
func (c *Coordinator) ClearStats(ctx context.Context) error {
	c.counters.IncMessages("CLEAR_STATS")
	done := c.batch.Submit(ctx, keyClearStats, func(ctx context.Context, current state.State) (state.Patch, error) {
		return state.Patch{Stats: state.StatsPatchOf(state.Stats{})}, nil
	})
	return await(ctx, done)
}

func normaliseChannel(channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", invalid("channel must not be empty")
	}
	return channel, nil
}

func (c *Coordinator) AddToWhitelist(ctx context.Context, channel string) error {
	c.counters.IncMessages("ADD_TO_WHITELIST")
	channel, err := normaliseChannel(channel)
	if err != nil {
		return err
	}

	done := c.batch.Amend(ctx, keyWhitelist, func(ctx context.Context, current state.State) (state.Patch, error) {
		if current.Whitelisted(channel) {
			return state.Patch{}, nil
		}
		next := append(slices.Clone(current.WhitelistChannels), channel)
		return state.Patch{}.WithWhitelist(next), nil
	})
	return await(ctx, done)
}

func (c *Coordinator) RemoveFromWhitelist(ctx context.Context, channel string) error {
	c.counters.IncMessages("REMOVE_FROM_WHITELIST")
	channel, err := normaliseChannel(channel)
	if err != nil {
		return err
	}

	done := c.batch.Amend(ctx, keyWhitelist, func(ctx context.Context, current state.State) (state.Patch, error) {
		if !current.Whitelisted(channel) {
			return state.Patch{}, nil
		}
		next := slices.DeleteFunc(slices.Clone(current.WhitelistChannels), func(ch string) bool {
			return ch == channel
		})
		return state.Patch{}.WithWhitelist(next), nil
	})
	return await(ctx, done)
}

func (c *Coordinator) ClearWhitelist(ctx context.Context) error {
	c.counters.IncMessages("CLEAR_WHITELIST")
	done := c.batch.Amend(ctx, keyWhitelist, func(ctx context.Context, current state.State) (state.Patch, error) {
		return state.Patch{}.WithWhitelist(nil), nil
	})
	return await(ctx, done)
}

func (c *Coordinator) Whitelist(ctx context.Context) []string {
	c.counters.IncMessages("GET_WHITELIST")
	return c.cache.Read(ctx, false).WhitelistChannels
}

// StorageUsage reads every stored key and reports its encoded size.
func (c *Coordinator) StorageUsage(ctx context.Context) (StorageUsage, error) {
	c.counters.IncMessages("GET_STORAGE_USAGE")
	return c.Usage(ctx)
}

// Usage is StorageUsage without counting a caller message.
func (c *Coordinator) Usage(ctx context.Context) (StorageUsage, error) {
	all, err := c.store.Get(ctx, nil)
	if err != nil {
		c.counters.IncStorageReads("error")
		c.counters.IncErrors("coordinator")
		return StorageUsage{}, err
	}
	c.counters.IncStorageReads("ok")
	return StorageUsage{Usage: backend.Usage(all), Quota: c.quotaBytes}, nil
}

// Notify relays message to every listener. Delivery failures are ignored.
func (c *Coordinator) Notify(message any) {
	c.counters.IncMessages("NOTIFY_CONTENT_SCRIPT")
	if c.notifier == nil {
		log.Debug("Notify: no listeners configured")
		return
	}
	c.notifier.AddMessage(webhooks.ContentScript, message)
}

func (c *Coordinator) Metrics() stats_collector.Metrics {
	return c.counters.Snapshot()
}

func (c *Coordinator) ResetMetrics() {
	c.counters.Reset()
}

// Flush forces both writers to flush now.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.flush(ctx)
}

// Pending reports the queued batch keys and the pending stat deltas.
func (c *Coordinator) Pending() (batchKeys int, stats writebehind.PendingStats) {
	return c.batch.Size(), c.stats.Pending()
}
