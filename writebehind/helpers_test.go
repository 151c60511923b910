package writebehind

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"settingsync/backend"
	"settingsync/state"
	"settingsync/state_cache"
	"settingsync/stats_collector"
)

// recordingStore counts and captures physical writes. If gate is set, Set
// signals entered and waits for gate before writing.
type recordingStore struct {
	*backend.Memory

	mu   sync.Mutex
	sets []backend.Items

	gate    chan struct{}
	entered chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: backend.NewMemory("sync", backend.Quota{})}
}

func (s *recordingStore) Set(ctx context.Context, items backend.Items) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxInFlight.Load()
		if n <= prev || s.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}

	s.mu.Lock()
	s.sets = append(s.sets, items.Clone())
	s.mu.Unlock()
	return s.Memory.Set(ctx, items)
}

func (s *recordingStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

func (s *recordingStore) lastSet() backend.Items {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sets) == 0 {
		return nil
	}
	return s.sets[len(s.sets)-1]
}

func (s *recordingStore) stored(t *testing.T) state.State {
	t.Helper()
	items, err := s.Memory.Get(context.Background(), state.DefaultItems())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return state.FromItems(items)
}

type harness struct {
	store   *recordingStore
	cache   *state_cache.StateCache
	limiter *SharedLimiter
	rate    *RateLimiter
	stats   stats_collector.StatsCollector
}

func newHarness() *harness {
	store := newRecordingStore()
	stats := stats_collector.NewNoopStatsCollector()
	return &harness{
		store:   store,
		cache:   state_cache.NewStateCache(store, stats, state_cache.Options{}),
		limiter: NewSharedLimiter(1),
		rate:    NewRateLimiter(120, time.Minute),
		stats:   stats,
	}
}

func (h *harness) batch(window, safety time.Duration) *BatchProcessor {
	return NewBatchProcessor(BatchConfig{
		Name:           "batch",
		Window:         window,
		SafetyInterval: safety,
		Limiter:        h.limiter,
		RateLimiter:    h.rate,
		Store:          h.store,
		State:          h.cache,
		Stats:          h.stats,
	})
}

func (h *harness) accumulator(debounce, safety time.Duration) *StatsAccumulator {
	return NewStatsAccumulator(StatsConfig{
		Name:           "stats",
		Debounce:       debounce,
		SafetyInterval: safety,
		Limiter:        h.limiter,
		RateLimiter:    h.rate,
		Store:          h.store,
		State:          h.cache,
		Stats:          h.stats,
	})
}

func setTheme(theme string) Producer {
	return func(ctx context.Context, current state.State) (state.Patch, error) {
		return state.Patch{Theme: state.String(theme)}, nil
	}
}

func addChannel(channel string) Producer {
	return func(ctx context.Context, current state.State) (state.Patch, error) {
		if current.Whitelisted(channel) {
			return state.Patch{}, nil
		}
		return state.Patch{}.WithWhitelist(append(current.WhitelistChannels, channel)), nil
	}
}

// wait returns the value delivered on ch or fails after timeout.
func wait(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatalf("Timed out after %v waiting for flush result", timeout)
		return nil
	}
}

// poll returns the delivered value without blocking. ok is false if
// nothing has been delivered yet.
func poll(ch <-chan error) (err error, ok bool) {
	select {
	case err = <-ch:
		return err, true
	default:
		return nil, false
	}
}
