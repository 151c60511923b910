package writebehind

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"settingsync/codec"
	"settingsync/state"
)

func TestBatchCoalescesSameKey(t *testing.T) {
	h := newHarness()
	b := h.batch(30*time.Millisecond, time.Hour)
	ctx := context.Background()

	first := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark))
	second := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeSystem))
	third := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeLight))

	if b.Size() != 1 {
		t.Errorf("Expected 1 pending key after coalescing, got %d", b.Size())
	}
	b.mu.Lock()
	entry := b.queue["SET_STATE"]
	waiters, merged := len(entry.Waiters), entry.Merged
	b.mu.Unlock()
	if waiters != 3 || !merged {
		t.Errorf("Expected 3 waiters on a merged entry, got %d (merged=%v)", waiters, merged)
	}

	for i, ch := range []<-chan error{first, second, third} {
		if err := wait(t, ch, time.Second); err != nil {
			t.Errorf("waiter %d: unexpected error %v", i, err)
		}
	}

	if got := h.store.setCount(); got != 1 {
		t.Errorf("Expected 1 physical write, got %d", got)
	}
	if s := h.store.stored(t); s.Theme != state.ThemeLight {
		t.Errorf("Expected last producer to win, got %q", s.Theme)
	}
	if h.rate.Count() != 1 {
		t.Errorf("Expected rate limiter to record 1 write, got %d", h.rate.Count())
	}
}

func TestBatchDebounce(t *testing.T) {
	h := newHarness()
	window := 60 * time.Millisecond
	b := h.batch(window, time.Hour)

	start := time.Now()
	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))

	time.Sleep(window / 3)
	if h.store.setCount() != 0 {
		t.Fatal("Write happened before the batch window elapsed")
	}

	if err := wait(t, done, time.Second); err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Errorf("Flushed after %v, before the %v window", elapsed, window)
	}
}

func TestBatchMultipleKeysSingleWriteInOrder(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	observe := func(name string, p Producer) Producer {
		return func(ctx context.Context, current state.State) (state.Patch, error) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return p(ctx, current)
		}
	}

	themeDone := b.Submit(ctx, "SET_STATE", observe("theme", setTheme(state.ThemeLight)))
	whitelistDone := b.Amend(ctx, "WHITELIST", observe("whitelist", addChannel("UC1")))
	sawTheme := ""
	checkDone := b.Submit(ctx, "CHECK", observe("check", func(ctx context.Context, current state.State) (state.Patch, error) {
		sawTheme = current.Theme
		return state.Patch{RedirectShorts: state.Bool(false)}, nil
	}))

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for _, ch := range []<-chan error{themeDone, whitelistDone, checkDone} {
		if err := wait(t, ch, time.Second); err != nil {
			t.Errorf("Unexpected error %v", err)
		}
	}

	if !slices.Equal(seen, []string{"theme", "whitelist", "check"}) {
		t.Errorf("Producers ran out of submission order: %v", seen)
	}
	if sawTheme != state.ThemeLight {
		t.Errorf("Later producer did not see earlier patch, saw theme %q", sawTheme)
	}
	if got := h.store.setCount(); got != 1 {
		t.Fatalf("Expected a single write for all keys, got %d", got)
	}
	items := h.store.lastSet()
	for _, key := range []string{state.KeyTheme, state.KeyWhitelistChannels, state.KeyRedirectShorts} {
		if _, ok := items[key]; !ok {
			t.Errorf("Combined write missing %s", key)
		}
	}
}

func TestBatchFailureReachesEveryWaiter(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()
	boom := errors.New("write failed")

	waiters := []<-chan error{
		b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark)),
		b.Submit(ctx, "SET_STATE", setTheme(state.ThemeLight)),
		b.Amend(ctx, "WHITELIST", addChannel("UC1")),
	}

	h.store.FailNext("set", boom)
	if err := b.Flush(ctx); !errors.Is(err, boom) {
		t.Errorf("Expected Flush to return the write error, got %v", err)
	}
	for i, ch := range waiters {
		if err := wait(t, ch, time.Second); !errors.Is(err, boom) {
			t.Errorf("waiter %d: expected write error, got %v", i, err)
		}
	}
	if h.rate.Count() != 0 {
		t.Error("Failed write must not be recorded by the rate limiter")
	}
	if b.Size() != 0 {
		t.Error("Failed entries must not stay queued")
	}
}

func TestBatchProducerErrorIsIsolated(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()
	invalid := errors.New("invalid")

	failing := b.Submit(ctx, "BROKEN", func(ctx context.Context, current state.State) (state.Patch, error) {
		return state.Patch{}, invalid
	})
	ok := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark))

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := wait(t, failing, time.Second); !errors.Is(err, invalid) {
		t.Errorf("Expected producer error, got %v", err)
	}
	if err := wait(t, ok, time.Second); err != nil {
		t.Errorf("Healthy entry failed: %v", err)
	}
	if s := h.store.stored(t); s.Theme != state.ThemeDark {
		t.Errorf("Expected healthy patch written, got theme %q", s.Theme)
	}
}

func TestBatchAmendKeepsEveryEdit(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()

	a := b.Amend(ctx, "WHITELIST", addChannel("UC1"))
	c := b.Amend(ctx, "WHITELIST", addChannel("UC2"))
	d := b.Amend(ctx, "WHITELIST", addChannel("UC1"))

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for _, ch := range []<-chan error{a, c, d} {
		if err := wait(t, ch, time.Second); err != nil {
			t.Errorf("Unexpected error %v", err)
		}
	}

	s := h.store.stored(t)
	if !slices.Equal(s.WhitelistChannels, []string{"UC1", "UC2"}) {
		t.Errorf("Expected both channels once, got %v", s.WhitelistChannels)
	}
}

func TestBatchRateLimitForcesSynchronousFlush(t *testing.T) {
	h := newHarness()
	h.rate = NewRateLimiter(1, time.Minute)
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()

	h.rate.Record() // window already at the ceiling

	first := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark))
	if b.Size() != 1 {
		t.Fatalf("Expected first write queued, size %d", b.Size())
	}

	second := b.Amend(ctx, "WHITELIST", addChannel("UC1"))

	err, ok := poll(first)
	if !ok {
		t.Fatal("Expected the earlier batch to be flushed before the new write was queued")
	}
	if err != nil {
		t.Errorf("Unexpected error %v", err)
	}
	if _, ok := poll(second); ok {
		t.Error("New write should still be queued, not dropped or written")
	}
	if !b.Pending("WHITELIST") {
		t.Error("Expected WHITELIST to be pending")
	}
}

func TestBatchSafetyIntervalFlushes(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, 30*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.ProcessLoop(ctx)

	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))
	if err := wait(t, done, time.Second); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestBatchProcessLoopFlushesOnShutdown(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		b.ProcessLoop(ctx)
		close(stopped)
	}()

	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))
	cancel()
	<-stopped

	err, ok := poll(done)
	if !ok {
		t.Fatal("Expected shutdown to flush pending writes")
	}
	if err != nil {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestBatchCancelledFlushRequeues(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)

	// Occupy the only write slot.
	if !h.limiter.TryAcquire() {
		t.Fatal("Expected free limiter")
	}

	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context error, got %v", err)
	}
	if !b.Pending("SET_STATE") {
		t.Fatal("Expected entry re-queued after cancelled flush")
	}

	h.limiter.Release()
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := wait(t, done, time.Second); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestBatchReadFailureFailsWaiters(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	boom := errors.New("read failed")

	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))
	h.store.FailNext("get", boom)

	if err := b.Flush(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected read error, got %v", err)
	}
	if err := wait(t, done, time.Second); !errors.Is(err, boom) {
		t.Errorf("Expected read error for waiter, got %v", err)
	}
	if h.store.setCount() != 0 {
		t.Error("Nothing may be written when the current state cannot be read")
	}
}

func TestBatchInvalidatesCache(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()

	if s := h.cache.Read(ctx, false); s.Theme != state.ThemeSystem {
		t.Fatalf("Unexpected initial theme %q", s.Theme)
	}
	done := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark))
	_ = b.Flush(ctx)
	_ = wait(t, done, time.Second)

	if s := h.cache.Read(ctx, false); s.Theme != state.ThemeDark {
		t.Errorf("Expected cache invalidated after write, got theme %q", s.Theme)
	}
}

func TestBatchForcedFlushIgnoresSubmitterCancel(t *testing.T) {
	h := newHarness()
	h.rate = NewRateLimiter(1, time.Minute)
	h.store.gate = make(chan struct{})
	h.store.entered = make(chan struct{}, 1)
	b := h.batch(time.Hour, time.Hour)

	h.rate.Record() // window already at the ceiling
	first := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queued := make(chan (<-chan error), 1)
	go func() { queued <- b.Amend(ctx, "WHITELIST", addChannel("UC1")) }()

	select {
	case <-h.store.entered:
	case <-time.After(time.Second):
		t.Fatal("Forced flush never reached the backend")
	}
	cancel()
	close(h.store.gate)

	if err := wait(t, first, time.Second); err != nil {
		t.Errorf("Write of a caller that did not cancel failed: %v", err)
	}
	if s := h.store.stored(t); s.Theme != state.ThemeDark {
		t.Errorf("Expected forced flush stored, got theme %q", s.Theme)
	}
	<-queued
	if !b.Pending("WHITELIST") {
		t.Error("Expected the new write queued after the forced flush")
	}
}

func TestBatchShutdownDuringSafetyFlushKeepsWrite(t *testing.T) {
	h := newHarness()
	h.store.gate = make(chan struct{})
	h.store.entered = make(chan struct{}, 1)
	b := h.batch(time.Hour, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		b.ProcessLoop(ctx)
		close(stopped)
	}()

	done := b.Submit(context.Background(), "SET_STATE", setTheme(state.ThemeDark))
	select {
	case <-h.store.entered:
	case <-time.After(time.Second):
		t.Fatal("Safety flush never reached the backend")
	}
	cancel()
	close(h.store.gate)
	<-stopped

	if err := wait(t, done, time.Second); err != nil {
		t.Errorf("Write in flight at shutdown failed: %v", err)
	}
	if s := h.store.stored(t); s.Theme != state.ThemeDark {
		t.Errorf("Write in flight at shutdown was lost, theme %q", s.Theme)
	}
}

func TestBatchReplacedTimerDoesNotFlushEarly(t *testing.T) {
	h := newHarness()
	b := h.batch(time.Hour, time.Hour)
	ctx := context.Background()

	first := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeDark))
	b.mu.Lock()
	staleGen := b.timerGen
	b.mu.Unlock()

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = wait(t, first, time.Second)

	second := b.Submit(ctx, "SET_STATE", setTheme(state.ThemeLight))
	if err := b.flush(ctx, staleGen); err != nil {
		t.Fatalf("Stale timer flush failed: %v", err)
	}
	if _, ok := poll(second); ok {
		t.Fatal("A replaced timer flushed the next batch before its window")
	}
	if !b.Pending("SET_STATE") || h.store.setCount() != 1 {
		t.Errorf("Expected the new batch still queued, pending=%v writes=%d", b.Pending("SET_STATE"), h.store.setCount())
	}
	b.mu.Lock()
	armed := b.timer != nil
	b.mu.Unlock()
	if !armed {
		t.Error("Stale timer cleared the armed debounce timer")
	}
}

func TestBatchPartialStatsPatchKeepsOtherCounter(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Memory.Set(ctx, state.Patch{Stats: state.StatsPatchOf(state.Stats{Blocked: 1, Allowed: 42})}.Items())
	b := h.batch(time.Hour, time.Hour)

	var patch state.Patch
	if err := codec.JSONUnmarshal([]byte(`{"stats":{"blocked":5}}`), &patch); err != nil {
		t.Fatal(err)
	}
	done := b.Amend(ctx, "SET_STATE", func(ctx context.Context, current state.State) (state.Patch, error) {
		return patch, nil
	})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = wait(t, done, time.Second)

	if s := h.store.stored(t); s.Stats != (state.Stats{Blocked: 5, Allowed: 42}) {
		t.Errorf("Expected stats 5/42, got %+v", s.Stats)
	}
}
