package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestMemoryGetWithDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{})

	if err := m.Set(ctx, Items{"enabled": []byte("false"), "other": []byte(`"x"`)}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := m.Get(ctx, Items{"enabled": []byte("true"), "theme": []byte(`"system"`)})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected only default keys, got %v", got.Keys())
	}
	if string(got["enabled"]) != "false" {
		t.Errorf("Expected stored enabled=false, got %s", got["enabled"])
	}
	if string(got["theme"]) != `"system"` {
		t.Errorf("Expected default theme, got %s", got["theme"])
	}

	all, err := m.Get(ctx, nil)
	if err != nil {
		t.Fatalf("Get(nil) failed: %v", err)
	}
	if len(all) != 2 || all["other"] == nil {
		t.Errorf("Expected every stored key, got %v", all.Keys())
	}
}

func TestMemoryGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{})
	_ = m.Set(ctx, Items{"theme": []byte(`"dark"`)})

	got, _ := m.Get(ctx, nil)
	got["theme"][1] = 'X'

	again, _ := m.Get(ctx, nil)
	if string(again["theme"]) != `"dark"` {
		t.Errorf("Stored value was mutated through a Get result: %s", again["theme"])
	}
}

func TestMemoryChangeNotifications(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{})

	var changes []Change
	cancel := m.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	_ = m.Set(ctx, Items{"b": []byte("1"), "a": []byte("2")})
	_ = m.Remove(ctx, "a", "missing")

	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d", len(changes))
	}
	if strings.Join(changes[0].Keys, ",") != "a,b" || changes[0].Namespace != "sync" {
		t.Errorf("Unexpected set change %+v", changes[0])
	}
	if strings.Join(changes[1].Keys, ",") != "a" {
		t.Errorf("Expected remove change for a only, got %+v", changes[1])
	}

	cancel()
	_ = m.Set(ctx, Items{"c": []byte("3")})
	if len(changes) != 2 {
		t.Errorf("Handler called after cancel")
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{Bytes: 19, BytesPerItem: 12})

	if err := m.Set(ctx, Items{"k": []byte(`"0123456789ab"`)}); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Expected per-item quota error, got %v", err)
	}
	if err := m.Set(ctx, Items{"k1": []byte("12345678")}); err != nil {
		t.Fatalf("Set within quota failed: %v", err)
	}
	err := m.Set(ctx, Items{"k2": []byte("12345678")})
	if !IsQuotaError(err) {
		t.Errorf("Expected total quota error, got %v", err)
	}
	// Replacing an existing key only counts the new value.
	if err := m.Set(ctx, Items{"k1": []byte("87654321")}); err != nil {
		t.Errorf("Replacing a key within quota failed: %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{})
	boom := errors.New("boom")

	m.FailNext("set", boom)
	if err := m.Set(ctx, Items{"a": []byte("1")}); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if err := m.Set(ctx, Items{"a": []byte("1")}); err != nil {
		t.Errorf("Injected error should only apply once, got %v", err)
	}
}

func TestMemoryGetSeesWholeSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("sync", Quota{})
	_ = m.Set(ctx, Items{"a": []byte("0"), "b": []byte("0")})

	stop := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := []byte(strconv.Itoa(i))
			_ = m.Set(ctx, Items{"a": v, "b": v})
		}
	}()

	for i := 0; i < 2000; i++ {
		got, err := m.Get(ctx, nil)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got["a"]) != string(got["b"]) {
			close(stop)
			<-written
			t.Fatalf("Read half of a Set: a=%s b=%s", got["a"], got["b"])
		}
	}
	close(stop)
	<-written
}
