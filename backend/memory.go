package backend

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Memory is a process-local Store. It is mostly useful for tests and for
// running the service without external dependencies.
type Memory struct {
	namespace string
	quota     Quota

	// writeMu serialises quota check and write. Readers hold it shared so
	// a multi-key Set is seen whole.
	writeMu sync.RWMutex
	data    *xsync.MapOf[string, []byte]
	hub     changeHub

	// failures lets tests inject errors. Keyed by operation name.
	failures *xsync.MapOf[string, error]
}

// NewMemory creates an empty in-memory store.
func NewMemory(namespace string, quota Quota) *Memory {
	return &Memory{
		namespace: namespace,
		quota:     quota,
		data:      xsync.NewMapOf[string, []byte](),
		failures:  xsync.NewMapOf[string, error](),
	}
}

// FailNext makes the next call of op ("get", "set" or "remove") return err.
func (m *Memory) FailNext(op string, err error) {
	m.failures.Store(op, err)
}

func (m *Memory) injected(op string) error {
	err, ok := m.failures.LoadAndDelete(op)
	if !ok {
		return nil
	}
	return err
}

func (m *Memory) snapshot() Items {
	all := make(Items, m.data.Size())
	m.data.Range(func(key string, value []byte) bool {
		all[key] = value
		return true
	})
	return all
}

func (m *Memory) Get(ctx context.Context, defaults Items) (Items, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.injected("get"); err != nil {
		return nil, err
	}
	m.writeMu.RLock()
	all := m.snapshot()
	m.writeMu.RUnlock()
	return selectWithDefaults(all, defaults), nil
}

func (m *Memory) Set(ctx context.Context, items Items) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.injected("set"); err != nil {
		return err
	}

	m.writeMu.Lock()
	if err := m.quota.check(m.snapshot(), items); err != nil {
		m.writeMu.Unlock()
		return err
	}
	for k, v := range items {
		m.data.Store(k, append([]byte(nil), v...))
	}
	m.writeMu.Unlock()

	m.hub.publish(Change{Keys: items.Keys(), Namespace: m.namespace})
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.injected("remove"); err != nil {
		return err
	}

	m.writeMu.Lock()
	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := m.data.LoadAndDelete(k); ok {
			removed = append(removed, k)
		}
	}
	m.writeMu.Unlock()

	m.hub.publish(Change{Keys: removed, Namespace: m.namespace})
	return nil
}

func (m *Memory) Subscribe(fn ChangeHandler) func() {
	return m.hub.subscribe(fn)
}

func (m *Memory) Namespace() string {
	return m.namespace
}

func (m *Memory) Close() error {
	return nil
}
