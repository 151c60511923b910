// Package backend provides the persistent key-value capability the sync
// layer sits in front of. A Store holds JSON-encoded values under string
// keys within a namespace and publishes a Change whenever keys are
// written or removed.
//
// Implementations exist for process memory, a JSON file, Redis and SQL
// (MySQL or Postgres). Open selects one from a DSN.
package backend

import (
	"context"
	"sort"
	"sync"
)

// Items maps keys to JSON-encoded values.
type Items map[string][]byte

// Clone returns a deep copy of the items.
func (items Items) Clone() Items {
	if items == nil {
		return nil
	}
	out := make(Items, len(items))
	for k, v := range items {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Keys returns the keys in sorted order.
func (items Items) Keys() []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Change describes keys mutated in a namespace.
type Change struct {
	Keys      []string `json:"keys"`
	Namespace string   `json:"namespace"`
}

// ChangeHandler receives change notifications.
type ChangeHandler func(Change)

// Store is the contract every backend implements.
type Store interface {
	// Get returns stored values. When defaults is nil every stored key is
	// returned; otherwise only the keys in defaults are returned, with the
	// default value used for any key that is not stored.
	Get(ctx context.Context, defaults Items) (Items, error)
	// Set writes all items in one operation.
	Set(ctx context.Context, items Items) error
	// Remove deletes the given keys.
	Remove(ctx context.Context, keys ...string) error
	// Subscribe registers fn for change notifications and returns a function
	// that cancels the subscription.
	Subscribe(fn ChangeHandler) (cancel func())
	// Namespace returns the namespace the store writes to.
	Namespace() string
	// Close releases resources held by the store.
	Close() error
}

// selectWithDefaults implements the defaults rule of Store.Get over a
// complete view of the stored data.
func selectWithDefaults(all Items, defaults Items) Items {
	if defaults == nil {
		return all.Clone()
	}
	out := make(Items, len(defaults))
	for k, def := range defaults {
		if v, ok := all[k]; ok {
			out[k] = append([]byte(nil), v...)
		} else {
			out[k] = append([]byte(nil), def...)
		}
	}
	return out
}

// changeHub fans change notifications out to subscribers.
type changeHub struct {
	mu       sync.RWMutex
	nextId   int
	handlers map[int]ChangeHandler
}

func (h *changeHub) subscribe(fn ChangeHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[int]ChangeHandler)
	}
	id := h.nextId
	h.nextId++
	h.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// publish calls every handler outside the hub lock.
func (h *changeHub) publish(change Change) {
	if len(change.Keys) == 0 {
		return
	}
	h.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(change)
	}
}
