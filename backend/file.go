package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"settingsync/codec"
)

// File is a Store persisted as a single JSON object on disk. Edits made to
// the file by other processes are picked up through fsnotify and published
// as changes.
type File struct {
	path      string
	namespace string
	quota     Quota

	mu          sync.Mutex
	data        Items
	lastWritten []byte
	closed      bool

	hub     changeHub
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewFile opens (or creates on first write) the JSON file at path and
// starts watching it.
func NewFile(path string, namespace string, quota Quota) (*File, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f := &File{
		path:      path,
		namespace: namespace,
		quota:     quota,
	}

	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f.data, err = decodeFileItems(raw)
	if err != nil {
		return nil, err
	}
	f.lastWritten = raw

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: writes replace the file through a rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f.watcher = watcher

	f.wg.Add(1)
	go f.watchLoop()

	return f, nil
}

func decodeFileItems(raw []byte) (Items, error) {
	items := make(Items)
	if len(bytes.TrimSpace(raw)) == 0 {
		return items, nil
	}
	var decoded map[string]json.RawMessage
	if err := codec.JSONUnmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	for k, v := range decoded {
		items[k] = []byte(v)
	}
	return items, nil
}

func encodeFileItems(items Items) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		out[k] = json.RawMessage(v)
	}
	return codec.JSONMarshalIndent(out, "", "  ")
}

func (f *File) Get(ctx context.Context, defaults Items) (Items, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return selectWithDefaults(f.data, defaults), nil
}

func (f *File) Set(ctx context.Context, items Items) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err := f.quota.check(f.data, items); err != nil {
		f.mu.Unlock()
		return err
	}
	next := f.data.Clone()
	for k, v := range items {
		next[k] = append([]byte(nil), v...)
	}
	if err := f.persistLocked(next); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	f.hub.publish(Change{Keys: items.Keys(), Namespace: f.namespace})
	return nil
}

func (f *File) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	next := f.data.Clone()
	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := next[k]; ok {
			delete(next, k)
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		f.mu.Unlock()
		return nil
	}
	if err := f.persistLocked(next); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	f.hub.publish(Change{Keys: removed, Namespace: f.namespace})
	return nil
}

// persistLocked writes next to a temporary file and renames it into place.
func (f *File) persistLocked(next Items) error {
	raw, err := encodeFileItems(next)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settingsync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	f.data = next
	f.lastWritten = raw
	return nil
}

func (f *File) watchLoop() {
	defer f.wg.Done()
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("File backend: watch error on %s: %v", f.path, err)
		}
	}
}

// reload re-reads the file after an external modification and publishes
// the keys whose values differ.
func (f *File) reload() {
	raw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("File backend: unable to read %s: %v", f.path, err)
		return
	}

	f.mu.Lock()
	if f.closed || bytes.Equal(raw, f.lastWritten) {
		f.mu.Unlock()
		return
	}
	next, err := decodeFileItems(raw)
	if err != nil {
		// Probably a partial write by another process; the next event retries.
		f.mu.Unlock()
		log.Debugf("File backend: ignoring undecodable content in %s: %v", f.path, err)
		return
	}
	changed := diffKeys(f.data, next)
	f.data = next
	f.lastWritten = raw
	f.mu.Unlock()

	f.hub.publish(Change{Keys: changed, Namespace: f.namespace})
}

func diffKeys(before, after Items) []string {
	changed := make(Items)
	for k, v := range after {
		if old, ok := before[k]; !ok || !bytes.Equal(old, v) {
			changed[k] = nil
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed[k] = nil
		}
	}
	return changed.Keys()
}

func (f *File) Subscribe(fn ChangeHandler) func() {
	return f.hub.subscribe(fn)
}

func (f *File) Namespace() string {
	return f.namespace
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.watcher.Close()
	f.wg.Wait()
	return err
}
