// Package cache is a subscribable key-value cache persisted to a JSON file.
//
// Readers get a snapshot map that stays identical, not merely equal, until
// the next mutation, so callers may compare snapshots by identity to detect
// change. Several processes may share one file: writers take a lock file
// and re-read the file before changing it, and Watch picks up the writes
// of the others.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
)

const (
	lockTimeout       = 5 * time.Second
	lockRetryInterval = 20 * time.Millisecond
)

// Listener receives the snapshot after every change.
type Listener[V any] func(snapshot map[string]V)

// Cache maps keys to values of type V. The zero path keeps it in memory.
type Cache[V any] struct {
	path   string
	logger *logging.Logger

	mu       sync.Mutex
	snapshot map[string]V
	lastData []byte

	subMu     sync.Mutex
	nextID    int
	listeners map[int]Listener[V]
}

// New creates a cache backed by path and loads what is already stored.
func New[V any](path string, logger *logging.Logger) (*Cache[V], error) {
	c := &Cache[V]{
		path:      path,
		logger:    logger,
		snapshot:  map[string]V{},
		listeners: make(map[int]Listener[V]),
	}
	if path == "" {
		return c, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if _, err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the backing file, or "" for an in-memory cache.
func (c *Cache[V]) Path() string {
	return c.path
}

// Get returns the value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.snapshot[key]
	return v, ok
}

// GetAll returns the current snapshot. It must not be modified.
func (c *Cache[V]) GetAll() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Keys returns the stored keys in sorted order.
func (c *Cache[V]) Keys() []string {
	snapshot := c.GetAll()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores v under key, persists the cache and notifies subscribers
// before returning.
func (c *Cache[V]) Set(key string, v V) error {
	return c.mutate(func(next map[string]V) bool {
		next[key] = v
		return true
	})
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *Cache[V]) Delete(key string) error {
	return c.mutate(func(next map[string]V) bool {
		if _, ok := next[key]; !ok {
			return false
		}
		delete(next, key)
		return true
	})
}

// mutate applies fn to a copy of the snapshot and publishes the copy. A
// file-backed cache first rereads the file under an exclusive lock, so fn
// only changes its own key and entries written by other processes survive.
func (c *Cache[V]) mutate(fn func(next map[string]V) bool) error {
	if c.path == "" {
		snapshot, changed, err := c.apply(fn)
		if changed {
			c.notify(snapshot)
		}
		return err
	}

	unlock, err := c.lockFile()
	if err != nil {
		return err
	}
	reloaded, err := c.reload()
	if err != nil {
		unlock()
		return err
	}
	snapshot, changed, err := c.apply(fn)
	unlock()

	if changed || reloaded {
		c.notify(snapshot)
	}
	return err
}

func (c *Cache[V]) apply(fn func(next map[string]V) bool) (map[string]V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]V, len(c.snapshot)+1)
	for k, v := range c.snapshot {
		next[k] = v
	}
	if !fn(next) {
		return c.snapshot, false, nil
	}
	c.snapshot = next

	var err error
	if c.path != "" {
		err = c.persistLocked(next)
	}
	return next, true, err
}

// lockFile takes the exclusive lock that serializes writers of the cache
// file across processes.
func (c *Cache[V]) lockFile() (func(), error) {
	lockPath := c.path + ".lock"
	fileLock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache %s: %w", c.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not lock cache %s: timeout after %v", c.path, lockTimeout)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			c.logger.Warning("Failed to unlock %s: %v", lockPath, err)
		}
	}, nil
}

func (c *Cache[V]) persistLocked(entries map[string]V) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename cache: %w", err)
	}
	c.lastData = data
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (c *Cache[V]) Subscribe(fn Listener[V]) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.listeners, id)
		})
	}
}

func (c *Cache[V]) notify(snapshot map[string]V) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener[V], 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.subMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Reload reads the backing file and notifies subscribers if its content
// differs from what this cache last saw.
func (c *Cache[V]) Reload() error {
	changed, err := c.reload()
	if err != nil {
		return err
	}
	if changed {
		c.notify(c.GetAll())
	}
	return nil
}

func (c *Cache[V]) reload() (bool, error) {
	if c.path == "" {
		return false, nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if bytes.Equal(data, c.lastData) {
		return false, nil
	}

	entries := map[string]V{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return false, fmt.Errorf("failed to decode cache %s: %w", c.path, err)
		}
	}
	c.snapshot = entries
	c.lastData = data
	return true, nil
}

// Watch reloads the cache whenever another process rewrites the file. It
// blocks until ctx is done.
func (c *Cache[V]) Watch(ctx context.Context) error {
	return c.watch(ctx, nil)
}

// watch is Watch with a callback invoked once the watcher is registered.
func (c *Cache[V]) watch(ctx context.Context, ready func()) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched since atomic renames replace the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(c.path), err)
	}
	c.logger.Debug("Watching %s for changes", c.path)
	if ready != nil {
		ready()
	}

	name := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warning("Failed to reload cache: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warning("Cache watcher error: %v", err)
		}
	}
}
