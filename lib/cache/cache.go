// Package cache holds the in-memory mirror of all variables.
//
// The cache is the read path source of truth: it has no expiry and no eviction
// and is repopulated wholesale whenever a backend is (re)initialized. All updates
// that depend on the previous value must go through Compute, which is atomic per
// key. Independent keys never block each other.
package cache

import (
	"context"
	"sort"
	"strings"

	"github.com/ValentinKolb/dVar/lib/backend"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("cache")

// Cache is a concurrent key/value map with an atomic compute primitive.
type Cache struct {
	data *xsync.MapOf[string, string]
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{data: xsync.NewMapOf[string, string]()}
}

// Get returns the cached value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Cache) Get(key string) (string, bool) {
	return c.data.Load(key)
}

// GetOrDefault returns the cached value or def if the key is absent.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Cache) GetOrDefault(key, def string) string {
	if v, ok := c.data.Load(key); ok {
		return v
	}
	return def
}

// Put sets the cached value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Cache) Put(key, value string) {
	c.data.Store(key, value)
}

// Remove deletes the key and returns the value it had.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Cache) Remove(key string) (string, bool) {
	return c.data.LoadAndDelete(key)
}

// Compute atomically updates a key. fn receives the current value (loaded is
// false if absent) and returns the new value, or del=true to remove the key.
// fn runs while the key is locked and must not call back into the cache for
// the same key. Compute returns the resulting value and whether the key exists.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Cache) Compute(key string, fn func(old string, loaded bool) (value string, del bool)) (string, bool) {
	return c.data.Compute(key, fn)
}

// Clear removes all keys.
func (c *Cache) Clear() {
	c.data.Clear()
}

// Len returns the number of keys.
func (c *Cache) Len() int {
	return c.data.Size()
}

// Range calls fn for every entry until fn returns false. The iteration is not
// a consistent snapshot if the cache is modified concurrently.
func (c *Cache) Range(fn func(key, value string) bool) {
	c.data.Range(fn)
}

// Snapshot copies all entries into a new map.
func (c *Cache) Snapshot() map[string]string {
	out := make(map[string]string, c.data.Size())
	c.data.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}

// KeysWithPrefix returns the sorted keys starting with prefix.
func (c *Cache) KeysWithPrefix(prefix string) []string {
	var keys []string
	c.data.Range(func(k, _ string) bool {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

// LoadFromBackend copies every key of b into the cache. It does not clear the
// cache first. A key whose read fails is logged and skipped; only a failure to
// enumerate the keys aborts the load.
func (c *Cache) LoadFromBackend(ctx context.Context, b backend.Backend) (int, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		log.Errorf("cannot enumerate keys of %s backend: %v", b.Type(), err)
		return 0, err
	}

	loaded, failed := 0, 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		value, found, err := b.Get(ctx, key)
		if err != nil {
			failed++
			log.Warningf("skipping %q while loading from %s backend: %v", key, b.Type(), err)
			continue
		}
		if !found {
			continue
		}
		c.data.Store(key, value)
		loaded++
	}

	if failed > 0 {
		log.Warningf("loaded %d variables from %s backend, %d failed", loaded, b.Type(), failed)
	} else {
		log.Infof("loaded %d variables from %s backend", loaded, b.Type())
	}
	return loaded, nil
}
