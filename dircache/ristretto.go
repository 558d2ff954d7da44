package dircache

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoCache backs the directory cache contract with a ristretto
// admission-counted cache, sized for the common case of a client holding
// many small directory listings across many concurrent server sessions.
// A mutex still guards read-modify-write of a single listing (upsert,
// invalidate) since ristretto's Get+Set pair is not itself atomic.
type RistrettoCache struct {
	mu    sync.Mutex
	store *ristretto.Cache[string, *listing]
}

// NewRistrettoCache builds a cache sized for maxEntries cached listings.
func NewRistrettoCache(maxEntries int64) (*RistrettoCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config[string, *listing]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Each listing costs 1, so MaxCost counts listings; ristretto's
		// own per-item overhead would otherwise exceed it.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}
	return &RistrettoCache{store: store}, nil
}

func cacheKey(server, path string) string {
	return server + "\x00" + path
}

func (c *RistrettoCache) Lookup(server, path, name string) (Entry, bool) {
	l, ok := c.store.Get(cacheKey(server, path))
	if !ok || l == nil {
		return Entry{}, false
	}
	return l.find(name)
}

func (c *RistrettoCache) Update(server, path string, entries []Entry) {
	key := cacheKey(server, path)
	l := &listing{entries: append([]Entry(nil), entries...)}
	c.store.Set(key, l, 1)
	c.store.Wait()
}

func (c *RistrettoCache) Invalidate(server, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Del(cacheKey(server, path))
}

func (c *RistrettoCache) UpdateEntry(server, path string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(server, path)
	cur, ok := c.store.Get(key)
	if !ok || cur == nil {
		cur = &listing{}
	}
	c.store.Set(key, cur.upsert(entry), 1)
	c.store.Wait()
}

// Close releases the backing ristretto cache's background goroutines.
func (c *RistrettoCache) Close() {
	c.store.Close()
}
