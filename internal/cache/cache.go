// Package cache maps fingerprints to completed artifacts.
package cache

import (
	"container/list"
	"errors"
	"sync"

	"imagemill/internal/model"
)

// ErrUnavailable marks a cache backend failure. Callers treat it as a miss
// and continue without caching (degraded mode) rather than failing requests.
var ErrUnavailable = errors.New("cache unavailable")

// Cache stores transformation artifacts keyed by fingerprint. Implementations
// are internally synchronized; a Get observes either a fully written artifact
// or a miss, never a partial one.
type Cache interface {
	Get(fingerprint string) (*model.Artifact, bool, error)
	Put(fingerprint string, artifact *model.Artifact) error
	Delete(fingerprint string) error
	Len() int
}

// LRU is an in-memory Cache with least-recently-used eviction. Capacity is
// bounded both by entry count and by total artifact bytes; inserting past
// either bound evicts from the cold end until both hold again.
type LRU struct {
	maxEntries int
	maxBytes   int64

	mu    sync.Mutex
	bytes int64
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	fingerprint string
	artifact    *model.Artifact
}

// NewLRU creates an LRU cache. A zero bound means "unbounded" for that
// dimension.
func NewLRU(maxEntries int, maxBytes int64) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// Get returns the artifact for fingerprint and marks it recently used.
func (c *LRU) Get(fingerprint string) (*model.Artifact, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return nil, false, nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).artifact, true, nil
}

// Put stores an artifact. Re-putting an existing fingerprint replaces the
// entry; eviction never touches the entry just inserted.
func (c *LRU) Put(fingerprint string, artifact *model.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		entry := el.Value.(*lruEntry)
		c.bytes += artifact.Size - entry.artifact.Size
		entry.artifact = artifact
		c.ll.MoveToFront(el)
	} else {
		c.items[fingerprint] = c.ll.PushFront(&lruEntry{fingerprint: fingerprint, artifact: artifact})
		c.bytes += artifact.Size
	}

	for c.overCapacity() && c.ll.Len() > 1 {
		c.evictOldest()
	}
	return nil
}

// Delete removes an entry if present.
func (c *LRU) Delete(fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		c.remove(el)
	}
	return nil
}

// Len reports the number of cached artifacts.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes reports the total size of cached artifact data.
func (c *LRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *LRU) overCapacity() bool {
	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		return true
	}
	return false
}

func (c *LRU) evictOldest() {
	if el := c.ll.Back(); el != nil {
		c.remove(el)
	}
}

func (c *LRU) remove(el *list.Element) {
	entry := el.Value.(*lruEntry)
	c.ll.Remove(el)
	delete(c.items, entry.fingerprint)
	c.bytes -= entry.artifact.Size
}
