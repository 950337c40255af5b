package policy

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

const defaultCacheSize = 4096

// Cache memoizes compiled policies keyed by document id and content digest,
// so an edited policy is recompiled while unchanged ones are reused. When
// full it evicts the least recently used entry.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element

	// OnMalformed, when set, receives every compile error on a cache miss.
	OnMalformed func(doc Document, errs []error)
}

type cacheEntry struct {
	key      string
	compiled *Compiled
}

// NewCache returns a cache holding at most max compiled policies.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &Cache{max: max, order: list.New(), entries: make(map[string]*list.Element)}
}

// Get returns the compiled form of doc, compiling it on a miss.
func (c *Cache) Get(doc Document) *Compiled {
	key := cacheKey(doc)
	if compiled, ok := c.lookup(key); ok {
		return compiled
	}

	compiled, errs := Compile(doc)
	if len(errs) > 0 && c.OnMalformed != nil {
		c.OnMalformed(doc, errs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have compiled the same document meanwhile.
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).compiled
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, compiled: compiled})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	return compiled
}

func (c *Cache) lookup(key string) (*Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).compiled, true
}

// Len reports the number of cached policies.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cacheKey(doc Document) string {
	sum := sha256.Sum256(doc.Statements)
	return doc.ID + ":" + hex.EncodeToString(sum[:])
}
