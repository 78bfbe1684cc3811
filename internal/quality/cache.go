package quality

import (
	"container/list"
	"sync"
	"time"
)

// ResultCache is a thread-safe LRU cache for evaluation results
type ResultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits   int
	misses int
}

type cacheItem struct {
	key       string
	value     EvaluationResult
	expiresAt time.Time
}

// NewResultCache creates a new result cache
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached result, or nil when absent or expired.
func (c *ResultCache) Get(key CacheKey) *EvaluationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key.String()]
	if !ok {
		c.misses++
		return nil
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil
	}
	c.lru.MoveToFront(elem)
	c.hits++

	result := item.value
	result.FailedGates = append([]string(nil), item.value.FailedGates...)
	result.RuleResults = append([]RuleResult(nil), item.value.RuleResults...)
	return &result
}

// Set stores a copy of value under key.
func (c *ResultCache) Set(key CacheKey, value *EvaluationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[k]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = *value
		item.expiresAt = expires
		return
	}

	c.items[k] = c.lru.PushFront(&cacheItem{key: k, value: *value, expiresAt: expires})
	for c.lru.Len() > c.maxSize {
		c.removeElement(c.lru.Back())
	}
}

// Clear removes all items from the cache
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

func (c *ResultCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int
	Misses  int
}

func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
}
