package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// LRU holds whole dataset buffers keyed by their store key, up to a byte
// capacity. The least recently used buffers are evicted first.
type LRU struct {
	mu          sync.Mutex
	capacity    int64
	maxEntries  int
	currentSize int64
	items       map[string]*list.Element
	evictList   *list.List

	stats Stats
}

// Config bounds an LRU.
type Config struct {
	MaxSize    int64 `yaml:"max_size"`
	MaxEntries int   `yaml:"max_entries"`
}

// Stats are the counters of an LRU.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	Capacity  int64   `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

type cacheItem struct {
	key        string
	data       []byte
	storedAt   time.Time
	accessedAt time.Time
	hits       int64
}

// NewLRU creates a cache; a nil config or a non-positive size gives a cache
// that holds nothing.
func NewLRU(config *Config) *LRU {
	if config == nil {
		config = &Config{}
	}
	return &LRU{
		capacity:   config.MaxSize,
		maxEntries: config.MaxEntries,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		stats:      Stats{Capacity: config.MaxSize},
	}
}

// Enabled reports whether the cache can hold anything.
func (c *LRU) Enabled() bool {
	return c != nil && c.capacity > 0
}

// Get returns a copy of size bytes at offset of the cached buffer; a
// non-positive size reads to the end. ok is false on a miss or when offset
// lies outside the buffer.
func (c *LRU) Get(key string, offset, size int64) (data []byte, ok bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	n := int64(len(item.data))
	if offset < 0 || offset > n {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	item.accessedAt = time.Now()
	item.hits++
	c.evictList.MoveToFront(elem)
	c.stats.Hits++
	c.updateHitRate()

	end := n
	if size > 0 && offset+size < n {
		end = offset + size
	}
	return append([]byte(nil), item.data[offset:end]...), true
}

// Put stores a copy of data under key, replacing any previous buffer.
// Buffers larger than the whole capacity are not cached.
func (c *LRU) Put(key string, data []byte) {
	if !c.Enabled() || int64(len(data)) > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, exists := c.items[key]; exists {
		item := elem.Value.(*cacheItem)
		c.currentSize -= int64(len(item.data))
		item.data = append([]byte(nil), data...)
		item.storedAt = now
		c.currentSize += int64(len(item.data))
		c.evictList.MoveToFront(elem)
	} else {
		item := &cacheItem{key: key, data: append([]byte(nil), data...), storedAt: now, accessedAt: now}
		c.items[key] = c.evictList.PushFront(item)
		c.currentSize += int64(len(item.data))
	}
	c.evictIfNeeded()
}

// Delete drops key.
func (c *LRU) Delete(key string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

// DeletePrefix drops every key starting with prefix and returns how many
// were dropped.
func (c *LRU) DeletePrefix(prefix string) int {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, elem := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// Size returns the number of cached bytes.
func (c *LRU) Size() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns a snapshot of the counters.
func (c *LRU) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Size = c.currentSize
	return s
}

// Clear drops everything.
func (c *LRU) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.currentSize = 0
}

// Resize changes the capacity, evicting as needed.
func (c *LRU) Resize(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.stats.Capacity = capacity
	c.evictIfNeeded()
}

func (c *LRU) removeElement(elem *list.Element) {
	item := c.evictList.Remove(elem).(*cacheItem)
	delete(c.items, item.key)
	c.currentSize -= int64(len(item.data))
}

func (c *LRU) evictIfNeeded() {
	for c.evictList.Len() > 0 &&
		(c.currentSize > c.capacity || (c.maxEntries > 0 && len(c.items) > c.maxEntries)) {
		c.removeElement(c.evictList.Back())
		c.stats.Evictions++
	}
}

func (c *LRU) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
