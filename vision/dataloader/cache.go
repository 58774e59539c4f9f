package dataloader

import (
	"container/list"
	"fmt"
	"image"
	"sync"
)

// CacheManager is an LRU cache of decoded, resized images keyed by file path. Entries
// are stored before augmentation, so the train and validation generators can share one.
// Cached images must not be modified by callers.
type CacheManager struct {
	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key string
	img *image.RGBA
}

// NewCacheManager creates a cache holding at most maxSize images. A non-positive
// maxSize disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an image and marks it most recently used
func (cm *CacheManager) Get(key string) (*image.RGBA, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	elem, ok := cm.entries[key]
	if !ok {
		cm.misses++
		return nil, false
	}
	cm.lru.MoveToFront(elem)
	cm.hits++
	return elem.Value.(*cacheEntry).img, true
}

// Put adds an image, evicting the least recently used entries over capacity
func (cm *CacheManager) Put(key string, img *image.RGBA) {
	if cm.maxSize <= 0 {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, img: img})
	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.entries, elem.Value.(*cacheEntry).key)
}

// Clear drops every entry. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lru.Init()
	cm.entries = make(map[string]*list.Element)
}

// ResetStats resets the hit and miss counters
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64 // percent
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
