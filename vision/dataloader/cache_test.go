package dataloader

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
)

func testImage(size int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, size, size))
}

// TestCacheManagerBasicOperations tests basic get/put operations
func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5)

	if img, ok := cm.Get("missing"); ok || img != nil {
		t.Error("Get should return false and nil for a missing key")
	}

	want := testImage(4)
	cm.Put("a", want)
	got, ok := cm.Get("a")
	if !ok || got != want {
		t.Error("Expected the stored image back")
	}

	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// TestCacheManagerLRUEviction tests that the least recently used entry is evicted
func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(3)
	for _, key := range []string{"a", "b", "c"} {
		cm.Put(key, testImage(1))
	}

	// Touch "a" so "b" becomes the oldest
	cm.Get("a")
	cm.Put("d", testImage(1))

	if _, ok := cm.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := cm.Get(key); !ok {
			t.Errorf("Expected %s to be cached", key)
		}
	}
	if size := cm.Stats().Size; size != 3 {
		t.Errorf("Expected size 3, got %d", size)
	}
}

// TestCacheManagerPutExisting tests that re-adding a key keeps the first value
func TestCacheManagerPutExisting(t *testing.T) {
	cm := NewCacheManager(2)
	first := testImage(1)
	cm.Put("a", first)
	cm.Put("a", testImage(2))

	if got, _ := cm.Get("a"); got != first {
		t.Error("Expected the first image to be kept")
	}
	if size := cm.Stats().Size; size != 1 {
		t.Errorf("Expected size 1, got %d", size)
	}
}

// TestCacheManagerDisabled tests that a zero capacity stores nothing
func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put("a", testImage(1))
	if _, ok := cm.Get("a"); ok {
		t.Error("Disabled cache should not store images")
	}
}

// TestCacheManagerClear tests clearing while keeping statistics
func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(5)
	cm.Put("a", testImage(1))
	cm.Get("a")
	cm.Clear()

	stats := cm.Stats()
	if stats.Size != 0 {
		t.Errorf("Expected empty cache, got %d", stats.Size)
	}
	if stats.Hits != 1 {
		t.Errorf("Statistics should survive Clear, got %d hits", stats.Hits)
	}

	cm.ResetStats()
	if stats := cm.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected zeroed statistics, got %+v", stats)
	}
}

// TestCacheManagerConcurrency tests concurrent access
func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (w*100+i)%80)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, testImage(1))
				}
			}
		}(w)
	}
	wg.Wait()

	stats := cm.Stats()
	if stats.Size > 50 {
		t.Errorf("Cache grew beyond capacity: %d", stats.Size)
	}
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("Expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
}

// TestCacheStatsString tests the string representation
func TestCacheStatsString(t *testing.T) {
	stats := CacheStats{Size: 2, MaxSize: 10, Hits: 3, Misses: 1, HitRate: 75}
	str := stats.String()
	for _, want := range []string{"2/10", "Hits: 3", "Misses: 1", "75.0%"} {
		if !strings.Contains(str, want) {
			t.Errorf("Expected %q in %q", want, str)
		}
	}
}

// BenchmarkCacheManagerMixed benchmarks a mix of hits and misses
func BenchmarkCacheManagerMixed(b *testing.B) {
	cm := NewCacheManager(100)
	img := testImage(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%d", i%150)
		if _, ok := cm.Get(key); !ok {
			cm.Put(key, img)
		}
	}
}
