package dataloader

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles the pixel buffers of batches. Buffers are grouped by capacity,
// rounded up to a power of two.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one buffer size
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates an empty buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// GetFloat32Buffer returns a buffer of length size. Its contents are undefined.
func (bp *BufferPool) GetFloat32Buffer(size int) []float32 {
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if buf, ok := pool.Get().([]float32); ok {
		return buf[:size]
	}

	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, poolSize)
}

// PutFloat32Buffer returns a buffer obtained from GetFloat32Buffer. Buffers the pool
// did not hand out are dropped.
func (bp *BufferPool) PutFloat32Buffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	poolSize := cap(buf)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	pool.Put(buf[:cap(buf)])
}

// Stats returns a copy of the statistics of every buffer size
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	stats := make(map[int]PoolStats, len(bp.stats))
	for size, s := range bp.stats {
		stats[size] = *s
	}
	return stats
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var b strings.Builder
	b.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		s := stats[size]
		hitRate := float64(0)
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
