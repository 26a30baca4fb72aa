// Package pools provides the byte buffer pooling used by the
// per-connection transports.
package pools

import "sync"

// BytePool is a multi-tiered byte slice pool for different size
// classes.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Size tiers chosen for socket read workloads.
var defaultSizes = []int{
	512,   // Tiny reads
	2048,  // Small request heads
	8192,  // Transport read buffer (most common)
	32768, // Large bursts
}

// NewBytePool creates a byte pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a byte slice of at least the requested size.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	// Size too large for any tier, allocate directly.
	return make([]byte, size)
}

// Put returns a byte slice to its tier. Slices that did not come from
// a tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

var sharedPool = NewBytePool()

// Shared returns the process-wide pool instance.
func Shared() *BytePool {
	return sharedPool
}
