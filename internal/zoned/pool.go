package zoned

import (
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"

	"github.com/ehrlich-b/go-ublk-zoned/internal/constants"
)

// Allocator hands out report buffers. Alloc may fail; the report path
// then retries with a smaller size.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// Buffer size buckets. Report buffers are bounded by the transfer limit,
// so anything above MaxPooledBufferSize is allocated directly.
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = constants.MaxPooledBufferSize
)

var bucketSizes = [...]int{size4k, size16k, size64k, size256k, size1m}

// PoolAllocator provides pooled report buffers from size-bucketed pools
// with an optional budget on the bytes handed out at once. Once the budget
// is spent Alloc fails until buffers are freed.
//
// Uses the *[]byte pattern to avoid boxing the slice header on Put.
type PoolAllocator struct {
	// Limit is the most bytes outstanding at once; 0 means unlimited
	Limit int64

	inUse   atomic.Int64
	buckets [len(bucketSizes)]typedsync.Pool[*[]byte]
}

// NewPoolAllocator creates a pool allocator with the given byte budget
func NewPoolAllocator(limit int64) *PoolAllocator {
	return &PoolAllocator{Limit: limit}
}

// Alloc returns a buffer of exactly size bytes. Contents are not cleared.
func (p *PoolAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: invalid size", size)
	}
	if !p.reserve(int64(size)) {
		return nil, fmt.Errorf("alloc %d bytes: %d of %d in use", size, p.inUse.Load(), p.Limit)
	}

	idx := bucketFor(size)
	if idx < 0 {
		return make([]byte, size), nil
	}
	if bp, ok := p.buckets[idx].Get(); ok {
		return (*bp)[:size], nil
	}
	return make([]byte, size, bucketSizes[idx]), nil
}

// Free returns buf to its bucket. The buffer's capacity determines which
// bucket it goes to.
func (p *PoolAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
	p.inUse.Add(-int64(len(buf)))

	c := cap(buf)
	buf = buf[:c]
	for i, size := range bucketSizes {
		if c == size {
			p.buckets[i].Put(&buf)
			return
		}
	}
	// Buffers with non-standard capacity are not returned to the pool
}

// InUse returns the number of bytes currently handed out
func (p *PoolAllocator) InUse() int64 {
	return p.inUse.Load()
}

func (p *PoolAllocator) reserve(n int64) bool {
	for {
		cur := p.inUse.Load()
		if p.Limit > 0 && cur+n > p.Limit {
			return false
		}
		if p.inUse.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func bucketFor(size int) int {
	for i, b := range bucketSizes {
		if size <= b {
			return i
		}
	}
	return -1
}
