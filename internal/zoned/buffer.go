package zoned

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// BufferAllocator sizes and allocates report buffers. On allocation
// failure it halves the request and tries again until a buffer of at least
// one descriptor is obtained.
type BufferAllocator struct {
	Allocator Allocator

	// PageSize is the per-segment byte limit; 0 uses the system page size
	PageSize int

	// OnShrink, if set, is called with the new size after each failed attempt
	OnShrink func(size int, err error)
}

// ReportBufferSize returns the byte size of a report buffer for nrZones
// zones before any allocation is tried. nrZones is first clipped to the
// zones that fit in the disk capacity. The result is bounded by the
// transfer size and by one page per segment, and is always a multiple of
// the descriptor size.
func ReportBufferSize(nrZones, zoneSectors uint32, l QueueLimits, pageSize int) int {
	if zoneSectors == 0 {
		return 0
	}
	capZones := l.CapacitySectors >> uint(bits.TrailingZeros32(zoneSectors))
	n := min(uint64(nrZones), capZones)

	size := n * uapi.BlkZoneSize
	size = min(size, uint64(l.MaxHWSectors)<<9)
	size = min(size, uint64(l.MaxSegments)*uint64(pageSize))
	return int(roundDown(size))
}

// Allocate returns a zero-filled report buffer and the number of
// descriptors it holds
func (b *BufferAllocator) Allocate(nrZones, zoneSectors uint32, l QueueLimits) ([]byte, uint32, error) {
	pageSize := b.PageSize
	if pageSize <= 0 {
		pageSize = unix.Getpagesize()
	}

	size := ReportBufferSize(nrZones, zoneSectors, l, pageSize)
	var lastErr error
	for size >= uapi.BlkZoneSize {
		buf, err := b.Allocator.Alloc(size)
		if err == nil && cap(buf) < size {
			b.Allocator.Free(buf)
			err = fmt.Errorf("allocator returned %d bytes, want %d", cap(buf), size)
		}
		if err == nil {
			buf = buf[:size]
			clear(buf)
			return buf, uint32(size / uapi.BlkZoneSize), nil
		}
		lastErr = err
		size = int(roundDown(uint64(size / 2)))
		if b.OnShrink != nil && size >= uapi.BlkZoneSize {
			b.OnShrink(size, err)
		}
	}

	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoMemory, lastErr)
	}
	return nil, 0, fmt.Errorf("%w: limits allow no descriptor", ErrNoMemory)
}

// Release hands buf back to the allocator
func (b *BufferAllocator) Release(buf []byte) {
	if buf != nil {
		b.Allocator.Free(buf)
	}
}

func roundDown(size uint64) uint64 {
	return size &^ (uapi.BlkZoneSize - 1)
}
