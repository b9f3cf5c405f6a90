//go:build unix

package zoned

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
)

// MmapAllocator backs each report buffer with its own anonymous mapping,
// the way per-tag I/O buffers are mapped. Buffers come back zeroed.
type MmapAllocator struct {
	Logger *logging.Logger // nil uses the default logger
}

func (a MmapAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, unix.EINVAL)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return buf, nil
}

// Free unmaps buf. Free has no caller to report to, so a failed unmap is
// logged and the mapping is left in place.
func (a MmapAllocator) Free(buf []byte) {
	if buf == nil {
		return
	}
	if err := unix.Munmap(buf); err != nil {
		logger := a.Logger
		if logger == nil {
			logger = logging.Default()
		}
		logger.WithError(err).Debug("munmap report buffer failed", "size", len(buf))
	}
}
