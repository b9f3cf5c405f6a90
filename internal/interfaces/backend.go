package interfaces

// Backend defines the data interface that all ublk backends implement.
// It is intentionally similar to io.ReaderAt and io.WriterAt.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes.
	Size() int64

	// Close closes the backend and releases any resources.
	Close() error

	// Flush flushes any cached writes to stable storage.
	Flush() error
}

// ZonedBackend is implemented by backends that service report-zones
// queries for a zoned (sequential-write) device.
type ZonedBackend interface {
	Backend

	// ZoneSectors returns the zone size in 512-byte sectors.
	ZoneSectors() uint32

	// ReportZones encodes up to nrZones zone descriptors (struct blk_zone,
	// 64 bytes each) into buf, beginning with the zone that contains
	// sector. It returns the number of descriptors written. Descriptors
	// past the last populated zone must be left zeroed: a zero-length
	// descriptor tells the caller there is nothing more to report.
	//
	// Implementations must not retain buf.
	ReportZones(sector uint64, nrZones uint32, buf []byte) (int, error)
}

// ZoneManagementBackend is an optional interface for backends that
// implement the zone management operations (UBLK_IO_OP_ZONE_*).
// Sector arguments name any sector inside the target zone.
type ZoneManagementBackend interface {
	ZonedBackend

	OpenZone(sector uint64) error
	CloseZone(sector uint64) error
	FinishZone(sector uint64) error
	ResetZone(sector uint64) error
	ResetAllZones() error

	// AppendZone writes p at the zone's write pointer and returns the
	// sector the data landed at.
	AppendZone(p []byte, sector uint64) (uint64, error)
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]interface{}
}

// Observer receives zone report events for metrics collection
type Observer interface {
	// ObserveReport is called once per report-zones call
	ObserveReport(zones uint64, latencyNs uint64, success bool)

	// ObserveChunk is called for each executed chunk request
	ObserveChunk(zones uint64, bufBytes uint64)

	// ObserveAllocShrink is called each time a report buffer allocation
	// fails and is retried at half the size
	ObserveAllocShrink()

	// ObserveSentinel is called when a report stops on a zero-length zone
	ObserveSentinel()
}

// Logger is the minimal logger accepted from callers
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
