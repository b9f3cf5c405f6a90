package constants

// Default configuration constants
const (
	// DefaultQueueDepth is the default number of requests the channel keeps in flight
	DefaultQueueDepth = 128

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// DefaultMaxIOSize is the default maximum transfer size in bytes (1MB)
	DefaultMaxIOSize = 1 << 20

	// DefaultMaxSegments is the default number of segments per request
	DefaultMaxSegments = 128

	// DefaultZoneSize is the default zone size in bytes (256MB)
	DefaultZoneSize = 256 << 20

	// AutoAssignDeviceID indicates the device ID should be auto-assigned
	AutoAssignDeviceID = -1
)

// Geometry constants
const (
	// SectorShift converts between sectors and bytes
	SectorShift = 9

	// SectorSize is the size of one sector in bytes
	SectorSize = 1 << SectorShift

	// ZoneDescriptorSize is the size of one encoded zone descriptor (struct blk_zone)
	ZoneDescriptorSize = 64
)

// Memory allocation constants
const (
	// MaxPooledBufferSize is the largest report buffer served from the buffer pool (1MB)
	MaxPooledBufferSize = 1 << 20
)
