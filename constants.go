package ublk

import "github.com/ehrlich-b/go-ublk-zoned/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize        = constants.DefaultMaxIOSize
	DefaultMaxSegments      = constants.DefaultMaxSegments
	DefaultZoneSize         = constants.DefaultZoneSize
	AutoAssignDeviceID      = constants.AutoAssignDeviceID
	SectorShift             = constants.SectorShift
	SectorSize              = constants.SectorSize
	ZoneDescriptorSize      = constants.ZoneDescriptorSize
)
