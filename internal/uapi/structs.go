package uapi

import (
	"unsafe"
)

// UblksrvIODesc describes each I/O operation handed to the backend.
// Layout must match Linux's struct ublksrv_io_desc exactly (24 bytes).
type UblksrvIODesc struct {
	OpFlags     uint32 // op: bits 0-7, flags: bits 8-31
	NrSectors   uint32 // number of sectors (or nr_zones for REPORT_ZONES)
	StartSector uint64 // starting sector
	Addr        uint64 // buffer address in userspace
}

// Compile-time size check - kernel struct is 24 bytes.
var _ [24]byte = [unsafe.Sizeof(UblksrvIODesc{})]byte{}

// GetOp extracts the operation code from OpFlags
func (d *UblksrvIODesc) GetOp() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// GetFlags extracts the flags from OpFlags
func (d *UblksrvIODesc) GetFlags() uint32 {
	return d.OpFlags >> 8
}

// NrZones returns the zone count of a REPORT_ZONES descriptor.
// The kernel reuses nr_sectors as nr_zones for that op.
func (d *UblksrvIODesc) NrZones() uint32 {
	return d.NrSectors
}

// UblkParamBasic contains basic device parameters
type UblkParamBasic struct {
	Attrs            uint32 // attribute flags (UBLK_ATTR_*)
	LogicalBSShift   uint8  // logical block size shift
	PhysicalBSShift  uint8  // physical block size shift
	IOOptShift       uint8  // optimal I/O size shift
	IOMinShift       uint8  // minimum I/O size shift
	MaxSectors       uint32 // max sectors per request
	ChunkSectors     uint32 // chunk size in sectors (zone size for zoned devices)
	DevSectors       uint64 // device size in sectors
	VirtBoundaryMask uint64 // virtual boundary mask
}

// UblkParamZoned contains zoned device parameters
type UblkParamZoned struct {
	MaxOpenZones         uint32    // max open zones
	MaxActiveZones       uint32    // max active zones
	MaxZoneAppendSectors uint32    // max zone append sectors
	Reserved             [20]uint8 // reserved for future use
}

// UblkParams contains the parameter groups the zoned path consumes
type UblkParams struct {
	Len   uint32         // total length of parameters
	Types uint32         // types of parameters included (UBLK_PARAM_TYPE_*)
	Basic UblkParamBasic // basic parameters
	Zoned UblkParamZoned // zoned device parameters
}

// HasBasic returns true if basic parameters are included
func (p *UblkParams) HasBasic() bool {
	return (p.Types & UBLK_PARAM_TYPE_BASIC) != 0
}

// HasZoned returns true if zoned parameters are included
func (p *UblkParams) HasZoned() bool {
	return (p.Types & UBLK_PARAM_TYPE_ZONED) != 0
}

// SetBasic enables basic parameters
func (p *UblkParams) SetBasic() {
	p.Types |= UBLK_PARAM_TYPE_BASIC
}

// SetZoned enables zoned parameters
func (p *UblkParams) SetZoned() {
	p.Types |= UBLK_PARAM_TYPE_ZONED
}
