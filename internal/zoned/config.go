// Package zoned implements the report-zones path of a zoned ublk disk:
// zone geometry, report buffer sizing and the chunked report loop.
package zoned

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// DeviceParams are the static zoned parameters of a device. They do not
// change once the device is configured.
type DeviceParams struct {
	ChunkSectors   uint32 // zone size in sectors
	DevSectors     uint64 // device size in sectors
	MaxActiveZones uint32
	MaxOpenZones   uint32
	Zoned          bool
}

// QueueLimits are the queue limits the report path must respect
type QueueLimits struct {
	MaxHWSectors    uint32 // largest transfer in sectors
	MaxSegments     uint32 // segments per request, one page each
	ChunkSectors    uint32 // zone size in sectors
	CapacitySectors uint64 // current disk capacity
}

// Disk is the per-device context the report path works against
type Disk struct {
	Params DeviceParams
	Limits QueueLimits

	NrZones        uint32
	MaxActiveZones uint32
	MaxOpenZones   uint32

	zoneShift uint
}

// DeriveZoneCount returns DevSectors / ChunkSectors. The second result is
// false when the device is not zoned or has no zone size, in which case
// there is no zone count.
func DeriveZoneCount(p DeviceParams) (uint32, bool) {
	if !p.Zoned || p.ChunkSectors == 0 {
		return 0, false
	}
	n := p.DevSectors / uint64(p.ChunkSectors)
	if n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// ApplyZoneLimits copies the active/open zone limits onto d. It does
// nothing for a device that is not zoned.
func ApplyZoneLimits(p DeviceParams, d *Disk) {
	if !p.Zoned {
		return
	}
	d.MaxActiveZones = p.MaxActiveZones
	d.MaxOpenZones = p.MaxOpenZones
}

// ParamsFromUAPI extracts the zoned parameters from a ublk parameter block
// and the device feature flags
func ParamsFromUAPI(flags uint64, p *uapi.UblkParams) DeviceParams {
	dp := DeviceParams{
		Zoned: flags&uapi.UBLK_F_ZONED != 0,
	}
	if p.HasBasic() {
		dp.ChunkSectors = p.Basic.ChunkSectors
		dp.DevSectors = p.Basic.DevSectors
	}
	if p.HasZoned() {
		dp.MaxActiveZones = p.Zoned.MaxActiveZones
		dp.MaxOpenZones = p.Zoned.MaxOpenZones
	}
	return dp
}

// NewDisk validates p against l and derives the zone count and limits.
// A zero ChunkSectors or CapacitySectors in l is taken from p.
func NewDisk(p DeviceParams, l QueueLimits) (*Disk, error) {
	if l.ChunkSectors == 0 {
		l.ChunkSectors = p.ChunkSectors
	}
	if l.CapacitySectors == 0 {
		l.CapacitySectors = p.DevSectors
	}

	d := &Disk{Params: p, Limits: l}
	if !p.Zoned {
		return d, nil
	}

	if p.ChunkSectors == 0 || p.ChunkSectors&(p.ChunkSectors-1) != 0 {
		return nil, fmt.Errorf("%w: zone size %d sectors is not a power of two", ErrInvalidGeometry, p.ChunkSectors)
	}
	if l.ChunkSectors != p.ChunkSectors {
		return nil, fmt.Errorf("%w: queue chunk %d sectors != zone size %d sectors", ErrInvalidGeometry, l.ChunkSectors, p.ChunkSectors)
	}
	nrZones, ok := DeriveZoneCount(p)
	if !ok {
		return nil, fmt.Errorf("%w: %d sectors holds too many zones", ErrInvalidGeometry, p.DevSectors)
	}

	d.NrZones = nrZones
	d.zoneShift = uint(bits.TrailingZeros32(p.ChunkSectors))
	ApplyZoneLimits(p, d)
	return d, nil
}

// Zoned reports whether the disk was configured as zoned
func (d *Disk) Zoned() bool {
	return d.Params.Zoned
}

// ZoneSectors returns the zone size in sectors
func (d *Disk) ZoneSectors() uint32 {
	return d.Limits.ChunkSectors
}

// ZoneIndex returns the index of the zone holding sector
func (d *Disk) ZoneIndex(sector uint64) uint64 {
	return sector >> d.zoneShift
}
