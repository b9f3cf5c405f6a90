// Package backend provides standard ublk backend implementations
package backend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/constants"
	"github.com/ehrlich-b/go-ublk-zoned/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// ZonedConfig describes the geometry of a Zoned backend
type ZonedConfig struct {
	Size         int64 // device size in bytes, a whole number of zones
	ZoneSize     int64 // zone size in bytes, a power of two
	ZoneCapacity int64 // writable bytes per zone (default: ZoneSize)

	Conventional int // leading zones that accept random writes

	MaxOpenZones   uint32 // 0 means no limit
	MaxActiveZones uint32 // 0 means no limit
}

type zone struct {
	start    uint64 // sectors
	len      uint64
	capacity uint64
	wp       uint64
	typ      uapi.ZoneType
	cond     uapi.ZoneCond
	data     []byte // allocated on first write
}

func (z *zone) descriptor() uapi.BlkZone {
	return uapi.BlkZone{
		Start:    z.start,
		Len:      z.len,
		WP:       z.wp,
		Type:     z.typ,
		Cond:     z.cond,
		Capacity: z.capacity,
	}
}

func (z *zone) isOpen() bool {
	return z.cond == uapi.BLK_ZONE_COND_IMP_OPEN || z.cond == uapi.BLK_ZONE_COND_EXP_OPEN
}

func (z *zone) isActive() bool {
	return z.isOpen() || z.cond == uapi.BLK_ZONE_COND_CLOSED
}

// Zoned provides a RAM-based zoned backend: sequential-write-required
// zones with write pointers, optionally preceded by conventional zones.
// Zone data is allocated lazily, so large sparse devices are cheap.
type Zoned struct {
	mu sync.RWMutex

	size        int64
	zoneBytes   int64
	zoneSectors uint32
	zones       []zone

	maxOpen   uint32
	maxActive uint32
	nrOpen    uint32
	nrActive  uint32
}

// NewZoned creates a zoned memory backend
func NewZoned(cfg ZonedConfig) (*Zoned, error) {
	if cfg.ZoneSize < constants.SectorSize || cfg.ZoneSize&(cfg.ZoneSize-1) != 0 {
		return nil, fmt.Errorf("zone size %d is not a power of two of at least %d bytes", cfg.ZoneSize, constants.SectorSize)
	}
	if cfg.ZoneSize>>constants.SectorShift > 1<<31 {
		return nil, fmt.Errorf("zone size %d too large", cfg.ZoneSize)
	}
	if cfg.Size < cfg.ZoneSize || cfg.Size%cfg.ZoneSize != 0 {
		return nil, fmt.Errorf("size %d is not a whole number of %d byte zones", cfg.Size, cfg.ZoneSize)
	}
	if cfg.ZoneCapacity == 0 {
		cfg.ZoneCapacity = cfg.ZoneSize
	}
	if cfg.ZoneCapacity > cfg.ZoneSize || cfg.ZoneCapacity%constants.SectorSize != 0 {
		return nil, fmt.Errorf("invalid zone capacity %d", cfg.ZoneCapacity)
	}

	nrZones := int(cfg.Size / cfg.ZoneSize)
	if cfg.Conventional < 0 || cfg.Conventional > nrZones {
		return nil, fmt.Errorf("%d conventional zones on a %d zone device", cfg.Conventional, nrZones)
	}

	zoneSectors := uint64(cfg.ZoneSize >> constants.SectorShift)
	capSectors := uint64(cfg.ZoneCapacity >> constants.SectorShift)

	b := &Zoned{
		size:        cfg.Size,
		zoneBytes:   cfg.ZoneSize,
		zoneSectors: uint32(zoneSectors),
		zones:       make([]zone, nrZones),
		maxOpen:     cfg.MaxOpenZones,
		maxActive:   cfg.MaxActiveZones,
	}
	for i := range b.zones {
		z := &b.zones[i]
		z.start = uint64(i) * zoneSectors
		z.len = zoneSectors
		if i < cfg.Conventional {
			z.typ = uapi.BLK_ZONE_TYPE_CONVENTIONAL
			z.cond = uapi.BLK_ZONE_COND_NOT_WP
			z.capacity = zoneSectors
			z.wp = z.start + z.len
		} else {
			z.typ = uapi.BLK_ZONE_TYPE_SEQWRITE_REQ
			z.cond = uapi.BLK_ZONE_COND_EMPTY
			z.capacity = capSectors
			z.wp = z.start
		}
	}
	return b, nil
}

// ZoneSectors implements the ZonedBackend interface
func (b *Zoned) ZoneSectors() uint32 {
	return b.zoneSectors
}

// NrZones returns the number of zones
func (b *Zoned) NrZones() int {
	return len(b.zones)
}

// ReportZones implements the ZonedBackend interface. Descriptors past the
// last zone are left untouched, so a zeroed buffer ends in the sentinel.
func (b *Zoned) ReportZones(sector uint64, nrZones uint32, buf []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	first := sector / uint64(b.zoneSectors)
	n := 0
	for i := uint64(0); i < uint64(nrZones) && first+i < uint64(len(b.zones)); i++ {
		off := int(i) * uapi.BlkZoneSize
		if off+uapi.BlkZoneSize > len(buf) {
			break
		}
		d := b.zones[first+i].descriptor()
		if err := d.MarshalTo(buf[off:]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ReadAt implements the Backend interface. Unwritten space reads as zeros.
func (b *Zoned) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, unix.EINVAL)
	}
	if off >= b.size {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := b.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		z := &b.zones[pos/b.zoneBytes]
		zoff := pos % b.zoneBytes
		chunk := p[n:min(len(p), n+int(b.zoneBytes-zoff))]
		if z.data == nil {
			clear(chunk)
		} else {
			copy(chunk, z.data[zoff:])
		}
		n += len(chunk)
	}
	return n, nil
}

// WriteAt implements the Backend interface. Writes to a sequential zone
// must start at its write pointer and stay within the zone capacity.
func (b *Zoned) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 || off >= b.size {
		return 0, fmt.Errorf("write at %d beyond end of device: %w", off, unix.EINVAL)
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= b.size {
			return n, fmt.Errorf("write at %d beyond end of device: %w", pos, unix.ENOSPC)
		}
		idx := int(pos / b.zoneBytes)
		zoff := pos % b.zoneBytes
		chunk := p[n:min(len(p), n+int(b.zoneBytes-zoff))]

		if b.zones[idx].typ == uapi.BLK_ZONE_TYPE_CONVENTIONAL {
			b.writeZone(idx, chunk, zoff)
			n += len(chunk)
			continue
		}

		if len(chunk) < len(p)-n {
			return n, fmt.Errorf("zone %d: write crosses zone boundary: %w", idx, unix.EIO)
		}
		if err := b.writeSequential(idx, chunk, zoff); err != nil {
			return n, err
		}
		n += len(chunk)
	}
	return n, nil
}

// AppendZone writes p at the write pointer of the zone holding sector and
// returns the sector the data landed at
func (b *Zoned) AppendZone(p []byte, sector uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.zoneIndex(sector)
	if err != nil {
		return 0, err
	}
	z := &b.zones[idx]
	if z.typ == uapi.BLK_ZONE_TYPE_CONVENTIONAL {
		return 0, fmt.Errorf("zone %d: append to conventional zone: %w", idx, unix.EIO)
	}

	at := z.wp
	zoff := int64(z.wp-z.start) << constants.SectorShift
	if err := b.writeSequential(idx, p, zoff); err != nil {
		return 0, err
	}
	return at, nil
}

func (b *Zoned) writeSequential(idx int, p []byte, zoff int64) error {
	z := &b.zones[idx]

	switch z.cond {
	case uapi.BLK_ZONE_COND_FULL:
		return fmt.Errorf("zone %d: write to full zone: %w", idx, unix.EIO)
	case uapi.BLK_ZONE_COND_READONLY:
		return fmt.Errorf("zone %d: %w", idx, unix.EROFS)
	case uapi.BLK_ZONE_COND_OFFLINE:
		return fmt.Errorf("zone %d: offline: %w", idx, unix.EIO)
	}

	if len(p)%constants.SectorSize != 0 {
		return fmt.Errorf("zone %d: write of %d bytes not sector aligned: %w", idx, len(p), unix.EINVAL)
	}
	if uint64(zoff>>constants.SectorShift) != z.wp-z.start || zoff%constants.SectorSize != 0 {
		return fmt.Errorf("zone %d: unaligned write at sector %d, wp %d: %w",
			idx, z.start+uint64(zoff>>constants.SectorShift), z.wp, unix.EIO)
	}
	sectors := uint64(len(p)) >> constants.SectorShift
	if z.wp+sectors > z.start+z.capacity {
		return fmt.Errorf("zone %d: write past zone capacity: %w", idx, unix.EIO)
	}
	if sectors == 0 {
		return nil
	}

	// Implicit open
	switch z.cond {
	case uapi.BLK_ZONE_COND_EMPTY:
		if err := b.checkActive(idx); err != nil {
			return err
		}
		if err := b.checkOpen(idx); err != nil {
			return err
		}
		b.nrActive++
		b.nrOpen++
		z.cond = uapi.BLK_ZONE_COND_IMP_OPEN
	case uapi.BLK_ZONE_COND_CLOSED:
		if err := b.checkOpen(idx); err != nil {
			return err
		}
		b.nrOpen++
		z.cond = uapi.BLK_ZONE_COND_IMP_OPEN
	}

	b.writeZone(idx, p, zoff)
	z.wp += sectors
	if z.wp == z.start+z.capacity {
		b.release(z)
		z.cond = uapi.BLK_ZONE_COND_FULL
		z.wp = z.start + z.len
	}
	return nil
}

func (b *Zoned) writeZone(idx int, p []byte, zoff int64) {
	z := &b.zones[idx]
	if z.data == nil {
		z.data = make([]byte, b.zoneBytes)
	}
	copy(z.data[zoff:], p)
}

// OpenZone explicitly opens the zone holding sector
func (b *Zoned) OpenZone(sector uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, z, err := b.seqZone(sector, "open")
	if err != nil {
		return err
	}

	switch z.cond {
	case uapi.BLK_ZONE_COND_EXP_OPEN, uapi.BLK_ZONE_COND_FULL:
		return nil
	case uapi.BLK_ZONE_COND_IMP_OPEN:
		z.cond = uapi.BLK_ZONE_COND_EXP_OPEN
		return nil
	case uapi.BLK_ZONE_COND_EMPTY:
		if err := b.checkActive(idx); err != nil {
			return err
		}
		if err := b.checkOpen(idx); err != nil {
			return err
		}
		b.nrActive++
	case uapi.BLK_ZONE_COND_CLOSED:
		if err := b.checkOpen(idx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("zone %d: open in condition %s: %w", idx, z.cond, unix.EIO)
	}
	b.nrOpen++
	z.cond = uapi.BLK_ZONE_COND_EXP_OPEN
	return nil
}

// CloseZone closes the open zone holding sector
func (b *Zoned) CloseZone(sector uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, z, err := b.seqZone(sector, "close")
	if err != nil {
		return err
	}

	switch z.cond {
	case uapi.BLK_ZONE_COND_CLOSED:
		return nil
	case uapi.BLK_ZONE_COND_IMP_OPEN, uapi.BLK_ZONE_COND_EXP_OPEN:
		b.nrOpen--
		if z.wp == z.start {
			b.nrActive--
			z.cond = uapi.BLK_ZONE_COND_EMPTY
		} else {
			z.cond = uapi.BLK_ZONE_COND_CLOSED
		}
		return nil
	default:
		return fmt.Errorf("zone %d: close in condition %s: %w", idx, z.cond, unix.EIO)
	}
}

// FinishZone moves the write pointer of the zone holding sector to the
// end of the zone
func (b *Zoned) FinishZone(sector uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, z, err := b.seqZone(sector, "finish")
	if err != nil {
		return err
	}

	switch z.cond {
	case uapi.BLK_ZONE_COND_FULL:
		return nil
	case uapi.BLK_ZONE_COND_EMPTY:
		if err := b.checkActive(idx); err != nil {
			return err
		}
	case uapi.BLK_ZONE_COND_IMP_OPEN, uapi.BLK_ZONE_COND_EXP_OPEN, uapi.BLK_ZONE_COND_CLOSED:
		b.release(z)
	default:
		return fmt.Errorf("zone %d: finish in condition %s: %w", idx, z.cond, unix.EIO)
	}
	z.cond = uapi.BLK_ZONE_COND_FULL
	z.wp = z.start + z.len
	return nil
}

// ResetZone rewinds the write pointer of the zone holding sector and
// discards its data
func (b *Zoned) ResetZone(sector uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, z, err := b.seqZone(sector, "reset")
	if err != nil {
		return err
	}
	return b.resetLocked(idx, z)
}

// ResetAllZones resets every sequential zone
func (b *Zoned) ResetAllZones() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.zones {
		z := &b.zones[i]
		if z.typ == uapi.BLK_ZONE_TYPE_CONVENTIONAL ||
			z.cond == uapi.BLK_ZONE_COND_READONLY || z.cond == uapi.BLK_ZONE_COND_OFFLINE {
			continue
		}
		if err := b.resetLocked(i, z); err != nil {
			return err
		}
	}
	return nil
}

func (b *Zoned) resetLocked(idx int, z *zone) error {
	switch z.cond {
	case uapi.BLK_ZONE_COND_EMPTY:
		return nil
	case uapi.BLK_ZONE_COND_READONLY, uapi.BLK_ZONE_COND_OFFLINE:
		return fmt.Errorf("zone %d: reset in condition %s: %w", idx, z.cond, unix.EIO)
	}
	b.release(z)
	z.cond = uapi.BLK_ZONE_COND_EMPTY
	z.wp = z.start
	z.data = nil
	return nil
}

// SetZoneCondition forces the zone holding sector read-only or offline,
// the way a failing device would report it
func (b *Zoned) SetZoneCondition(sector uint64, cond uapi.ZoneCond) error {
	if cond != uapi.BLK_ZONE_COND_READONLY && cond != uapi.BLK_ZONE_COND_OFFLINE {
		return fmt.Errorf("cannot force condition %s: %w", cond, unix.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.zoneIndex(sector)
	if err != nil {
		return err
	}
	z := &b.zones[idx]
	b.release(z)
	z.cond = cond
	if cond == uapi.BLK_ZONE_COND_OFFLINE {
		z.data = nil
	}
	return nil
}

// release drops the open/active accounting held by z
func (b *Zoned) release(z *zone) {
	if z.isOpen() {
		b.nrOpen--
	}
	if z.isActive() {
		b.nrActive--
	}
}

func (b *Zoned) checkOpen(idx int) error {
	if b.maxOpen != 0 && b.nrOpen >= b.maxOpen {
		return fmt.Errorf("zone %d: %d zones open: %w", idx, b.nrOpen, unix.ETOOMANYREFS)
	}
	return nil
}

func (b *Zoned) checkActive(idx int) error {
	if b.maxActive != 0 && b.nrActive >= b.maxActive {
		return fmt.Errorf("zone %d: %d zones active: %w", idx, b.nrActive, unix.EOVERFLOW)
	}
	return nil
}

func (b *Zoned) zoneIndex(sector uint64) (int, error) {
	idx := sector / uint64(b.zoneSectors)
	if idx >= uint64(len(b.zones)) {
		return 0, fmt.Errorf("sector %d beyond end of device: %w", sector, unix.EINVAL)
	}
	return int(idx), nil
}

func (b *Zoned) seqZone(sector uint64, op string) (int, *zone, error) {
	idx, err := b.zoneIndex(sector)
	if err != nil {
		return 0, nil, err
	}
	z := &b.zones[idx]
	if z.typ == uapi.BLK_ZONE_TYPE_CONVENTIONAL {
		return 0, nil, fmt.Errorf("zone %d: %s conventional zone: %w", idx, op, unix.EIO)
	}
	return idx, z, nil
}

// Size implements the Backend interface
func (b *Zoned) Size() int64 {
	return b.size
}

// Close implements the Backend interface
func (b *Zoned) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Drop zone data to help with GC
	for i := range b.zones {
		b.zones[i].data = nil
	}
	return nil
}

// Flush implements the Backend interface
func (b *Zoned) Flush() error {
	// Memory backend doesn't need flushing
	return nil
}

// Stats implements the StatBackend interface
func (b *Zoned) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	conds := make(map[string]int)
	allocated := 0
	for i := range b.zones {
		conds[b.zones[i].cond.String()]++
		allocated += len(b.zones[i].data)
	}
	return map[string]interface{}{
		"type":         "zoned-memory",
		"size":         b.size,
		"zones":        len(b.zones),
		"zone_size":    b.zoneBytes,
		"open_zones":   b.nrOpen,
		"active_zones": b.nrActive,
		"allocated":    allocated,
		"conditions":   conds,
	}
}

// Compile-time interface checks
var (
	_ interfaces.ZonedBackend          = (*Zoned)(nil)
	_ interfaces.ZoneManagementBackend = (*Zoned)(nil)
	_ interfaces.StatBackend           = (*Zoned)(nil)
)
