package uapi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// BlkZoneSize is the encoded size of struct blk_zone
const BlkZoneSize = 64

// ErrInsufficientData is returned when a buffer is too short to decode
var ErrInsufficientData = errors.New("insufficient data for unmarshaling")

// BlkZone mirrors the kernel's struct blk_zone (64 bytes):
//
//	struct blk_zone {
//	  __u64 start;        // zone start sector
//	  __u64 len;          // zone length in sectors
//	  __u64 wp;           // zone write pointer position
//	  __u8  type;         // zone type
//	  __u8  cond;         // zone condition
//	  __u8  non_seq;      // non-sequential write resources active
//	  __u8  reset;        // reset write pointer recommended
//	  __u8  resv[4];
//	  __u64 capacity;     // zone capacity in sectors
//	  __u8  reserved[24];
//	};
type BlkZone struct {
	Start    uint64
	Len      uint64
	WP       uint64
	Type     ZoneType
	Cond     ZoneCond
	NonSeq   uint8
	Reset    uint8
	Resv     [4]uint8
	Capacity uint64
	Reserved [24]uint8
}

// Compile-time size check
var _ [BlkZoneSize]byte = [unsafe.Sizeof(BlkZone{})]byte{}

// IsSentinel reports whether z is the zero-length zone that terminates a report
func (z *BlkZone) IsSentinel() bool {
	return z.Len == 0
}

// MarshalTo encodes z into buf, which must hold BlkZoneSize bytes
func (z *BlkZone) MarshalTo(buf []byte) error {
	if len(buf) < BlkZoneSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], z.Start)
	binary.LittleEndian.PutUint64(buf[8:16], z.Len)
	binary.LittleEndian.PutUint64(buf[16:24], z.WP)
	buf[24] = uint8(z.Type)
	buf[25] = uint8(z.Cond)
	buf[26] = z.NonSeq
	buf[27] = z.Reset
	copy(buf[28:32], z.Resv[:])
	binary.LittleEndian.PutUint64(buf[32:40], z.Capacity)
	copy(buf[40:64], z.Reserved[:])
	return nil
}

// UnmarshalBlkZone decodes one zone descriptor from the start of data
func UnmarshalBlkZone(data []byte, z *BlkZone) error {
	if len(data) < BlkZoneSize {
		return ErrInsufficientData
	}
	z.Start = binary.LittleEndian.Uint64(data[0:8])
	z.Len = binary.LittleEndian.Uint64(data[8:16])
	z.WP = binary.LittleEndian.Uint64(data[16:24])
	z.Type = ZoneType(data[24])
	z.Cond = ZoneCond(data[25])
	z.NonSeq = data[26]
	z.Reset = data[27]
	copy(z.Resv[:], data[28:32])
	z.Capacity = binary.LittleEndian.Uint64(data[32:40])
	copy(z.Reserved[:], data[40:64])
	return nil
}

// BlkZoneAt decodes the idx'th descriptor of a report buffer
func BlkZoneAt(buf []byte, idx int) (BlkZone, error) {
	var z BlkZone
	off := idx * BlkZoneSize
	if idx < 0 || off+BlkZoneSize > len(buf) {
		return z, ErrInsufficientData
	}
	err := UnmarshalBlkZone(buf[off:off+BlkZoneSize], &z)
	return z, err
}

// ZoneType is the blk_zone type field
type ZoneType uint8

func (t ZoneType) String() string {
	switch t {
	case BLK_ZONE_TYPE_CONVENTIONAL:
		return "CONVENTIONAL"
	case BLK_ZONE_TYPE_SEQWRITE_REQ:
		return "SEQ_WRITE_REQUIRED"
	case BLK_ZONE_TYPE_SEQWRITE_PREF:
		return "SEQ_WRITE_PREFERRED"
	default:
		return fmt.Sprintf("TYPE_%d", uint8(t))
	}
}

// ZoneCond is the blk_zone cond field
type ZoneCond uint8

func (c ZoneCond) String() string {
	switch c {
	case BLK_ZONE_COND_NOT_WP:
		return "NOT_WP"
	case BLK_ZONE_COND_EMPTY:
		return "EMPTY"
	case BLK_ZONE_COND_IMP_OPEN:
		return "IMPLICIT_OPEN"
	case BLK_ZONE_COND_EXP_OPEN:
		return "EXPLICIT_OPEN"
	case BLK_ZONE_COND_CLOSED:
		return "CLOSED"
	case BLK_ZONE_COND_READONLY:
		return "READONLY"
	case BLK_ZONE_COND_FULL:
		return "FULL"
	case BLK_ZONE_COND_OFFLINE:
		return "OFFLINE"
	default:
		return fmt.Sprintf("COND_%d", uint8(c))
	}
}
