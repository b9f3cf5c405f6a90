// Package uapi provides Linux kernel UAPI definitions for zoned ublk devices
package uapi

// Feature Flags (64-bit)
const (
	UBLK_F_ZONED = 1 << 8 // Zoned storage support
)

// I/O Operations
const (
	UBLK_IO_OP_READ           = 0
	UBLK_IO_OP_WRITE          = 1
	UBLK_IO_OP_FLUSH          = 2
	UBLK_IO_OP_DISCARD        = 3
	UBLK_IO_OP_WRITE_SAME     = 4
	UBLK_IO_OP_WRITE_ZEROES   = 5
	UBLK_IO_OP_ZONE_OPEN      = 10
	UBLK_IO_OP_ZONE_CLOSE     = 11
	UBLK_IO_OP_ZONE_FINISH    = 12
	UBLK_IO_OP_ZONE_APPEND    = 13
	UBLK_IO_OP_ZONE_RESET_ALL = 14
	UBLK_IO_OP_ZONE_RESET     = 15
	UBLK_IO_OP_REPORT_ZONES   = 18
)

// OpName returns the short name of a ublk I/O operation
func OpName(op uint8) string {
	switch op {
	case UBLK_IO_OP_READ:
		return "READ"
	case UBLK_IO_OP_WRITE:
		return "WRITE"
	case UBLK_IO_OP_FLUSH:
		return "FLUSH"
	case UBLK_IO_OP_DISCARD:
		return "DISCARD"
	case UBLK_IO_OP_WRITE_SAME:
		return "WRITE_SAME"
	case UBLK_IO_OP_WRITE_ZEROES:
		return "WRITE_ZEROES"
	case UBLK_IO_OP_ZONE_OPEN:
		return "ZONE_OPEN"
	case UBLK_IO_OP_ZONE_CLOSE:
		return "ZONE_CLOSE"
	case UBLK_IO_OP_ZONE_FINISH:
		return "ZONE_FINISH"
	case UBLK_IO_OP_ZONE_APPEND:
		return "ZONE_APPEND"
	case UBLK_IO_OP_ZONE_RESET_ALL:
		return "ZONE_RESET_ALL"
	case UBLK_IO_OP_ZONE_RESET:
		return "ZONE_RESET"
	case UBLK_IO_OP_REPORT_ZONES:
		return "REPORT_ZONES"
	default:
		return "OP_UNKNOWN"
	}
}

// I/O Flags
const (
	UBLK_IO_F_FAILFAST_DEV       = 1 << 8
	UBLK_IO_F_FAILFAST_TRANSPORT = 1 << 9
	UBLK_IO_F_FAILFAST_DRIVER    = 1 << 10
)

// Parameter Type Flags
const (
	UBLK_PARAM_TYPE_BASIC   = 1 << 0
	UBLK_PARAM_TYPE_DISCARD = 1 << 1
	UBLK_PARAM_TYPE_DEVT    = 1 << 2
	UBLK_PARAM_TYPE_ZONED   = 1 << 3
)

// Zone types (enum blk_zone_type)
const (
	BLK_ZONE_TYPE_CONVENTIONAL  = 0x1
	BLK_ZONE_TYPE_SEQWRITE_REQ  = 0x2
	BLK_ZONE_TYPE_SEQWRITE_PREF = 0x3
)

// Zone conditions (enum blk_zone_cond)
const (
	BLK_ZONE_COND_NOT_WP   = 0x0
	BLK_ZONE_COND_EMPTY    = 0x1
	BLK_ZONE_COND_IMP_OPEN = 0x2
	BLK_ZONE_COND_EXP_OPEN = 0x3
	BLK_ZONE_COND_CLOSED   = 0x4
	BLK_ZONE_COND_READONLY = 0xD
	BLK_ZONE_COND_FULL     = 0xE
	BLK_ZONE_COND_OFFLINE  = 0xF
)
