package ublk

import (
	"github.com/ehrlich-b/go-ublk-zoned/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
	"github.com/ehrlich-b/go-ublk-zoned/internal/queue"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
	"github.com/ehrlich-b/go-ublk-zoned/internal/zoned"
)

// Backend defines the data interface that all ublk backends implement
type Backend = interfaces.Backend

// ZonedBackend is a backend that can answer report-zones queries
type ZonedBackend = interfaces.ZonedBackend

// ZoneManagementBackend is a zoned backend that also implements the zone
// management operations
type ZoneManagementBackend = interfaces.ZoneManagementBackend

// StatBackend is an optional interface that provides backend statistics
type StatBackend = interfaces.StatBackend

// Logger is the minimal logger accepted in Options
type Logger = interfaces.Logger

// Allocator hands out report buffers
type Allocator = zoned.Allocator

// Channel carries report requests to the side that services them
type Channel = queue.Channel

// Request is one request on a Channel
type Request = queue.Request

// RequestKind tags what a Request carries
type RequestKind = queue.Kind

const (
	KindUserIO      = queue.KindUserIO
	KindReportZones = queue.KindReportZones
)

// Zone is one zone descriptor, laid out as the kernel's struct blk_zone
type Zone = uapi.BlkZone

// ZoneType is the zone type field of a Zone
type ZoneType = uapi.ZoneType

// ZoneCond is the zone condition field of a Zone
type ZoneCond = uapi.ZoneCond

const (
	ZoneTypeConventional = ZoneType(uapi.BLK_ZONE_TYPE_CONVENTIONAL)
	ZoneTypeSeqWriteReq  = ZoneType(uapi.BLK_ZONE_TYPE_SEQWRITE_REQ)
	ZoneTypeSeqWritePref = ZoneType(uapi.BLK_ZONE_TYPE_SEQWRITE_PREF)
)

const (
	ZoneCondNotWP    = ZoneCond(uapi.BLK_ZONE_COND_NOT_WP)
	ZoneCondEmpty    = ZoneCond(uapi.BLK_ZONE_COND_EMPTY)
	ZoneCondImpOpen  = ZoneCond(uapi.BLK_ZONE_COND_IMP_OPEN)
	ZoneCondExpOpen  = ZoneCond(uapi.BLK_ZONE_COND_EXP_OPEN)
	ZoneCondClosed   = ZoneCond(uapi.BLK_ZONE_COND_CLOSED)
	ZoneCondReadOnly = ZoneCond(uapi.BLK_ZONE_COND_READONLY)
	ZoneCondFull     = ZoneCond(uapi.BLK_ZONE_COND_FULL)
	ZoneCondOffline  = ZoneCond(uapi.BLK_ZONE_COND_OFFLINE)
)

// ReportFunc receives each reported zone and its index within the chunk
// request that returned it
type ReportFunc = zoned.ReportFunc

// NewPoolAllocator returns a pooled report buffer allocator; limit bounds
// the bytes handed out at once, 0 means unlimited
func NewPoolAllocator(limit int64) Allocator {
	return zoned.NewPoolAllocator(limit)
}

// NewMmapAllocator returns an allocator that maps each report buffer
// anonymously and unmaps it on release
func NewMmapAllocator() Allocator {
	return zoned.MmapAllocator{Logger: logging.Default()}
}
