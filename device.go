// Package ublk provides the report-zones path of a zoned ublk block device
package ublk

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ublk-zoned/internal/constants"
	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
	"github.com/ehrlich-b/go-ublk-zoned/internal/queue"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
	"github.com/ehrlich-b/go-ublk-zoned/internal/zoned"
)

var nextDeviceID atomic.Uint32

// Device is a zoned block device whose zone reports are serviced by a
// backend through a request channel
type Device struct {
	// ID identifies the device in logs and errors
	ID uint32

	// Name is the optional device name
	Name string

	// Backend is the backend implementation
	Backend ZonedBackend

	disk     *zoned.Disk
	reporter *zoned.Reporter
	channel  Channel
	runner   *queue.Runner // set when the device owns its channel

	depth     int
	blockSize int

	closeOnce sync.Once
	closed    atomic.Bool

	// Metrics and observability
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// DeviceParams contains parameters for creating a zoned device
type DeviceParams struct {
	// Backend provides the zone table and storage
	Backend ZonedBackend

	// Device configuration
	QueueDepth       int // Requests in flight on the built-in channel (default: 128)
	LogicalBlockSize int // Logical block size in bytes (default: 512)
	MaxIOSize        int // Largest transfer in bytes (default: 1MB)
	MaxSegments      int // Segments per request, one page each (default: 128)

	// Zoned parameters
	EnableZoned    bool   // Expose the device as zoned
	MaxOpenZones   uint32 // 0 means no limit
	MaxActiveZones uint32 // 0 means no limit

	// Advanced options
	DeviceID   int32  // Specific device ID (-1 for auto)
	DeviceName string // Optional device name

	// BufferBudget bounds report buffer bytes outstanding at once when the
	// default allocator is used; 0 means unlimited
	BufferBudget int64
}

// DefaultParams returns default device parameters
func DefaultParams(backend ZonedBackend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		QueueDepth:       constants.DefaultQueueDepth,
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,
		MaxSegments:      constants.DefaultMaxSegments,
		EnableZoned:      true,
		DeviceID:         constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Logger receives device creation messages (if nil, none are sent)
	Logger Logger

	// Observer for metrics collection, in addition to the device's own Metrics
	Observer Observer

	// Allocator for report buffers (if nil, a pool allocator is used)
	Allocator Allocator

	// Channel to issue report requests on (if nil, requests are serviced
	// in-process by the backend)
	Channel Channel
}

// New creates a zoned device over params.Backend. Zone geometry comes from
// the backend: its ZoneSectors is the zone size and its Size the capacity.
//
// Example:
//
//	zb, err := backend.NewZoned(backend.ZonedConfig{Size: 1 << 30, ZoneSize: 64 << 20})
//	device, err := ublk.New(ublk.DefaultParams(zb), nil)
//	zones, err := device.Zones(ctx)
func New(params DeviceParams, options *Options) (*Device, error) {
	if params.Backend == nil {
		return nil, NewError("NEW", ErrCodeInvalidParameters, "backend is required")
	}
	if options == nil {
		options = &Options{}
	}
	if params.QueueDepth <= 0 {
		params.QueueDepth = constants.DefaultQueueDepth
	}
	if params.LogicalBlockSize <= 0 {
		params.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}

	id := uint32(params.DeviceID)
	if params.DeviceID < 0 {
		id = nextDeviceID.Add(1) - 1
	}

	if params.MaxIOSize <= 0 {
		params.MaxIOSize = constants.DefaultMaxIOSize
	}
	if params.MaxSegments <= 0 {
		params.MaxSegments = constants.DefaultMaxSegments
	}

	dp := zoned.ParamsFromUAPI(featureFlags(params), buildParams(params))
	limits := zoned.QueueLimits{
		MaxHWSectors: uint32(params.MaxIOSize >> constants.SectorShift),
		MaxSegments:  uint32(params.MaxSegments),
	}
	disk, err := zoned.NewDisk(dp, limits)
	if err != nil {
		return nil, NewDeviceError("NEW", id, ErrCodeInvalidParameters, err.Error())
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	logger := logging.Default().WithDevice(int(id))

	device := &Device{
		ID:        id,
		Name:      params.DeviceName,
		Backend:   params.Backend,
		disk:      disk,
		channel:   options.Channel,
		depth:     params.QueueDepth,
		blockSize: params.LogicalBlockSize,
		metrics:   metrics,
		observer:  observer,
		logger:    logger,
	}

	if device.channel == nil && params.EnableZoned {
		runner, err := queue.NewRunner(queue.Config{
			DevID:      id,
			Depth:      params.QueueDepth,
			MaxIOBytes: params.MaxIOSize,
			Backend:    params.Backend,
			Logger:     logger,
		})
		if err != nil {
			return nil, NewDeviceError("NEW", id, ErrCodeInvalidParameters, fmt.Sprintf("queue runner: %v", err))
		}
		device.runner = runner
		device.channel = runner
	}

	allocator := options.Allocator
	if allocator == nil {
		allocator = zoned.NewPoolAllocator(params.BufferBudget)
	}

	if device.channel != nil {
		device.reporter, err = zoned.NewReporter(zoned.Config{
			Channel:   device.channel,
			Allocator: allocator,
			Logger:    logger,
			Observer:  observer,
		})
		if err != nil {
			device.Close()
			return nil, NewDeviceError("NEW", id, ErrCodeInvalidParameters, err.Error())
		}
	}

	logger.Info("device created", "zoned", disk.Zoned(), "zones", disk.NrZones, "zone_sectors", disk.ZoneSectors())
	if options.Logger != nil {
		options.Logger.Printf("Device created: %d with %d zones of %d sectors", id, disk.NrZones, disk.ZoneSectors())
		options.Logger.Debugf("Device %d limits: max io %d bytes, %d segments, queue depth %d", id, params.MaxIOSize, params.MaxSegments, params.QueueDepth)
	}

	return device, nil
}

// featureFlags returns the UBLK_F_* feature flags params ask for
func featureFlags(params DeviceParams) uint64 {
	var flags uint64
	if params.EnableZoned {
		flags |= uapi.UBLK_F_ZONED
	}
	return flags
}

// buildParams fills the ublk parameter block a server would hand the
// driver for params
func buildParams(params DeviceParams) *uapi.UblkParams {
	p := &uapi.UblkParams{}
	p.SetBasic()
	p.Basic.LogicalBSShift = uint8(bits.TrailingZeros32(uint32(params.LogicalBlockSize)))
	p.Basic.PhysicalBSShift = p.Basic.LogicalBSShift
	p.Basic.MaxSectors = uint32(params.MaxIOSize >> constants.SectorShift)
	p.Basic.ChunkSectors = params.Backend.ZoneSectors()
	p.Basic.DevSectors = uint64(params.Backend.Size()) >> constants.SectorShift
	if params.EnableZoned {
		p.SetZoned()
		p.Zoned.MaxOpenZones = params.MaxOpenZones
		p.Zoned.MaxActiveZones = params.MaxActiveZones
	}
	return p
}

// ReportZones reports up to nrZones zones starting with the zone holding
// sector, calling cb for each in ascending order. It returns the number of
// zones handed to cb. A zero-length zone ends the report early.
func (d *Device) ReportZones(ctx context.Context, sector uint64, nrZones uint32, cb ReportFunc) (uint32, error) {
	if d.closed.Load() {
		return 0, NewDeviceError("REPORT_ZONES", d.ID, ErrCodeDeviceClosed, "device is closed")
	}
	if !d.disk.Zoned() {
		return 0, wrapReportError(d.ID, zoned.ErrUnsupported)
	}
	if cb == nil {
		return 0, NewDeviceError("REPORT_ZONES", d.ID, ErrCodeInvalidParameters, "nil report callback")
	}

	n, err := d.reporter.ReportZones(ctx, d.disk, sector, nrZones, cb)
	if err != nil {
		return 0, wrapReportError(d.ID, err)
	}
	return n, nil
}

// Zones returns every zone of the device
func (d *Device) Zones(ctx context.Context) ([]Zone, error) {
	zones := make([]Zone, 0, d.disk.NrZones)
	_, err := d.ReportZones(ctx, 0, d.disk.NrZones, func(z Zone, _ uint32) error {
		zones = append(zones, z)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return zones, nil
}

// Zoned reports whether the device is exposed as zoned
func (d *Device) Zoned() bool {
	return d.disk.Zoned()
}

// NrZones returns the number of zones on the device
func (d *Device) NrZones() uint32 {
	return d.disk.NrZones
}

// ZoneSectors returns the zone size in 512-byte sectors
func (d *Device) ZoneSectors() uint32 {
	return d.disk.ZoneSectors()
}

// MaxOpenZones returns the open zone limit, 0 for none
func (d *Device) MaxOpenZones() uint32 {
	return d.disk.MaxOpenZones
}

// MaxActiveZones returns the active zone limit, 0 for none
func (d *Device) MaxActiveZones() uint32 {
	return d.disk.MaxActiveZones
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.depth
}

// BlockSize returns the logical block size of this device
func (d *Device) BlockSize() int {
	return d.blockSize
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// DeviceState represents the current state of a device
type DeviceState string

const (
	// DeviceStateRunning indicates the device answers zone reports
	DeviceStateRunning DeviceState = "running"
	// DeviceStateClosed indicates the device has been closed
	DeviceStateClosed DeviceState = "closed"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil || d.closed.Load() {
		return DeviceStateClosed
	}
	return DeviceStateRunning
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	ID             uint32      `json:"id"`
	Name           string      `json:"name,omitempty"`
	State          DeviceState `json:"state"`
	Zoned          bool        `json:"zoned"`
	Size           int64       `json:"size"`
	BlockSize      int         `json:"block_size"`
	QueueDepth     int         `json:"queue_depth"`
	NrZones        uint32      `json:"nr_zones"`
	ZoneSectors    uint32      `json:"zone_sectors"`
	MaxOpenZones   uint32      `json:"max_open_zones"`
	MaxActiveZones uint32      `json:"max_active_zones"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	return DeviceInfo{
		ID:             d.ID,
		Name:           d.Name,
		State:          d.State(),
		Zoned:          d.disk.Zoned(),
		Size:           d.Size(),
		BlockSize:      d.blockSize,
		QueueDepth:     d.depth,
		NrZones:        d.disk.NrZones,
		ZoneSectors:    d.disk.ZoneSectors(),
		MaxOpenZones:   d.disk.MaxOpenZones,
		MaxActiveZones: d.disk.MaxActiveZones,
	}
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close stops the device from answering further reports. The backend is
// left open; it belongs to the caller.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if d.metrics != nil {
			d.metrics.Stop()
		}
		if d.runner != nil {
			err = d.runner.Close()
		}
		d.logger.Debug("device closed")
	})
	return err
}
