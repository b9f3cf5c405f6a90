package zoned

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ehrlich-b/go-ublk-zoned/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
	"github.com/ehrlich-b/go-ublk-zoned/internal/queue"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// ReportFunc receives one zone descriptor. idx is the descriptor's index
// within the current chunk. A non-nil error aborts the report.
type ReportFunc func(zone uapi.BlkZone, idx uint32) error

// Config configures a Reporter
type Config struct {
	Channel   queue.Channel
	Allocator Allocator
	PageSize  int // 0 uses the system page size
	Logger    *logging.Logger
	Observer  interfaces.Observer
}

// Reporter answers report-zones queries by splitting them into chunk
// requests sized to a report buffer, executing each through the request
// channel and handing every returned descriptor to a callback. A Reporter
// holds no per-call state and is safe for concurrent use.
type Reporter struct {
	channel  queue.Channel
	buffers  *BufferAllocator
	logger   *logging.Logger
	observer interfaces.Observer
}

// NewReporter creates a Reporter
func NewReporter(config Config) (*Reporter, error) {
	if config.Channel == nil {
		return nil, errors.New("zoned: request channel is required")
	}
	if config.Allocator == nil {
		return nil, errors.New("zoned: buffer allocator is required")
	}

	r := &Reporter{
		channel:  config.Channel,
		logger:   config.Logger,
		observer: config.Observer,
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	r.buffers = &BufferAllocator{
		Allocator: config.Allocator,
		PageSize:  config.PageSize,
		OnShrink: func(size int, err error) {
			r.observer.ObserveAllocShrink()
			r.logger.Debug("report buffer allocation failed, shrinking", "size", size, "error", err)
		},
	}
	return r, nil
}

// ReportZones reports up to nrZones zones starting with the zone that
// holds sector, calling cb once per zone in ascending order. It returns
// the number of zones handed to cb. A report stops early, without error,
// at the first zero-length descriptor or past the last zone of the disk.
func (r *Reporter) ReportZones(ctx context.Context, disk *Disk, sector uint64, nrZones uint32, cb ReportFunc) (uint32, error) {
	start := time.Now()
	n, err := r.reportZones(ctx, disk, sector, nrZones, cb)
	r.observer.ObserveReport(uint64(n), uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Reporter) reportZones(ctx context.Context, disk *Disk, sector uint64, nrZones uint32, cb ReportFunc) (uint32, error) {
	if !disk.Zoned() {
		return 0, ErrUnsupported
	}

	zoneSectors := disk.ZoneSectors()
	firstZone := disk.ZoneIndex(sector)
	if firstZone >= uint64(disk.NrZones) {
		return 0, nil
	}
	nrZones = min(disk.NrZones-uint32(firstZone), nrZones)
	if nrZones == 0 {
		return 0, nil
	}

	log := r.logger.WithReport(sector, nrZones)
	log.ReportStart(uint32(firstZone), nrZones)

	var done uint32
	for done < nrZones {
		n, stop, err := r.reportChunk(ctx, log, disk, sector, nrZones-done, cb)
		done += n
		if err != nil {
			log.ReportError(done, err)
			return done, err
		}
		if stop {
			log.ReportDone(done, true)
			return done, nil
		}
		sector += uint64(n) * uint64(zoneSectors)
	}

	log.ReportDone(done, false)
	return done, nil
}

// reportChunk runs one chunk request for up to remaining zones. It
// returns the zones handed to cb and whether the sentinel was seen.
func (r *Reporter) reportChunk(ctx context.Context, log *logging.Logger, disk *Disk, sector uint64, remaining uint32, cb ReportFunc) (uint32, bool, error) {
	zoneSectors := disk.ZoneSectors()

	buf, capZones, err := r.buffers.Allocate(remaining, zoneSectors, disk.Limits)
	if err != nil {
		return 0, false, err
	}
	defer r.buffers.Release(buf)

	zonesInChunk := min(remaining, capZones, math.MaxUint32/zoneSectors)
	nrSectors := zonesInChunk * zoneSectors

	log.ReportChunk(sector, zonesInChunk, len(buf))
	if err := r.execute(ctx, sector, nrSectors, buf); err != nil {
		return 0, false, err
	}
	r.observer.ObserveChunk(uint64(zonesInChunk), uint64(len(buf)))

	var reported uint32
	for i := uint32(0); i < zonesInChunk; i++ {
		zone, err := uapi.BlkZoneAt(buf, int(i))
		if err != nil {
			return reported, false, err
		}
		if zone.IsSentinel() {
			r.observer.ObserveSentinel()
			return reported, true, nil
		}
		if err := cb(zone, i); err != nil {
			return reported, false, &CallbackError{Index: i, ZoneStart: zone.Start, Err: err}
		}
		reported++
	}
	return reported, false, nil
}

// execute issues one REPORT_ZONES request over buf and waits for it
func (r *Reporter) execute(ctx context.Context, sector uint64, nrSectors uint32, buf []byte) error {
	req, err := r.channel.Alloc(queue.KindReportZones)
	if err != nil {
		return &RequestError{Sector: sector, Status: queue.ErrnoFor(err), Err: fmt.Errorf("alloc request: %w", err)}
	}
	defer r.channel.Free(req)

	req.Sector = sector
	req.NrSectors = nrSectors
	if err := r.channel.MapBuffer(req, buf); err != nil {
		return &RequestError{Sector: sector, Status: queue.ErrnoFor(err), Err: fmt.Errorf("map buffer: %w", err)}
	}

	if status := r.channel.Execute(ctx, req); status != 0 {
		return &RequestError{Sector: sector, Status: status}
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) ObserveReport(uint64, uint64, bool) {}
func (nopObserver) ObserveChunk(uint64, uint64)        {}
func (nopObserver) ObserveAllocShrink()                {}
func (nopObserver) ObserveSentinel()                   {}
