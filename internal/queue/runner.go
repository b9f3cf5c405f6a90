package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// TagState represents the state of a tag in the channel state machine
type TagState int

const (
	TagStateFree      TagState = iota // No request holds the tag
	TagStateAllocated                 // Request allocated, not executing
	TagStateInFlight                  // Backend is servicing the request
)

func (s TagState) String() string {
	switch s {
	case TagStateFree:
		return "free"
	case TagStateAllocated:
		return "allocated"
	case TagStateInFlight:
		return "in-flight"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Runner is an in-process Channel: it services requests by handing them
// straight to a zoned backend, the way the ublk server side would after
// reading the I/O descriptor.
type Runner struct {
	depth       int
	maxIOBytes  int
	backend     interfaces.ZonedBackend
	zoneSectors uint32
	logger      *logging.Logger

	mu        sync.Mutex
	tagStates []TagState
	freeTags  []uint16
	closed    bool
}

type Config struct {
	DevID      uint32
	QueueID    uint16
	Depth      int
	MaxIOBytes int // 0 means unlimited
	Backend    interfaces.ZonedBackend
	Logger     *logging.Logger // nil disables logging
}

// NewRunner creates a new in-process request channel
func NewRunner(config Config) (*Runner, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("device %d queue %d: backend is required", config.DevID, config.QueueID)
	}
	if config.Depth <= 0 || config.Depth > 1<<16 {
		return nil, fmt.Errorf("device %d queue %d: invalid depth %d", config.DevID, config.QueueID, config.Depth)
	}
	zoneSectors := config.Backend.ZoneSectors()
	if zoneSectors == 0 {
		return nil, fmt.Errorf("device %d queue %d: backend reports zero zone size", config.DevID, config.QueueID)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithQueue(int(config.QueueID))
	logger.Debug("creating queue runner", "depth", config.Depth, "max_io_bytes", config.MaxIOBytes)

	r := &Runner{
		depth:       config.Depth,
		maxIOBytes:  config.MaxIOBytes,
		backend:     config.Backend,
		zoneSectors: zoneSectors,
		logger:      logger,
		tagStates:   make([]TagState, config.Depth),
		freeTags:    make([]uint16, 0, config.Depth),
	}
	// Hand out low tags first
	for tag := config.Depth - 1; tag >= 0; tag-- {
		r.freeTags = append(r.freeTags, uint16(tag))
	}
	return r, nil
}

// Alloc reserves a free tag. It fails with EBUSY when every tag is taken
// and ENODEV once the runner is closed.
func (r *Runner) Alloc(kind Kind) (*Request, error) {
	if kind != KindUserIO && kind != KindReportZones {
		return nil, fmt.Errorf("alloc %s: %w", kind, unix.EINVAL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("alloc %s: %w", kind, unix.ENODEV)
	}
	if len(r.freeTags) == 0 {
		return nil, fmt.Errorf("alloc %s: no free tag: %w", kind, unix.EBUSY)
	}

	tag := r.freeTags[len(r.freeTags)-1]
	r.freeTags = r.freeTags[:len(r.freeTags)-1]
	r.tagStates[tag] = TagStateAllocated

	r.logger.WithRequest(tag, kind.String()).Debug("tag allocated")
	return newRequest(kind, tag), nil
}

// MapBuffer attaches buf to an allocated request
func (r *Runner) MapBuffer(req *Request, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("map tag %d: empty buffer: %w", req.tag, unix.EINVAL)
	}
	if r.maxIOBytes > 0 && len(buf) > r.maxIOBytes {
		return fmt.Errorf("map tag %d: %d bytes exceeds max %d: %w", req.tag, len(buf), r.maxIOBytes, unix.EINVAL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if state := r.stateLocked(req.tag); state != TagStateAllocated {
		return fmt.Errorf("map tag %d in state %s: %w", req.tag, state, unix.EINVAL)
	}
	req.buf = buf
	return nil
}

// Execute services req synchronously and returns its completion status
func (r *Runner) Execute(ctx context.Context, req *Request) unix.Errno {
	r.mu.Lock()
	if state := r.stateLocked(req.tag); state != TagStateAllocated {
		r.mu.Unlock()
		r.logger.WithRequest(req.tag, req.Kind.String()).Error("cannot execute request", "state", state.String())
		return unix.EINVAL
	}
	if r.closed {
		r.mu.Unlock()
		return unix.ENODEV
	}
	r.tagStates[req.tag] = TagStateInFlight
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.tagStates[req.tag] = TagStateAllocated
		r.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return unix.ECANCELED
	}

	desc := r.setupIODesc(req)
	return r.handleIORequest(req.tag, desc, req.buf)
}

// Free releases the request's tag
func (r *Runner) Free(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state := r.stateLocked(req.tag); state != TagStateAllocated {
		r.logger.WithRequest(req.tag, req.Kind.String()).Warn("ignoring free", "state", state.String())
		return
	}
	r.tagStates[req.tag] = TagStateFree
	r.freeTags = append(r.freeTags, req.tag)
	req.buf = nil
}

// Close stops the runner from handing out further tags
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// InFlight returns the number of tags currently held
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth - len(r.freeTags)
}

// TagState returns the current state of tag
func (r *Runner) TagState(tag uint16) TagState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(tag)
}

func (r *Runner) stateLocked(tag uint16) TagState {
	if int(tag) >= r.depth {
		return TagState(-1)
	}
	return r.tagStates[tag]
}

// setupIODesc builds the descriptor the backend side sees. For
// REPORT_ZONES the sector count is converted into a zone count.
func (r *Runner) setupIODesc(req *Request) uapi.UblksrvIODesc {
	desc := uapi.UblksrvIODesc{
		OpFlags:     uint32(req.Op) | req.Flags<<8,
		NrSectors:   req.NrSectors,
		StartSector: req.Sector,
	}
	if req.Kind == KindReportZones {
		desc.NrSectors = req.NrSectors / r.zoneSectors
	}
	return desc
}

// handleIORequest dispatches one descriptor to the backend
func (r *Runner) handleIORequest(tag uint16, desc uapi.UblksrvIODesc, buf []byte) unix.Errno {
	op := desc.GetOp()
	log := r.logger.WithRequest(tag, uapi.OpName(op))
	log.Debug("dispatch", "sector", desc.StartSector, "nr", desc.NrSectors, "buf_bytes", len(buf))

	switch op {
	case uapi.UBLK_IO_OP_REPORT_ZONES:
		nrZones := desc.NrZones()
		if nrZones == 0 || len(buf) < uapi.BlkZoneSize {
			return unix.EINVAL
		}
		if capZones := uint32(len(buf) / uapi.BlkZoneSize); nrZones > capZones {
			nrZones = capZones
		}
		n, err := r.backend.ReportZones(desc.StartSector, nrZones, buf)
		if err != nil {
			log.WithError(err).Warn("report zones failed", "sector", desc.StartSector)
			return ErrnoFor(err)
		}
		log.Debug("report zones done", "reported", n, "requested", nrZones)
		return 0
	default:
		// Regular I/O is serviced by the data path, not this channel
		return unix.EOPNOTSUPP
	}
}

// ErrnoFor maps an error to a completion status. Errno values
// pass through; anything else becomes EIO.
func ErrnoFor(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.EIO
}

// Compile-time interface check
var _ Channel = (*Runner)(nil)
