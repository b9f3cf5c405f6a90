package queue

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// Kind tags what a request carries. The set is closed.
type Kind int

const (
	KindUserIO      Kind = iota // Regular block I/O issued by the block layer
	KindReportZones             // Driver-internal report-zones query
)

func (k Kind) String() string {
	switch k {
	case KindUserIO:
		return "USER_IO"
	case KindReportZones:
		return "REPORT_ZONES"
	default:
		return fmt.Sprintf("KIND_%d", int(k))
	}
}

// Request is one request allocated from a Channel. For KindReportZones
// the op is always UBLK_IO_OP_REPORT_ZONES and NrSectors covers the
// zones being asked for.
type Request struct {
	Kind      Kind
	Op        uint8  // UBLK_IO_OP_* (set by Alloc for KindReportZones)
	Flags     uint32 // UBLK_IO_F_*
	Sector    uint64
	NrSectors uint32

	tag uint16
	buf []byte
}

// Tag returns the channel tag backing this request
func (r *Request) Tag() uint16 {
	return r.tag
}

// Buffer returns the buffer mapped into the request, if any
func (r *Request) Buffer() []byte {
	return r.buf
}

// Channel submits driver-built requests to a device queue and waits for
// their completion. Every request obtained from Alloc must be handed
// back with Free exactly once, whatever Execute returned.
type Channel interface {
	// Alloc reserves a request of the given kind
	Alloc(kind Kind) (*Request, error)

	// MapBuffer attaches buf as the request's data buffer
	MapBuffer(req *Request, buf []byte) error

	// Execute runs req synchronously and returns its completion status;
	// zero means success
	Execute(ctx context.Context, req *Request) unix.Errno

	// Free releases req
	Free(req *Request)
}

// newRequest builds a request of kind with its op pre-filled where the
// kind implies one
func newRequest(kind Kind, tag uint16) *Request {
	req := &Request{Kind: kind, tag: tag}
	if kind == KindReportZones {
		req.Op = uapi.UBLK_IO_OP_REPORT_ZONES
	}
	return req
}
