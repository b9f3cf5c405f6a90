package ublk

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// MockZonedBackend provides a scriptable ZonedBackend for testing.
// It serves a fixed zone table, can cut reports short with a sentinel,
// can fail reports with a given status and tracks method calls for
// verification.
type MockZonedBackend struct {
	mu sync.RWMutex

	zoneSectors uint32
	zones       []Zone
	sentinelAt  int // zone index reported as zero-length, -1 for none
	reportErr   error
	failAfter   int // successful reports before reportErr applies
	closed      bool

	// Method call tracking
	reportCalls []MockReportCall
	readCalls   int
	writeCalls  int
	flushCalls  int
}

// MockReportCall records one ReportZones call
type MockReportCall struct {
	Sector  uint64
	NrZones uint32
	BufLen  int
}

// NewMockZonedBackend creates a mock with nrZones empty sequential zones
// of zoneSectors sectors each
func NewMockZonedBackend(nrZones int, zoneSectors uint32) *MockZonedBackend {
	m := &MockZonedBackend{
		zoneSectors: zoneSectors,
		zones:       make([]Zone, nrZones),
		sentinelAt:  -1,
	}
	for i := range m.zones {
		start := uint64(i) * uint64(zoneSectors)
		m.zones[i] = Zone{
			Start:    start,
			Len:      uint64(zoneSectors),
			WP:       start,
			Type:     ZoneTypeSeqWriteReq,
			Cond:     ZoneCondEmpty,
			Capacity: uint64(zoneSectors),
		}
	}
	return m
}

// ZoneSectors implements the ZonedBackend interface
func (m *MockZonedBackend) ZoneSectors() uint32 {
	return m.zoneSectors
}

// ReportZones implements the ZonedBackend interface
func (m *MockZonedBackend) ReportZones(sector uint64, nrZones uint32, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reportCalls = append(m.reportCalls, MockReportCall{Sector: sector, NrZones: nrZones, BufLen: len(buf)})

	if m.closed {
		return 0, unix.ENODEV
	}
	if m.reportErr != nil {
		if m.failAfter <= 0 {
			return 0, m.reportErr
		}
		m.failAfter--
	}

	first := int(sector / uint64(m.zoneSectors))
	n := 0
	for i := 0; i < int(nrZones) && first+i < len(m.zones); i++ {
		if (i+1)*uapi.BlkZoneSize > len(buf) {
			break
		}
		z := m.zones[first+i]
		if first+i == m.sentinelAt {
			z = Zone{}
		}
		if err := z.MarshalTo(buf[i*uapi.BlkZoneSize:]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ReadAt implements the Backend interface; the mock holds no data
func (m *MockZonedBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, unix.ENODEV
	}
	if off >= m.Size() {
		return 0, nil
	}
	clear(p)
	return len(p), nil
}

// WriteAt implements the Backend interface; data is discarded
func (m *MockZonedBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, unix.ENODEV
	}
	if off >= m.Size() {
		return 0, unix.EINVAL
	}
	return len(p), nil
}

// Size implements the Backend interface
func (m *MockZonedBackend) Size() int64 {
	return int64(len(m.zones)) * int64(m.zoneSectors) << SectorShift
}

// Close implements the Backend interface
func (m *MockZonedBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Flush implements the Backend interface
func (m *MockZonedBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// Testing utility methods

// SetZone replaces the descriptor of zone idx
func (m *MockZonedBackend) SetZone(idx int, z Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[idx] = z
}

// SetSentinel makes zone idx report as zero-length; -1 clears it
func (m *MockZonedBackend) SetSentinel(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentinelAt = idx
}

// FailReports makes reports fail with err once after successful reports
// have gone through; a nil err clears the failure
func (m *MockZonedBackend) FailReports(err error, after int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportErr = err
	m.failAfter = after
}

// ReportCalls returns the ReportZones calls made so far
func (m *MockZonedBackend) ReportCalls() []MockReportCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockReportCall(nil), m.reportCalls...)
}

// IsClosed returns true if the backend has been closed
func (m *MockZonedBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called
func (m *MockZonedBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"report": len(m.reportCalls),
		"read":   m.readCalls,
		"write":  m.writeCalls,
		"flush":  m.flushCalls,
	}
}

// Reset clears call tracking and injected failures
func (m *MockZonedBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reportCalls = nil
	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.reportErr = nil
	m.failAfter = 0
	m.sentinelAt = -1
}

// Compile-time interface check
var _ ZonedBackend = (*MockZonedBackend)(nil)
