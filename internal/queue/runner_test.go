package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/logging"
	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

// Mock zoned backend for testing
type mockBackend struct {
	mu          sync.Mutex
	zoneSectors uint32
	nrZones     uint32
	reportErr   error
	calls       []reportCall
}

type reportCall struct {
	sector  uint64
	nrZones uint32
	bufLen  int
}

func newMockBackend(zoneSectors, nrZones uint32) *mockBackend {
	return &mockBackend{zoneSectors: zoneSectors, nrZones: nrZones}
}

func (m *mockBackend) ReadAt(p []byte, off int64) (int, error)  { return 0, nil }
func (m *mockBackend) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (m *mockBackend) Size() int64                              { return int64(m.nrZones) * int64(m.zoneSectors) << 9 }
func (m *mockBackend) Close() error                             { return nil }
func (m *mockBackend) Flush() error                             { return nil }
func (m *mockBackend) ZoneSectors() uint32                      { return m.zoneSectors }

func (m *mockBackend) ReportZones(sector uint64, nrZones uint32, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reportCall{sector: sector, nrZones: nrZones, bufLen: len(buf)})
	if m.reportErr != nil {
		return 0, m.reportErr
	}
	first := uint32(sector / uint64(m.zoneSectors))
	n := 0
	for i := uint32(0); i < nrZones && first+i < m.nrZones; i++ {
		z := uapi.BlkZone{
			Start: uint64(first+i) * uint64(m.zoneSectors),
			Len:   uint64(m.zoneSectors),
			Type:  uapi.BLK_ZONE_TYPE_SEQWRITE_REQ,
			Cond:  uapi.BLK_ZONE_COND_EMPTY,
		}
		z.WP = z.Start
		if err := z.MarshalTo(buf[int(i)*uapi.BlkZoneSize:]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func newTestRunner(t *testing.T, depth int) (*Runner, *mockBackend) {
	t.Helper()
	backend := newMockBackend(1024, 10)
	r, err := NewRunner(Config{DevID: 1, QueueID: 0, Depth: depth, Backend: backend})
	require.NoError(t, err)
	return r, backend
}

func TestTagStateConstants(t *testing.T) {
	assert.Equal(t, TagState(0), TagStateFree)
	assert.Equal(t, "free", TagStateFree.String())
	assert.Equal(t, "allocated", TagStateAllocated.String())
	assert.Equal(t, "in-flight", TagStateInFlight.String())
}

func TestRunnerCreation(t *testing.T) {
	backend := newMockBackend(1024, 4)

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Depth: 4, Backend: backend}, false},
		{"no backend", Config{Depth: 4}, true},
		{"zero depth", Config{Depth: 0, Backend: backend}, true},
		{"zero zone size", Config{Depth: 4, Backend: newMockBackend(0, 4)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRunner(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, r.InFlight())
		})
	}
}

func TestRunnerReportZones(t *testing.T) {
	r, backend := newTestRunner(t, 2)

	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	assert.Equal(t, uint8(uapi.UBLK_IO_OP_REPORT_ZONES), req.Op)
	assert.Equal(t, TagStateAllocated, r.TagState(req.Tag()))

	buf := make([]byte, 4*uapi.BlkZoneSize)
	require.NoError(t, r.MapBuffer(req, buf))
	req.Sector = 2048
	req.NrSectors = 3 * 1024

	status := r.Execute(context.Background(), req)
	assert.Equal(t, unix.Errno(0), status)
	assert.Equal(t, TagStateAllocated, r.TagState(req.Tag()))

	require.Len(t, backend.calls, 1)
	assert.Equal(t, reportCall{sector: 2048, nrZones: 3, bufLen: len(buf)}, backend.calls[0])

	for i := 0; i < 3; i++ {
		z, err := uapi.BlkZoneAt(buf, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(2+i)*1024, z.Start)
	}
	last, err := uapi.BlkZoneAt(buf, 3)
	require.NoError(t, err)
	assert.True(t, last.IsSentinel())

	r.Free(req)
	assert.Equal(t, TagStateFree, r.TagState(req.Tag()))
	assert.Equal(t, 0, r.InFlight())
}

func TestRunnerZoneCountClippedToBuffer(t *testing.T) {
	r, backend := newTestRunner(t, 1)

	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	defer r.Free(req)
	require.NoError(t, r.MapBuffer(req, make([]byte, 2*uapi.BlkZoneSize)))
	req.NrSectors = 8 * 1024

	require.Equal(t, unix.Errno(0), r.Execute(context.Background(), req))
	require.Len(t, backend.calls, 1)
	assert.Equal(t, uint32(2), backend.calls[0].nrZones)
}

func TestRunnerTagExhaustion(t *testing.T) {
	r, _ := newTestRunner(t, 2)

	a, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	b, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	assert.NotEqual(t, a.Tag(), b.Tag())

	_, err = r.Alloc(KindReportZones)
	assert.ErrorIs(t, err, unix.EBUSY)

	r.Free(a)
	c, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	assert.Equal(t, a.Tag(), c.Tag())
	r.Free(b)
	r.Free(c)
}

func TestRunnerDoubleFreeIgnored(t *testing.T) {
	r, _ := newTestRunner(t, 2)
	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)

	r.Free(req)
	r.Free(req)
	assert.Equal(t, 0, r.InFlight())
}

func TestRunnerBackendErrorHandling(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want unix.Errno
	}{
		{"errno passthrough", unix.ENOSPC, unix.ENOSPC},
		{"wrapped errno", errors.Join(errors.New("ctx"), unix.EROFS), unix.EROFS},
		{"plain error", errors.New("boom"), unix.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, backend := newTestRunner(t, 1)
			backend.reportErr = tt.err

			req, err := r.Alloc(KindReportZones)
			require.NoError(t, err)
			defer r.Free(req)
			require.NoError(t, r.MapBuffer(req, make([]byte, uapi.BlkZoneSize)))
			req.NrSectors = 1024

			assert.Equal(t, tt.want, r.Execute(context.Background(), req))
		})
	}
}

func TestRunnerUserIONotServiced(t *testing.T) {
	r, backend := newTestRunner(t, 1)

	req, err := r.Alloc(KindUserIO)
	require.NoError(t, err)
	defer r.Free(req)
	req.Op = uapi.UBLK_IO_OP_READ
	require.NoError(t, r.MapBuffer(req, make([]byte, 512)))

	assert.Equal(t, unix.EOPNOTSUPP, r.Execute(context.Background(), req))
	assert.Empty(t, backend.calls)
}

func TestRunnerMapBufferValidation(t *testing.T) {
	backend := newMockBackend(1024, 4)
	r, err := NewRunner(Config{Depth: 1, MaxIOBytes: 128, Backend: backend})
	require.NoError(t, err)

	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)

	assert.ErrorIs(t, r.MapBuffer(req, nil), unix.EINVAL)
	assert.ErrorIs(t, r.MapBuffer(req, make([]byte, 256)), unix.EINVAL)
	assert.NoError(t, r.MapBuffer(req, make([]byte, 128)))

	r.Free(req)
	assert.ErrorIs(t, r.MapBuffer(req, make([]byte, 64)), unix.EINVAL)
}

func TestRunnerContextCancellation(t *testing.T) {
	r, backend := newTestRunner(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	defer r.Free(req)
	require.NoError(t, r.MapBuffer(req, make([]byte, uapi.BlkZoneSize)))
	req.NrSectors = 1024

	assert.Equal(t, unix.ECANCELED, r.Execute(ctx, req))
	assert.Empty(t, backend.calls)
}

func TestRunnerClose(t *testing.T) {
	r, _ := newTestRunner(t, 2)
	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)

	require.NoError(t, r.Close())

	_, err = r.Alloc(KindReportZones)
	assert.ErrorIs(t, err, unix.ENODEV)
	assert.Equal(t, unix.ENODEV, r.Execute(context.Background(), req))

	// Outstanding requests can still be released
	r.Free(req)
	assert.Equal(t, 0, r.InFlight())
}

func TestRunnerConcurrentTagAccess(t *testing.T) {
	r, _ := newTestRunner(t, 4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				req, err := r.Alloc(KindReportZones)
				if err != nil {
					continue
				}
				buf := make([]byte, uapi.BlkZoneSize)
				if err := r.MapBuffer(req, buf); err == nil {
					req.NrSectors = 1024
					r.Execute(context.Background(), req)
				}
				r.Free(req)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.InFlight())
}

func TestRunnerLogsRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{
		Level:   logging.LevelDebug,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	})
	backend := newMockBackend(1024, 4)
	backend.reportErr = unix.ENOSPC
	r, err := NewRunner(Config{QueueID: 3, Depth: 1, Backend: backend, Logger: logger})
	require.NoError(t, err)

	req, err := r.Alloc(KindReportZones)
	require.NoError(t, err)
	require.NoError(t, r.MapBuffer(req, make([]byte, uapi.BlkZoneSize)))
	req.NrSectors = 1024
	assert.Equal(t, unix.ENOSPC, r.Execute(context.Background(), req))
	r.Free(req)
	r.Free(req)

	output := buf.String()
	for _, want := range []string{"queue_id=3", "tag=0", "op=REPORT_ZONES", "report zones failed", "ignoring free"} {
		assert.True(t, strings.Contains(output, want), "missing %q in %s", want, output)
	}
}
