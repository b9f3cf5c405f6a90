package backend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

const (
	testZoneSize    = 64 * 1024
	testZoneSectors = testZoneSize >> 9
)

func newTestZoned(t testing.TB, cfg ZonedConfig) *Zoned {
	t.Helper()
	if cfg.ZoneSize == 0 {
		cfg.ZoneSize = testZoneSize
	}
	if cfg.Size == 0 {
		cfg.Size = 8 * cfg.ZoneSize
	}
	b, err := NewZoned(cfg)
	require.NoError(t, err)
	return b
}

func zoneAt(t *testing.T, b *Zoned, idx int) uapi.BlkZone {
	t.Helper()
	buf := make([]byte, uapi.BlkZoneSize)
	n, err := b.ReportZones(uint64(idx)*testZoneSectors, 1, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	z, err := uapi.BlkZoneAt(buf, 0)
	require.NoError(t, err)
	return z
}

func sectors(n int) []byte {
	return bytes.Repeat([]byte{0x5a}, n*512)
}

func TestNewZoned(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{Conventional: 2})
	assert.Equal(t, int64(8*testZoneSize), b.Size())
	assert.Equal(t, uint32(testZoneSectors), b.ZoneSectors())
	assert.Equal(t, 8, b.NrZones())

	conv := zoneAt(t, b, 1)
	assert.Equal(t, uapi.ZoneType(uapi.BLK_ZONE_TYPE_CONVENTIONAL), conv.Type)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_NOT_WP), conv.Cond)

	seq := zoneAt(t, b, 2)
	assert.Equal(t, uapi.BlkZone{
		Start:    2 * testZoneSectors,
		Len:      testZoneSectors,
		WP:       2 * testZoneSectors,
		Type:     uapi.BLK_ZONE_TYPE_SEQWRITE_REQ,
		Cond:     uapi.BLK_ZONE_COND_EMPTY,
		Capacity: testZoneSectors,
	}, seq)
}

func TestNewZonedInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  ZonedConfig
	}{
		{"zone not power of two", ZonedConfig{Size: 3 * 3000, ZoneSize: 3000}},
		{"zone smaller than a sector", ZonedConfig{Size: 1024, ZoneSize: 256}},
		{"partial zone", ZonedConfig{Size: testZoneSize + 512, ZoneSize: testZoneSize}},
		{"smaller than a zone", ZonedConfig{Size: 512, ZoneSize: testZoneSize}},
		{"capacity beyond zone", ZonedConfig{Size: testZoneSize, ZoneSize: testZoneSize, ZoneCapacity: 2 * testZoneSize}},
		{"too many conventional", ZonedConfig{Size: testZoneSize, ZoneSize: testZoneSize, Conventional: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewZoned(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestZonedReportZones(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})

	buf := make([]byte, 4*uapi.BlkZoneSize)
	n, err := b.ReportZones(6*testZoneSectors, 4, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 2; i++ {
		z, err := uapi.BlkZoneAt(buf, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(6+i)*testZoneSectors, z.Start)
	}
	for i := 2; i < 4; i++ {
		z, err := uapi.BlkZoneAt(buf, i)
		require.NoError(t, err)
		assert.True(t, z.IsSentinel(), "descriptor %d past the last zone", i)
	}

	// Buffer shorter than the request
	n, err = b.ReportZones(0, 8, make([]byte, 3*uapi.BlkZoneSize))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.ReportZones(100*testZoneSectors, 4, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestZonedSequentialWrite(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})
	off := int64(testZoneSize)

	n, err := b.WriteAt(sectors(4), off)
	require.NoError(t, err)
	assert.Equal(t, 4*512, n)

	z := zoneAt(t, b, 1)
	assert.Equal(t, uint64(testZoneSectors+4), z.WP)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_IMP_OPEN), z.Cond)

	// Not at the write pointer
	_, err = b.WriteAt(sectors(1), off)
	assert.ErrorIs(t, err, unix.EIO)

	// Unaligned length
	_, err = b.WriteAt(make([]byte, 100), off+4*512)
	assert.ErrorIs(t, err, unix.EINVAL)

	// Crossing into the next zone
	_, err = b.WriteAt(make([]byte, testZoneSize), off+4*512)
	assert.ErrorIs(t, err, unix.EIO)

	got := make([]byte, 5*512)
	n, err = b.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, len(got), n)
	assert.Equal(t, sectors(4), got[:4*512])
	assert.Equal(t, make([]byte, 512), got[4*512:], "past the write pointer reads zeros")
}

func TestZonedFillsZone(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{ZoneCapacity: testZoneSize / 2})

	_, err := b.WriteAt(sectors(testZoneSectors/2), 0)
	require.NoError(t, err)

	z := zoneAt(t, b, 0)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_FULL), z.Cond)
	assert.Equal(t, uint64(testZoneSectors/2), z.Capacity)
	assert.Equal(t, z.Start+z.Len, z.WP)

	_, err = b.WriteAt(sectors(1), testZoneSize/2)
	assert.ErrorIs(t, err, unix.EIO)
}

func TestZonedConventionalWrite(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{Conventional: 2})

	// Random offset spanning both conventional zones
	data := sectors(4)
	off := int64(testZoneSize - 1024)
	n, err := b.WriteAt(data, off)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	_, err = b.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_NOT_WP), zoneAt(t, b, 0).Cond)

	assert.ErrorIs(t, b.OpenZone(0), unix.EIO)
	assert.ErrorIs(t, b.ResetZone(0), unix.EIO)
	_, err = b.AppendZone(sectors(1), 0)
	assert.ErrorIs(t, err, unix.EIO)
}

func TestZonedAppend(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})
	start := uint64(3 * testZoneSectors)

	at, err := b.AppendZone(sectors(2), start)
	require.NoError(t, err)
	assert.Equal(t, start, at)

	at, err = b.AppendZone(sectors(3), start)
	require.NoError(t, err)
	assert.Equal(t, start+2, at)
	assert.Equal(t, start+5, zoneAt(t, b, 3).WP)
}

func TestZonedOpenCloseFinishReset(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})
	zs := uint64(testZoneSectors)

	require.NoError(t, b.OpenZone(zs))
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_EXP_OPEN), zoneAt(t, b, 1).Cond)

	// Closing an unwritten zone returns it to empty
	require.NoError(t, b.CloseZone(zs))
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_EMPTY), zoneAt(t, b, 1).Cond)
	assert.ErrorIs(t, b.CloseZone(zs), unix.EIO, "closing an empty zone")

	_, err := b.WriteAt(sectors(1), testZoneSize)
	require.NoError(t, err)
	require.NoError(t, b.CloseZone(zs))
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_CLOSED), zoneAt(t, b, 1).Cond)

	require.NoError(t, b.FinishZone(zs))
	z := zoneAt(t, b, 1)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_FULL), z.Cond)
	assert.Equal(t, z.Start+z.Len, z.WP)

	require.NoError(t, b.ResetZone(zs))
	z = zoneAt(t, b, 1)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_EMPTY), z.Cond)
	assert.Equal(t, z.Start, z.WP)

	got := make([]byte, 512)
	_, err = b.ReadAt(got, testZoneSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got, "reset discards data")

	assert.Equal(t, uint32(0), b.Stats()["open_zones"])
	assert.Equal(t, uint32(0), b.Stats()["active_zones"])
}

func TestZonedOpenLimit(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{MaxOpenZones: 2})

	_, err := b.WriteAt(sectors(1), 0)
	require.NoError(t, err)
	require.NoError(t, b.OpenZone(testZoneSectors))

	_, err = b.WriteAt(sectors(1), 2*testZoneSize)
	assert.ErrorIs(t, err, unix.ETOOMANYREFS)
	assert.ErrorIs(t, b.OpenZone(3*testZoneSectors), unix.ETOOMANYREFS)

	// Closing frees an open slot
	require.NoError(t, b.CloseZone(0))
	_, err = b.WriteAt(sectors(1), 2*testZoneSize)
	assert.NoError(t, err)
}

func TestZonedActiveLimit(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{MaxActiveZones: 1})

	_, err := b.WriteAt(sectors(1), 0)
	require.NoError(t, err)
	require.NoError(t, b.CloseZone(0)) // closed is still active

	_, err = b.WriteAt(sectors(1), testZoneSize)
	assert.ErrorIs(t, err, unix.EOVERFLOW)
	assert.ErrorIs(t, b.FinishZone(testZoneSectors), unix.EOVERFLOW)

	require.NoError(t, b.FinishZone(0))
	_, err = b.WriteAt(sectors(1), testZoneSize)
	assert.NoError(t, err)
}

func TestZonedResetAll(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{Conventional: 1})

	for i := 1; i < 4; i++ {
		_, err := b.WriteAt(sectors(2), int64(i)*testZoneSize)
		require.NoError(t, err)
	}
	require.NoError(t, b.SetZoneCondition(5*testZoneSectors, uapi.BLK_ZONE_COND_READONLY))

	require.NoError(t, b.ResetAllZones())
	for i := 1; i < 4; i++ {
		assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_EMPTY), zoneAt(t, b, i).Cond)
	}
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_READONLY), zoneAt(t, b, 5).Cond)
	assert.Equal(t, uapi.ZoneCond(uapi.BLK_ZONE_COND_NOT_WP), zoneAt(t, b, 0).Cond)
}

func TestZonedForcedConditions(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})

	require.NoError(t, b.SetZoneCondition(testZoneSectors, uapi.BLK_ZONE_COND_READONLY))
	_, err := b.WriteAt(sectors(1), testZoneSize)
	assert.ErrorIs(t, err, unix.EROFS)

	require.NoError(t, b.SetZoneCondition(2*testZoneSectors, uapi.BLK_ZONE_COND_OFFLINE))
	assert.ErrorIs(t, b.ResetZone(2*testZoneSectors), unix.EIO)
	assert.ErrorIs(t, b.OpenZone(2*testZoneSectors), unix.EIO)

	assert.ErrorIs(t, b.SetZoneCondition(0, uapi.BLK_ZONE_COND_FULL), unix.EINVAL)
	assert.ErrorIs(t, b.SetZoneCondition(100*testZoneSectors, uapi.BLK_ZONE_COND_OFFLINE), unix.EINVAL)
}

func TestZonedBoundaryConditions(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{Conventional: 8})

	// Read beyond end returns 0 bytes
	n, err := b.ReadAt(make([]byte, 10), b.Size())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Read at the tail is truncated
	n, err = b.ReadAt(make([]byte, 1024), b.Size()-512)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	// Write beyond end fails
	_, err = b.WriteAt([]byte{1}, b.Size())
	assert.ErrorIs(t, err, unix.EINVAL)

	// Write running off the end fails part way
	n, err = b.WriteAt(make([]byte, 1024), b.Size()-512)
	assert.ErrorIs(t, err, unix.ENOSPC)
	assert.Equal(t, 512, n)

	_, err = b.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestZonedStats(t *testing.T) {
	b := newTestZoned(t, ZonedConfig{})
	_, err := b.WriteAt(sectors(1), 0)
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, "zoned-memory", stats["type"])
	assert.Equal(t, 8, stats["zones"])
	assert.Equal(t, testZoneSize, stats["allocated"])
	conds := stats["conditions"].(map[string]int)
	assert.Equal(t, 1, conds["IMPLICIT_OPEN"])
	assert.Equal(t, 7, conds["EMPTY"])

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Stats()["allocated"])
}

func BenchmarkZonedReportZones(b *testing.B) {
	backend := newTestZoned(b, ZonedConfig{Size: 1024 * testZoneSize})
	buf := make([]byte, 256*uapi.BlkZoneSize)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := backend.ReportZones(uint64(i%4)*256*testZoneSectors, 256, buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkZonedAppend(b *testing.B) {
	backend := newTestZoned(b, ZonedConfig{Size: 64 * testZoneSize})
	data := sectors(8)
	perZone := testZoneSectors / 8

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		zone := uint64(i/perZone%64) * testZoneSectors
		if i%perZone == 0 {
			if err := backend.ResetZone(zone); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := backend.AppendZone(data, zone); err != nil {
			b.Fatal(err)
		}
	}
}
