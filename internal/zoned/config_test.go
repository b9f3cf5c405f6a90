package zoned

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk-zoned/internal/uapi"
)

func TestDeriveZoneCount(t *testing.T) {
	tests := []struct {
		name   string
		params DeviceParams
		want   uint32
		wantOK bool
	}{
		{"exact", DeviceParams{Zoned: true, ChunkSectors: 524288, DevSectors: 4194304}, 8, true},
		{"partial zone dropped", DeviceParams{Zoned: true, ChunkSectors: 1024, DevSectors: 2500}, 2, true},
		{"smaller than a zone", DeviceParams{Zoned: true, ChunkSectors: 1024, DevSectors: 100}, 0, true},
		{"not zoned", DeviceParams{ChunkSectors: 1024, DevSectors: 4096}, 0, false},
		{"no zone size", DeviceParams{Zoned: true, DevSectors: 4096}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeriveZoneCount(tt.params)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyZoneLimits(t *testing.T) {
	var d Disk
	ApplyZoneLimits(DeviceParams{Zoned: true, MaxActiveZones: 14, MaxOpenZones: 12}, &d)
	assert.Equal(t, uint32(14), d.MaxActiveZones)
	assert.Equal(t, uint32(12), d.MaxOpenZones)

	// Zero means no limit and is copied as-is
	ApplyZoneLimits(DeviceParams{Zoned: true}, &d)
	assert.Zero(t, d.MaxActiveZones)
	assert.Zero(t, d.MaxOpenZones)

	d = Disk{MaxActiveZones: 3}
	ApplyZoneLimits(DeviceParams{MaxActiveZones: 14}, &d)
	assert.Equal(t, uint32(3), d.MaxActiveZones, "non-zoned device leaves the disk untouched")
}

func TestNewDisk(t *testing.T) {
	p := DeviceParams{Zoned: true, ChunkSectors: 1024, DevSectors: 10 * 1024, MaxOpenZones: 4}
	d, err := NewDisk(p, QueueLimits{MaxHWSectors: 2048, MaxSegments: 128})
	require.NoError(t, err)

	assert.True(t, d.Zoned())
	assert.Equal(t, uint32(10), d.NrZones)
	assert.Equal(t, uint32(1024), d.ZoneSectors())
	assert.Equal(t, uint64(10*1024), d.Limits.CapacitySectors)
	assert.Equal(t, uint32(4), d.MaxOpenZones)
	assert.Equal(t, uint64(3), d.ZoneIndex(3*1024+17))
}

func TestNewDiskInvalidGeometry(t *testing.T) {
	tests := []struct {
		name   string
		params DeviceParams
		limits QueueLimits
	}{
		{"zero zone size", DeviceParams{Zoned: true, DevSectors: 4096}, QueueLimits{}},
		{"not a power of two", DeviceParams{Zoned: true, ChunkSectors: 1000, DevSectors: 4000}, QueueLimits{}},
		{"chunk mismatch", DeviceParams{Zoned: true, ChunkSectors: 1024, DevSectors: 4096}, QueueLimits{ChunkSectors: 2048}},
		{"too many zones", DeviceParams{Zoned: true, ChunkSectors: 1, DevSectors: 1 << 40}, QueueLimits{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDisk(tt.params, tt.limits)
			assert.ErrorIs(t, err, ErrInvalidGeometry)
		})
	}
}

func TestNewDiskNotZoned(t *testing.T) {
	d, err := NewDisk(DeviceParams{ChunkSectors: 1000, DevSectors: 4000}, QueueLimits{})
	require.NoError(t, err)
	assert.False(t, d.Zoned())
	assert.Zero(t, d.NrZones)
}

func TestParamsFromUAPI(t *testing.T) {
	var p uapi.UblkParams
	p.SetBasic()
	p.SetZoned()
	p.Basic.ChunkSectors = 2048
	p.Basic.DevSectors = 2048 * 16
	p.Zoned.MaxActiveZones = 8
	p.Zoned.MaxOpenZones = 6

	dp := ParamsFromUAPI(uapi.UBLK_F_ZONED, &p)
	assert.Equal(t, DeviceParams{
		ChunkSectors:   2048,
		DevSectors:     2048 * 16,
		MaxActiveZones: 8,
		MaxOpenZones:   6,
		Zoned:          true,
	}, dp)

	dp = ParamsFromUAPI(0, &p)
	assert.False(t, dp.Zoned)
}
