package ublk

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ublk-zoned/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks zone report statistics for a device
type Metrics struct {
	// Report counters
	ReportOps     atomic.Uint64 // Total report-zones calls
	ReportErrors  atomic.Uint64 // Calls that returned an error
	ZonesReported atomic.Uint64 // Zones handed to callbacks by successful calls

	// Chunk counters
	Chunks     atomic.Uint64 // Chunk requests executed
	ChunkZones atomic.Uint64 // Zones asked for across all chunks
	ChunkBytes atomic.Uint64 // Report buffer bytes mapped across all chunks

	// Allocation and termination
	AllocShrinks atomic.Uint64 // Report buffer allocations retried at half size
	Sentinels    atomic.Uint64 // Reports cut short by a zero-length zone

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative report latency in nanoseconds
	OpCount        atomic.Uint64 // Total reports (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of reports with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordReport records one report-zones call
func (m *Metrics) RecordReport(zones uint64, latencyNs uint64, success bool) {
	m.ReportOps.Add(1)
	if success {
		m.ZonesReported.Add(zones)
	} else {
		m.ReportErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordChunk records one executed chunk request
func (m *Metrics) RecordChunk(zones uint64, bufBytes uint64) {
	m.Chunks.Add(1)
	m.ChunkZones.Add(zones)
	m.ChunkBytes.Add(bufBytes)
}

// RecordAllocShrink records a report buffer allocation retried at half size
func (m *Metrics) RecordAllocShrink() {
	m.AllocShrinks.Add(1)
}

// RecordSentinel records a report that stopped at a zero-length zone
func (m *Metrics) RecordSentinel() {
	m.Sentinels.Add(1)
}

// recordLatency records report latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	ReportOps     uint64
	ReportErrors  uint64
	ZonesReported uint64

	Chunks     uint64
	ChunkZones uint64
	ChunkBytes uint64

	AllocShrinks uint64
	Sentinels    uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReportsPerSecond float64
	ZonesPerChunk    float64 // Average zones asked for per chunk
	ChunksPerReport  float64
	ErrorRate        float64 // Percentage of failed reports
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReportOps:     m.ReportOps.Load(),
		ReportErrors:  m.ReportErrors.Load(),
		ZonesReported: m.ZonesReported.Load(),
		Chunks:        m.Chunks.Load(),
		ChunkZones:    m.ChunkZones.Load(),
		ChunkBytes:    m.ChunkBytes.Load(),
		AllocShrinks:  m.AllocShrinks.Load(),
		Sentinels:     m.Sentinels.Load(),
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.ReportsPerSecond = float64(snap.ReportOps) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Chunks > 0 {
		snap.ZonesPerChunk = float64(snap.ChunkZones) / float64(snap.Chunks)
	}

	if snap.ReportOps > 0 {
		snap.ChunksPerReport = float64(snap.Chunks) / float64(snap.ReportOps)
		snap.ErrorRate = float64(snap.ReportErrors) / float64(snap.ReportOps) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReportOps.Store(0)
	m.ReportErrors.Store(0)
	m.ZonesReported.Store(0)
	m.Chunks.Store(0)
	m.ChunkZones.Store(0)
	m.ChunkBytes.Store(0)
	m.AllocShrinks.Store(0)
	m.Sentinels.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives zone report events for metrics collection
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveReport(uint64, uint64, bool) {}
func (NoOpObserver) ObserveChunk(uint64, uint64)        {}
func (NoOpObserver) ObserveAllocShrink()                {}
func (NoOpObserver) ObserveSentinel()                   {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveReport(zones uint64, latencyNs uint64, success bool) {
	o.metrics.RecordReport(zones, latencyNs, success)
}

func (o *MetricsObserver) ObserveChunk(zones uint64, bufBytes uint64) {
	o.metrics.RecordChunk(zones, bufBytes)
}

func (o *MetricsObserver) ObserveAllocShrink() {
	o.metrics.RecordAllocShrink()
}

func (o *MetricsObserver) ObserveSentinel() {
	o.metrics.RecordSentinel()
}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveReport(zones uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveReport(zones, latencyNs, success)
	}
}

func (m multiObserver) ObserveChunk(zones uint64, bufBytes uint64) {
	for _, o := range m {
		o.ObserveChunk(zones, bufBytes)
	}
}

func (m multiObserver) ObserveAllocShrink() {
	for _, o := range m {
		o.ObserveAllocShrink()
	}
}

func (m multiObserver) ObserveSentinel() {
	for _, o := range m {
		o.ObserveSentinel()
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
