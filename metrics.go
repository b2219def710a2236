package nvmf

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-nvmf/internal/ctrlr"
	"github.com/behrlich/go-nvmf/internal/nvme"
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

// OpClass groups commands for accounting
type OpClass int

const (
	OpClassRead OpClass = iota
	OpClassWrite
	OpClassCompare
	OpClassWriteZeroes
	OpClassFlush
	OpClassDeallocate
	OpClassCopy
	OpClassPassthru
	OpClassAdmin
	numOpClasses
)

var opClassNames = [numOpClasses]string{
	"read", "write", "compare", "write_zeroes", "flush",
	"deallocate", "copy", "passthru", "admin",
}

func (c OpClass) String() string {
	if c < 0 || c >= numOpClasses {
		return "unknown"
	}
	return opClassNames[c]
}

// ClassifyRequest returns the accounting class of a command
func ClassifyRequest(req *ctrlr.Request) OpClass {
	if req.Admin {
		return OpClassAdmin
	}
	switch req.Cmd.Opcode() {
	case nvme.OpRead:
		return OpClassRead
	case nvme.OpWrite:
		return OpClassWrite
	case nvme.OpCompare:
		return OpClassCompare
	case nvme.OpWriteZeroes:
		return OpClassWriteZeroes
	case nvme.OpFlush:
		return OpClassFlush
	case nvme.OpDatasetMgmt:
		return OpClassDeallocate
	case nvme.OpCopy:
		return OpClassCopy
	default:
		return OpClassPassthru
	}
}

// Metrics tracks performance and operational statistics for a target
type Metrics struct {
	// Per-class command and error counters
	Ops    [numOpClasses]atomic.Uint64
	Errors [numOpClasses]atomic.Uint64

	// Byte counters (successful commands only)
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Halves of fused commands, counted in their class as well
	FusedOps atomic.Uint64

	// Submissions parked on a channel wait queue for lack of resources
	Resubmissions atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative command latency in nanoseconds
	OpCount        atomic.Uint64 // Total commands (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Target lifecycle
	StartTime atomic.Int64 // Target start timestamp (UnixNano)
	StopTime  atomic.Int64 // Target stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Record records one finished command of the given class
func (m *Metrics) Record(class OpClass, bytes uint64, latencyNs uint64, success bool) {
	if class < 0 || class >= numOpClasses {
		class = OpClassPassthru
	}
	m.Ops[class].Add(1)
	if !success {
		m.Errors[class].Add(1)
	} else {
		switch class {
		case OpClassRead:
			m.ReadBytes.Add(bytes)
		case OpClassWrite:
			m.WriteBytes.Add(bytes)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordRead records a read command
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.Record(OpClassRead, bytes, latencyNs, success)
}

// RecordWrite records a write command
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.Record(OpClassWrite, bytes, latencyNs, success)
}

// RecordResubmission records a submission deferred for lack of resources
func (m *Metrics) RecordResubmission() {
	m.Resubmissions.Add(1)
}

// RecordQueueDepth records current queue depth for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the target as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	// Commands per class
	ReadOps        uint64
	WriteOps       uint64
	CompareOps     uint64
	WriteZeroesOps uint64
	FlushOps       uint64
	DeallocateOps  uint64
	CopyOps        uint64
	PassthruOps    uint64
	AdminOps       uint64
	FusedOps       uint64

	// Bytes transferred
	ReadBytes  uint64
	WriteBytes uint64

	// Error counts
	ReadErrors    uint64
	WriteErrors   uint64
	CompareErrors uint64
	OtherErrors   uint64
	TotalErrors   uint64

	Resubmissions uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

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
	ReadIOPS       float64 // Commands per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed commands
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	var ops, errs [numOpClasses]uint64
	for i := range ops {
		ops[i] = m.Ops[i].Load()
		errs[i] = m.Errors[i].Load()
	}

	snap := MetricsSnapshot{
		ReadOps:        ops[OpClassRead],
		WriteOps:       ops[OpClassWrite],
		CompareOps:     ops[OpClassCompare],
		WriteZeroesOps: ops[OpClassWriteZeroes],
		FlushOps:       ops[OpClassFlush],
		DeallocateOps:  ops[OpClassDeallocate],
		CopyOps:        ops[OpClassCopy],
		PassthruOps:    ops[OpClassPassthru],
		AdminOps:       ops[OpClassAdmin],
		FusedOps:       m.FusedOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		ReadErrors:     errs[OpClassRead],
		WriteErrors:    errs[OpClassWrite],
		CompareErrors:  errs[OpClassCompare],
		Resubmissions:  m.Resubmissions.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	for i := range ops {
		snap.TotalOps += ops[i]
		snap.TotalErrors += errs[i]
	}
	snap.OtherErrors = snap.TotalErrors - snap.ReadErrors - snap.WriteErrors - snap.CompareErrors
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	// Calculate average queue depth
	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
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

	// Calculate rates (commands and bandwidth per second)
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

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

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for i := range m.Ops {
		m.Ops[i].Store(0)
		m.Errors[i].Store(0)
	}
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.FusedOps.Store(0)
	m.Resubmissions.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-command events from every queue of a target.
// Implementations must be safe for concurrent use.
type Observer = ctrlr.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(*ctrlr.Request, time.Duration) {}
func (NoOpObserver) ObserveBackpressure(uint8)                       {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompletion(req *ctrlr.Request, latency time.Duration) {
	if req.Cmd.Fuse() != nvme.FuseNone && !req.Admin {
		o.metrics.FusedOps.Add(1)
	}
	o.metrics.Record(ClassifyRequest(req), uint64(req.Length), uint64(latency.Nanoseconds()), req.Rsp.Status.IsSuccess())
}

func (o *MetricsObserver) ObserveBackpressure(uint8) {
	o.metrics.RecordResubmission()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
