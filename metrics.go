package bnxt

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/async"
	"github.com/ehrlich-b/go-bnxt/internal/hwrm"
)

// LatencyBuckets defines the command latency histogram buckets in nanoseconds.
// Buckets cover from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	500_000_000,    // 500ms, the default command timeout
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// EventClass is how the device reacts to a firmware async event
type EventClass = async.Class

const (
	EventUnhandled     = async.Unhandled
	EventLinkChanged   = async.LinkChanged
	EventFatal         = async.Fatal
	EventConfigChanged = async.ConfigChanged

	numEventClasses = 4
)

// RecoveryStage marks the progress of one recovery
type RecoveryStage int

const (
	RecoveryStarted RecoveryStage = iota
	RecoverySucceeded
	RecoveryFailed
)

func (s RecoveryStage) String() string {
	switch s {
	case RecoveryStarted:
		return "started"
	case RecoverySucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// Metrics tracks traffic and operational statistics for a device
type Metrics struct {
	// Data path
	TxPackets  atomic.Uint64 // Frames accepted by Transmit
	TxBytes    atomic.Uint64
	TxRingFull atomic.Uint64 // Transmit rejected because the ring was full
	TxErrors   atomic.Uint64 // Transmit rejected for any other reason
	RxPackets  atomic.Uint64 // Frames delivered to the receiver
	RxBytes    atomic.Uint64

	// Completion queues
	Completions atomic.Uint64 // Completions dispatched by all workers
	Malformed   atomic.Uint64 // Completions skipped as malformed

	// Firmware commands
	Commands        atomic.Uint64
	CommandErrors   atomic.Uint64 // Firmware rejected the command
	CommandTimeouts atomic.Uint64
	TotalLatencyNs  atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Async events by class
	Events [numEventClasses]atomic.Uint64

	// Recovery
	RecoveriesStarted   atomic.Uint64
	RecoveriesSucceeded atomic.Uint64
	RecoveriesFailed    atomic.Uint64
	Stalls              atomic.Uint64 // TX stalls detected by the admin timer

	// Device lifecycle
	StartTime atomic.Int64 // Attach timestamp (UnixNano)
	StopTime  atomic.Int64 // Detach timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransmit records one Transmit call
func (m *Metrics) RecordTransmit(bytes uint64, err error) {
	switch {
	case err == nil:
		m.TxPackets.Add(1)
		m.TxBytes.Add(bytes)
	case IsCode(err, ErrCodeRingFull):
		m.TxRingFull.Add(1)
	default:
		m.TxErrors.Add(1)
	}
}

// RecordReceive records one delivered frame
func (m *Metrics) RecordReceive(bytes uint64) {
	m.RxPackets.Add(1)
	m.RxBytes.Add(bytes)
}

// RecordCompletions records one worker pass
func (m *Metrics) RecordCompletions(n uint64, malformed uint64) {
	m.Completions.Add(n)
	m.Malformed.Add(malformed)
}

// RecordCommand records a completed firmware command
func (m *Metrics) RecordCommand(latencyNs uint64, err error) {
	m.Commands.Add(1)
	switch {
	case err == nil:
	case errors.Is(err, hwrm.ErrTimeout):
		m.CommandTimeouts.Add(1)
	default:
		m.CommandErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordEvent records a dispatched async event
func (m *Metrics) RecordEvent(class EventClass) {
	if class >= 0 && int(class) < numEventClasses {
		m.Events[class].Add(1)
	}
}

// RecordRecovery records a recovery milestone
func (m *Metrics) RecordRecovery(stage RecoveryStage) {
	switch stage {
	case RecoveryStarted:
		m.RecoveriesStarted.Add(1)
	case RecoverySucceeded:
		m.RecoveriesSucceeded.Add(1)
	case RecoveryFailed:
		m.RecoveriesFailed.Add(1)
	}
}

// RecordStall records a TX stall
func (m *Metrics) RecordStall() {
	m.Stalls.Add(1)
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as detached
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	TxPackets  uint64
	TxBytes    uint64
	TxRingFull uint64
	TxErrors   uint64
	RxPackets  uint64
	RxBytes    uint64

	Completions uint64
	Malformed   uint64

	Commands        uint64
	CommandErrors   uint64
	CommandTimeouts uint64

	// Command latency
	AvgCommandLatencyNs uint64
	CommandP50Ns        uint64
	CommandP99Ns        uint64
	LatencyHistogram    [numLatencyBuckets]uint64

	Events [numEventClasses]uint64

	RecoveriesStarted   uint64
	RecoveriesSucceeded uint64
	RecoveriesFailed    uint64
	Stalls              uint64

	// Computed statistics
	UptimeNs    uint64
	TxPPS       float64
	RxPPS       float64
	TxBandwidth float64 // Bytes per second
	RxBandwidth float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TxPackets:           m.TxPackets.Load(),
		TxBytes:             m.TxBytes.Load(),
		TxRingFull:          m.TxRingFull.Load(),
		TxErrors:            m.TxErrors.Load(),
		RxPackets:           m.RxPackets.Load(),
		RxBytes:             m.RxBytes.Load(),
		Completions:         m.Completions.Load(),
		Malformed:           m.Malformed.Load(),
		Commands:            m.Commands.Load(),
		CommandErrors:       m.CommandErrors.Load(),
		CommandTimeouts:     m.CommandTimeouts.Load(),
		RecoveriesStarted:   m.RecoveriesStarted.Load(),
		RecoveriesSucceeded: m.RecoveriesSucceeded.Load(),
		RecoveriesFailed:    m.RecoveriesFailed.Load(),
		Stalls:              m.Stalls.Load(),
	}
	for i := range snap.Events {
		snap.Events[i] = m.Events[i].Load()
	}

	if snap.Commands > 0 {
		snap.AvgCommandLatencyNs = m.TotalLatencyNs.Load() / snap.Commands
		snap.CommandP50Ns = m.calculatePercentile(0.50)
		snap.CommandP99Ns = m.calculatePercentile(0.99)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TxPPS = float64(snap.TxPackets) / uptimeSeconds
		snap.RxPPS = float64(snap.RxPackets) / uptimeSeconds
		snap.TxBandwidth = float64(snap.TxBytes) / uptimeSeconds
		snap.RxBandwidth = float64(snap.RxBytes) / uptimeSeconds
	}

	return snap
}

// calculatePercentile estimates the command latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.Commands.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

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

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer interface allows pluggable metrics collection. Methods may be
// called from any worker and must not block.
type Observer interface {
	// ObserveTransmit is called for each Transmit call
	ObserveTransmit(bytes uint64, err error)

	// ObserveReceive is called for each frame handed to the receiver
	ObserveReceive(bytes uint64)

	// ObserveCompletions is called after each worker pass
	ObserveCompletions(n uint64, malformed uint64)

	// ObserveCommand is called for each firmware command
	ObserveCommand(opcode uint16, latency time.Duration, err error)

	// ObserveEvent is called for each async event
	ObserveEvent(class EventClass)

	// ObserveRecovery is called as recovery progresses
	ObserveRecovery(stage RecoveryStage, err error)

	// ObserveStall is called when the admin timer finds a stalled TX ring
	ObserveStall(queue int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransmit(uint64, error)               {}
func (NoOpObserver) ObserveReceive(uint64)                       {}
func (NoOpObserver) ObserveCompletions(uint64, uint64)           {}
func (NoOpObserver) ObserveCommand(uint16, time.Duration, error) {}
func (NoOpObserver) ObserveEvent(EventClass)                     {}
func (NoOpObserver) ObserveRecovery(RecoveryStage, error)        {}
func (NoOpObserver) ObserveStall(int)                            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransmit(bytes uint64, err error) {
	o.metrics.RecordTransmit(bytes, err)
}

func (o *MetricsObserver) ObserveReceive(bytes uint64) {
	o.metrics.RecordReceive(bytes)
}

func (o *MetricsObserver) ObserveCompletions(n uint64, malformed uint64) {
	o.metrics.RecordCompletions(n, malformed)
}

func (o *MetricsObserver) ObserveCommand(_ uint16, latency time.Duration, err error) {
	o.metrics.RecordCommand(uint64(latency.Nanoseconds()), err)
}

func (o *MetricsObserver) ObserveEvent(class EventClass) {
	o.metrics.RecordEvent(class)
}

func (o *MetricsObserver) ObserveRecovery(stage RecoveryStage, _ error) {
	o.metrics.RecordRecovery(stage)
}

func (o *MetricsObserver) ObserveStall(int) {
	o.metrics.RecordStall()
}

// teeObserver feeds the device's metrics and a caller's observer
type teeObserver [2]Observer

func (t teeObserver) ObserveTransmit(bytes uint64, err error) {
	t[0].ObserveTransmit(bytes, err)
	t[1].ObserveTransmit(bytes, err)
}

func (t teeObserver) ObserveReceive(bytes uint64) {
	t[0].ObserveReceive(bytes)
	t[1].ObserveReceive(bytes)
}

func (t teeObserver) ObserveCompletions(n uint64, malformed uint64) {
	t[0].ObserveCompletions(n, malformed)
	t[1].ObserveCompletions(n, malformed)
}

func (t teeObserver) ObserveCommand(opcode uint16, latency time.Duration, err error) {
	t[0].ObserveCommand(opcode, latency, err)
	t[1].ObserveCommand(opcode, latency, err)
}

func (t teeObserver) ObserveEvent(class EventClass) {
	t[0].ObserveEvent(class)
	t[1].ObserveEvent(class)
}

func (t teeObserver) ObserveRecovery(stage RecoveryStage, err error) {
	t[0].ObserveRecovery(stage, err)
	t[1].ObserveRecovery(stage, err)
}

func (t teeObserver) ObserveStall(queue int) {
	t[0].ObserveStall(queue)
	t[1].ObserveStall(queue)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = teeObserver{}
var _ hwrm.Observer = (Observer)(nil)
