// Package metrics aggregates per-device publish telemetry under a single
// lock and renders it as snapshots: counters, latency percentiles, rates,
// disconnect causes, and collapse detection.
package metrics

import (
	"sort"
	"sync"
	"time"
)

type deviceStats struct {
	messages       uint64
	failedMessages uint64
	bytes          uint64
}

// Aggregator collects fleet telemetry for one shard. One mutex guards all
// state; record operations are O(1) and Snapshot does the only O(n log n)
// work, re-sorting the latency samples lazily when they changed.
type Aggregator struct {
	mu        sync.Mutex
	declared  int
	startedAt time.Time

	successCount uint64
	failureCount uint64
	bytesSent    uint64

	latencies []float64 // seconds
	sorted    []float64
	dirty     bool

	perDevice        map[string]*deviceStats
	seen             map[string]struct{}
	active           map[string]struct{}
	peakConnected    int
	failedDevices    map[string]struct{}
	disconnectCauses map[string]int

	collapsedAt    *time.Time
	collapseReason string
	stopping       bool
}

// NewAggregator creates an aggregator for a fleet of declared devices.
func NewAggregator(declared int) *Aggregator {
	return &Aggregator{
		declared:         declared,
		startedAt:        time.Now(),
		perDevice:        make(map[string]*deviceStats),
		seen:             make(map[string]struct{}),
		active:           make(map[string]struct{}),
		failedDevices:    make(map[string]struct{}),
		disconnectCauses: make(map[string]int),
	}
}

// MarkStopping tells the aggregator that teardown has begun, so the active
// set emptying is a shutdown, not a collapse.
func (a *Aggregator) MarkStopping() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopping = true
}

// RecordClientConnected notes a device joining the active set.
func (a *Aggregator) RecordClientConnected(device string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[device] = struct{}{}
	a.active[device] = struct{}{}
	if len(a.active) > a.peakConnected {
		a.peakConnected = len(a.active)
	}
}

// RecordClientDisconnected removes a device from the active set. Non-graceful
// disconnects mark the device failed, count the cause, and can trip collapse;
// so does the active set emptying before teardown began.
func (a *Aggregator) RecordClientDisconnected(device, reason string, graceful bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, device)
	if !graceful {
		a.failedDevices[device] = struct{}{}
		a.disconnectCauses[reason]++
		a.noteCollapseLocked(reason)
	}
	if len(a.active) == 0 && !a.stopping && len(a.seen) > 0 {
		a.noteCollapseLocked("all devices disconnected")
	}
}

// RecordPublishSuccess counts a delivered message and its observed latency.
func (a *Aggregator) RecordPublishSuccess(device string, latency time.Duration, bytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successCount++
	a.latencies = append(a.latencies, latency.Seconds())
	a.dirty = true
	a.bytesSent += uint64(bytes)
	st := a.statsLocked(device)
	st.messages++
	st.bytes += uint64(bytes)
}

// RecordPublishFailure counts a failed publish attempt under the given cause.
func (a *Aggregator) RecordPublishFailure(device, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	a.failedDevices[device] = struct{}{}
	a.statsLocked(device).failedMessages++
	a.disconnectCauses[reason]++
	a.noteCollapseLocked(reason)
}

// RecordConnectionFailure counts a failed connect attempt under the given
// cause. Unlike publish failures it does not touch per-device message stats.
func (a *Aggregator) RecordConnectionFailure(device, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	a.failedDevices[device] = struct{}{}
	a.disconnectCauses[reason]++
	a.noteCollapseLocked(reason)
}

// noteCollapseLocked records the first collapse only; later causes keep the
// original timestamp and reason.
func (a *Aggregator) noteCollapseLocked(reason string) {
	if a.collapsedAt != nil {
		return
	}
	now := time.Now()
	a.collapsedAt = &now
	a.collapseReason = reason
}

func (a *Aggregator) statsLocked(device string) *deviceStats {
	st, ok := a.perDevice[device]
	if !ok {
		st = &deviceStats{}
		a.perDevice[device] = st
	}
	return st
}

// Snapshot renders the current state. The reported device total is
// max(declared, observed, 1) so per-device averages stay finite.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Summary is the end-of-run snapshot: identical except the device total drops
// the 1-floor, so an idle run reports the fleet it actually had.
func (a *Aggregator) Summary() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snapshotLocked()
	s.TotalDevices = a.declared
	if len(a.seen) > s.TotalDevices {
		s.TotalDevices = len(a.seen)
	}
	return s
}

func (a *Aggregator) snapshotLocked() Snapshot {
	now := time.Now()
	elapsed := now.Sub(a.startedAt).Seconds()
	if elapsed < 1e-9 {
		elapsed = 1e-9
	}

	observed := a.declared
	if len(a.seen) > observed {
		observed = len(a.seen)
	}
	if observed < 1 {
		observed = 1
	}

	var avg, p50, p95, p99 *float64
	if len(a.latencies) > 0 {
		if a.dirty {
			a.sorted = append(a.sorted[:0], a.latencies...)
			sort.Float64s(a.sorted)
			a.dirty = false
		}
		var sum float64
		for _, v := range a.latencies {
			sum += v
		}
		avg = f64Ptr(roundTo(sum/float64(len(a.latencies))*1000, 4))
		if v, ok := Percentile(a.sorted, 50); ok {
			p50 = f64Ptr(roundTo(v*1000, 4))
		}
		if v, ok := Percentile(a.sorted, 95); ok {
			p95 = f64Ptr(roundTo(v*1000, 4))
		}
		if v, ok := Percentile(a.sorted, 99); ok {
			p99 = f64Ptr(roundTo(v*1000, 4))
		}
	}

	var collapseTime *float64
	var collapseReason *string
	if a.collapsedAt != nil {
		collapseTime = f64Ptr(a.collapsedAt.Sub(a.startedAt).Seconds())
		collapseReason = strPtr(a.collapseReason)
	}

	causes := make(map[string]int, len(a.disconnectCauses))
	for k, v := range a.disconnectCauses {
		causes[k] = v
	}

	return Snapshot{
		Timestamp:            now.UTC().Format(TimestampLayout),
		UptimeSeconds:        roundTo(elapsed, 2),
		ElapsedSeconds:       elapsed,
		TotalDevices:         observed,
		ActiveClients:        len(a.active),
		ConnectedDevices:     len(a.active),
		ChannelsInUse:        len(a.active),
		PeakConnectedDevices: a.peakConnected,
		FailedDevices:        len(a.failedDevices),
		SuccessfulPublishes:  a.successCount,
		FailedPublishes:      a.failureCount,
		MessagesSent:         a.successCount,
		MessagesFailed:       a.failureCount,
		BytesSent:            a.bytesSent,
		DataVolumeMB:         float64(a.bytesSent) / 1024 / 1024,
		AvgLatencyMs:         avg,
		P50LatencyMs:         p50,
		P95LatencyMs:         p95,
		P99LatencyMs:         p99,
		MessagesPerSecond:    roundTo(float64(a.successCount)/elapsed, 4),
		BandwidthMbps:        roundTo(float64(a.bytesSent)*8/elapsed/1e6, 6),
		AvgSendRatePerDevice: float64(a.successCount) / elapsed / float64(observed),
		AvgMessagesPerDevice: float64(a.successCount) / float64(observed),
		CollapseTimeSeconds:  collapseTime,
		CollapseReason:       collapseReason,
		DisconnectCauses:     causes,
	}
}

// DeviceBreakdown lists per-device counters sorted by messages descending
// (device name breaks ties). It includes devices that only ever failed.
// limit <= 0 returns every row.
func (a *Aggregator) DeviceBreakdown(limit int) []DeviceRow {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := make([]DeviceRow, 0, len(a.perDevice)+len(a.failedDevices))
	listed := make(map[string]struct{}, len(a.perDevice))
	for device, st := range a.perDevice {
		listed[device] = struct{}{}
		rows = append(rows, DeviceRow{
			Device:         device,
			Messages:       st.messages,
			FailedMessages: st.failedMessages,
			Bytes:          st.bytes,
		})
	}
	for device := range a.failedDevices {
		if _, ok := listed[device]; !ok {
			rows = append(rows, DeviceRow{Device: device})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Messages != rows[j].Messages {
			return rows[i].Messages > rows[j].Messages
		}
		return rows[i].Device < rows[j].Device
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
