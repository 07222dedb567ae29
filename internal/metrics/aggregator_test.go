package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentile(t *testing.T) {
	if _, ok := Percentile(nil, 50); ok {
		t.Fatal("empty samples should report not available")
	}
	if v, ok := Percentile([]float64{7.5}, 99); !ok || v != 7.5 {
		t.Fatalf("single sample: got %v ok=%v, want 7.5", v, ok)
	}
	if v, _ := Percentile([]float64{10, 20}, 50); !almostEqual(v, 15) {
		t.Fatalf("p50 of [10 20]: got %v, want 15", v)
	}
	if v, _ := Percentile([]float64{10, 20}, 99); !almostEqual(v, 19.9) {
		t.Fatalf("p99 of [10 20]: got %v, want 19.9", v)
	}
	if v, _ := Percentile([]float64{10, 20, 30, 40}, 50); !almostEqual(v, 25) {
		t.Fatalf("p50 of [10 20 30 40]: got %v, want 25", v)
	}
	if v, _ := Percentile([]float64{10, 20, 30}, 100); !almostEqual(v, 30) {
		t.Fatalf("p100 should clamp to the max sample, got %v", v)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	agg := NewAggregator(5)
	snap := agg.Snapshot()

	if snap.TotalDevices != 5 {
		t.Fatalf("total_devices: got %d, want declared 5", snap.TotalDevices)
	}
	if snap.SuccessfulPublishes != 0 || snap.FailedPublishes != 0 {
		t.Fatalf("fresh aggregator has counts: %+v", snap)
	}
	if snap.AvgLatencyMs != nil || snap.P50LatencyMs != nil || snap.P99LatencyMs != nil {
		t.Fatal("latency fields must be nil with no samples")
	}
	if snap.CollapseTimeSeconds != nil || snap.CollapseReason != nil {
		t.Fatal("collapse fields must be nil on a healthy run")
	}
	if snap.MessagesPerSecond != 0 {
		t.Fatalf("messages_per_second: got %v, want 0", snap.MessagesPerSecond)
	}

	// With nothing declared and nothing seen the snapshot floors the device
	// total at 1 to keep per-device averages finite; the summary does not.
	idle := NewAggregator(0)
	if got := idle.Snapshot().TotalDevices; got != 1 {
		t.Fatalf("snapshot total_devices floor: got %d, want 1", got)
	}
	if got := idle.Summary().TotalDevices; got != 0 {
		t.Fatalf("summary total_devices: got %d, want 0", got)
	}
}

func TestPublishSuccessAccounting(t *testing.T) {
	agg := NewAggregator(2)
	agg.RecordClientConnected("dev-1")
	agg.RecordPublishSuccess("dev-1", 10*time.Millisecond, 100)
	agg.RecordPublishSuccess("dev-1", 20*time.Millisecond, 100)
	agg.RecordPublishSuccess("dev-1", 30*time.Millisecond, 100)

	snap := agg.Snapshot()
	if snap.SuccessfulPublishes != 3 || snap.MessagesSent != 3 {
		t.Fatalf("successful_publishes/messages_sent: %d/%d, want 3/3", snap.SuccessfulPublishes, snap.MessagesSent)
	}
	if snap.BytesSent != 300 {
		t.Fatalf("bytes_sent: got %d, want 300", snap.BytesSent)
	}
	if snap.AvgLatencyMs == nil || *snap.AvgLatencyMs != 20 {
		t.Fatalf("avg_latency_ms: got %v, want 20", snap.AvgLatencyMs)
	}
	if snap.P50LatencyMs == nil || *snap.P50LatencyMs != 20 {
		t.Fatalf("p50_latency_ms: got %v, want 20", snap.P50LatencyMs)
	}
	if snap.P95LatencyMs == nil || *snap.P95LatencyMs != 29 {
		t.Fatalf("p95_latency_ms: got %v, want 29", snap.P95LatencyMs)
	}
	if !almostEqual(snap.DataVolumeMB, 300.0/1024/1024) {
		t.Fatalf("data_volume_mb: got %v", snap.DataVolumeMB)
	}
	if snap.ActiveClients != 1 || snap.ConnectedDevices != 1 || snap.ChannelsInUse != 1 {
		t.Fatalf("active aliases disagree: %+v", snap)
	}
}

func TestCollapseSetOnce(t *testing.T) {
	agg := NewAggregator(3)
	agg.RecordPublishFailure("dev-1", "network")
	agg.RecordPublishFailure("dev-2", "auth")

	snap := agg.Snapshot()
	if snap.CollapseReason == nil || *snap.CollapseReason != "network" {
		t.Fatalf("collapse_reason: got %v, want first failure's reason", snap.CollapseReason)
	}
	if snap.CollapseTimeSeconds == nil || *snap.CollapseTimeSeconds < 0 {
		t.Fatalf("collapse_time_seconds: got %v", snap.CollapseTimeSeconds)
	}
	if snap.FailedPublishes != 2 {
		t.Fatalf("failed_publishes: got %d, want 2", snap.FailedPublishes)
	}
	if snap.DisconnectCauses["network"] != 1 || snap.DisconnectCauses["auth"] != 1 {
		t.Fatalf("disconnect_causes: %v", snap.DisconnectCauses)
	}
}

func TestActiveSetEmptyTripsCollapse(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordClientConnected("dev-1")
	agg.RecordClientDisconnected("dev-1", "loop_exit", true)

	snap := agg.Snapshot()
	if snap.CollapseReason == nil || *snap.CollapseReason != "all devices disconnected" {
		t.Fatalf("collapse_reason: got %v, want active-set-empty reason", snap.CollapseReason)
	}
	if snap.FailedDevices != 0 {
		t.Fatalf("graceful disconnect must not mark the device failed: %d", snap.FailedDevices)
	}
	if len(snap.DisconnectCauses) != 0 {
		t.Fatalf("graceful disconnect must not count a cause: %v", snap.DisconnectCauses)
	}
}

func TestMarkStoppingSuppressesEmptyCollapse(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordClientConnected("dev-1")
	agg.MarkStopping()
	agg.RecordClientDisconnected("dev-1", "stopped", true)

	if snap := agg.Snapshot(); snap.CollapseReason != nil {
		t.Fatalf("teardown must not look like a collapse: %v", *snap.CollapseReason)
	}
}

func TestPeakConnected(t *testing.T) {
	agg := NewAggregator(3)
	agg.RecordClientConnected("a")
	agg.RecordClientConnected("b")
	agg.RecordClientConnected("c")
	agg.RecordClientDisconnected("b", "network", false)

	snap := agg.Snapshot()
	if snap.ActiveClients != 2 {
		t.Fatalf("active_clients: got %d, want 2", snap.ActiveClients)
	}
	if snap.PeakConnectedDevices != 3 {
		t.Fatalf("peak_connected_devices: got %d, want 3", snap.PeakConnectedDevices)
	}
	if snap.FailedDevices != 1 {
		t.Fatalf("failed_devices: got %d, want 1", snap.FailedDevices)
	}
}

func TestSummaryUsesObservedDevices(t *testing.T) {
	agg := NewAggregator(2)
	for _, dev := range []string{"a", "b", "c"} {
		agg.RecordClientConnected(dev)
	}
	if got := agg.Summary().TotalDevices; got != 3 {
		t.Fatalf("summary total_devices: got %d, want observed 3", got)
	}
}

func TestDeviceBreakdown(t *testing.T) {
	agg := NewAggregator(4)
	agg.RecordPublishSuccess("slow", 5*time.Millisecond, 10)
	for i := 0; i < 3; i++ {
		agg.RecordPublishSuccess("busy", 5*time.Millisecond, 10)
	}
	agg.RecordPublishFailure("busy", "network")
	agg.RecordConnectionFailure("dead", "auth")

	rows := agg.DeviceBreakdown(0)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3: %+v", len(rows), rows)
	}
	if rows[0].Device != "busy" || rows[0].Messages != 3 || rows[0].FailedMessages != 1 {
		t.Fatalf("row 0: %+v", rows[0])
	}
	if rows[1].Device != "slow" || rows[1].Messages != 1 {
		t.Fatalf("row 1: %+v", rows[1])
	}
	// Connection failures list the device but never invent message counts.
	if rows[2].Device != "dead" || rows[2].Messages != 0 || rows[2].FailedMessages != 0 {
		t.Fatalf("row 2: %+v", rows[2])
	}

	if got := agg.DeviceBreakdown(1); len(got) != 1 || got[0].Device != "busy" {
		t.Fatalf("limit 1: %+v", got)
	}
}

func TestBreakdownTieOrder(t *testing.T) {
	agg := NewAggregator(2)
	agg.RecordPublishSuccess("zeta", time.Millisecond, 1)
	agg.RecordPublishSuccess("alpha", time.Millisecond, 1)

	rows := agg.DeviceBreakdown(0)
	if rows[0].Device != "alpha" || rows[1].Device != "zeta" {
		t.Fatalf("equal counts must sort by device name: %+v", rows)
	}
}

func TestConcurrentRecording(t *testing.T) {
	agg := NewAggregator(8)
	const perDevice = 200

	var wg sync.WaitGroup
	for _, dev := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(dev string) {
			defer wg.Done()
			agg.RecordClientConnected(dev)
			for i := 0; i < perDevice; i++ {
				agg.RecordPublishSuccess(dev, time.Millisecond, 8)
			}
		}(dev)
	}
	wg.Wait()

	snap := agg.Snapshot()
	if snap.SuccessfulPublishes != 4*perDevice {
		t.Fatalf("successful_publishes: got %d, want %d", snap.SuccessfulPublishes, 4*perDevice)
	}
	if snap.BytesSent != 4*perDevice*8 {
		t.Fatalf("bytes_sent: got %d, want %d", snap.BytesSent, 4*perDevice*8)
	}
	if snap.PeakConnectedDevices != 4 {
		t.Fatalf("peak_connected_devices: got %d, want 4", snap.PeakConnectedDevices)
	}
}
