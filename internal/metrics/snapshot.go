package metrics

import "math"

// TimestampLayout renders UTC instants with fixed-width microseconds so that
// lexicographic order matches chronological order across shards.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Snapshot is a point-in-time view of aggregator state. Field names are the
// wire contract shared by the CSV sink, the shard report body, and
// /api/metrics; nullable numerics are pointers so absent data marshals as
// null instead of a fake zero.
type Snapshot struct {
	Timestamp            string         `json:"timestamp"`
	UptimeSeconds        float64        `json:"uptime_seconds"`
	ElapsedSeconds       float64        `json:"elapsed_seconds"`
	TotalDevices         int            `json:"total_devices"`
	ActiveClients        int            `json:"active_clients"`
	ConnectedDevices     int            `json:"connected_devices"`
	ChannelsInUse        int            `json:"channels_in_use"`
	PeakConnectedDevices int            `json:"peak_connected_devices"`
	FailedDevices        int            `json:"failed_devices"`
	SuccessfulPublishes  uint64         `json:"successful_publishes"`
	FailedPublishes      uint64         `json:"failed_publishes"`
	MessagesSent         uint64         `json:"messages_sent"`
	MessagesFailed       uint64         `json:"messages_failed"`
	BytesSent            uint64         `json:"bytes_sent"`
	DataVolumeMB         float64        `json:"data_volume_mb"`
	AvgLatencyMs         *float64       `json:"avg_latency_ms"`
	P50LatencyMs         *float64       `json:"p50_latency_ms"`
	P95LatencyMs         *float64       `json:"p95_latency_ms"`
	P99LatencyMs         *float64       `json:"p99_latency_ms"`
	MessagesPerSecond    float64        `json:"messages_per_second"`
	BandwidthMbps        float64        `json:"bandwidth_mbps"`
	AvgSendRatePerDevice float64        `json:"avg_send_rate_per_device"`
	AvgMessagesPerDevice float64        `json:"avg_messages_per_device"`
	CollapseTimeSeconds  *float64       `json:"collapse_time_seconds"`
	CollapseReason       *string        `json:"collapse_reason"`
	DisconnectCauses     map[string]int `json:"disconnect_causes"`
}

// DeviceRow is one device's line in a breakdown table.
type DeviceRow struct {
	Device         string `json:"device"`
	Messages       uint64 `json:"messages"`
	FailedMessages uint64 `json:"failed_messages"`
	Bytes          uint64 `json:"bytes"`
}

// Percentile computes the p-th percentile of ascending-sorted samples by
// linear interpolation between closest ranks: r = (n-1)*p/100, interpolating
// between floor(r) and ceil(r). A single sample is every percentile of
// itself. ok is false when samples is empty.
func Percentile(sorted []float64, p float64) (float64, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	if n == 1 {
		return sorted[0], true
	}
	r := float64(n-1) * p / 100
	lo := int(math.Floor(r))
	hi := int(math.Ceil(r))
	if hi >= n {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo], true
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(r-float64(lo)), true
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func f64Ptr(v float64) *float64 { return &v }

func strPtr(v string) *string { return &v }
