package metrics

import (
	"sort"
	"strings"
	"sync"
)

// ShardReport is the body a shard POSTs to the orchestrator: its identity,
// its latest snapshot, and its full device breakdown.
type ShardReport struct {
	ShardID  string      `json:"shard_id"`
	Snapshot Snapshot    `json:"snapshot"`
	Devices  []DeviceRow `json:"devices"`
}

// GlobalCollector merges snapshots from shard processes. Re-posting a shard
// replaces its previous contribution, so ingestion is idempotent.
type GlobalCollector struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	devices   map[string]map[string]DeviceRow
}

// NewGlobalCollector creates an empty collector.
func NewGlobalCollector() *GlobalCollector {
	return &GlobalCollector{
		snapshots: make(map[string]Snapshot),
		devices:   make(map[string]map[string]DeviceRow),
	}
}

// Ingest stores a shard's latest snapshot and device rows. An empty shard ID
// collapses into the "default" slot.
func (g *GlobalCollector) Ingest(shardID string, snap Snapshot, devices []DeviceRow) {
	if shardID == "" {
		shardID = "default"
	}
	byName := make(map[string]DeviceRow, len(devices))
	for _, row := range devices {
		if row.Device == "" {
			continue
		}
		byName[row.Device] = row
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots[shardID] = snap
	g.devices[shardID] = byName
}

// ShardCount returns how many shards have reported so far.
func (g *GlobalCollector) ShardCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.snapshots)
}

// Summary merges the shard snapshots: counts and rates sum, latencies are
// success-weighted means, timestamps and elapsed times take the latest,
// collapse takes the earliest time and the sorted union of reasons, and
// disconnect causes add element-wise.
func (g *GlobalCollector) Summary() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	merged := Snapshot{DisconnectCauses: make(map[string]int)}
	if len(g.snapshots) == 0 {
		return merged
	}

	var (
		weightedAvg, weightedP50, weightedP95, weightedP99 float64
		latencyWeight                                      float64
		collapseTime                                       *float64
		collapseReasons                                    = make(map[string]struct{})
	)

	for _, snap := range g.snapshots {
		merged.TotalDevices += snap.TotalDevices
		merged.ActiveClients += snap.ActiveClients
		merged.ConnectedDevices += snap.ConnectedDevices
		merged.ChannelsInUse += snap.ChannelsInUse
		merged.PeakConnectedDevices += snap.PeakConnectedDevices
		merged.FailedDevices += snap.FailedDevices
		merged.SuccessfulPublishes += snap.SuccessfulPublishes
		merged.FailedPublishes += snap.FailedPublishes
		merged.BytesSent += snap.BytesSent
		merged.DataVolumeMB += snap.DataVolumeMB
		merged.MessagesPerSecond += snap.MessagesPerSecond
		merged.BandwidthMbps += snap.BandwidthMbps

		if snap.AvgLatencyMs != nil && snap.SuccessfulPublishes > 0 {
			weight := float64(snap.SuccessfulPublishes)
			weightedAvg += *snap.AvgLatencyMs * weight
			latencyWeight += weight
			if snap.P50LatencyMs != nil {
				weightedP50 += *snap.P50LatencyMs * weight
			}
			if snap.P95LatencyMs != nil {
				weightedP95 += *snap.P95LatencyMs * weight
			}
			if snap.P99LatencyMs != nil {
				weightedP99 += *snap.P99LatencyMs * weight
			}
		}

		if snap.Timestamp > merged.Timestamp {
			merged.Timestamp = snap.Timestamp
		}
		if snap.UptimeSeconds > merged.UptimeSeconds {
			merged.UptimeSeconds = snap.UptimeSeconds
		}
		if snap.ElapsedSeconds > merged.ElapsedSeconds {
			merged.ElapsedSeconds = snap.ElapsedSeconds
		}

		if snap.CollapseTimeSeconds != nil {
			if collapseTime == nil || *snap.CollapseTimeSeconds < *collapseTime {
				collapseTime = f64Ptr(*snap.CollapseTimeSeconds)
			}
		}
		if snap.CollapseReason != nil && *snap.CollapseReason != "" {
			collapseReasons[*snap.CollapseReason] = struct{}{}
		}

		for cause, count := range snap.DisconnectCauses {
			merged.DisconnectCauses[cause] += count
		}
	}

	if latencyWeight > 0 {
		merged.AvgLatencyMs = f64Ptr(weightedAvg / latencyWeight)
		merged.P50LatencyMs = f64Ptr(weightedP50 / latencyWeight)
		merged.P95LatencyMs = f64Ptr(weightedP95 / latencyWeight)
		merged.P99LatencyMs = f64Ptr(weightedP99 / latencyWeight)
	}

	merged.MessagesSent = merged.SuccessfulPublishes
	merged.MessagesFailed = merged.FailedPublishes

	if merged.TotalDevices > 0 {
		merged.AvgMessagesPerDevice = float64(merged.SuccessfulPublishes) / float64(merged.TotalDevices)
		if merged.ElapsedSeconds > 0 {
			merged.AvgSendRatePerDevice = float64(merged.SuccessfulPublishes) / merged.ElapsedSeconds / float64(merged.TotalDevices)
		}
	}

	merged.CollapseTimeSeconds = collapseTime
	if len(collapseReasons) > 0 {
		reasons := make([]string, 0, len(collapseReasons))
		for r := range collapseReasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		merged.CollapseReason = strPtr(strings.Join(reasons, ", "))
	}

	return merged
}

// DeviceBreakdown merges per-device rows across shards, summing counters for
// devices that appear in more than one report, sorted by messages descending.
// limit <= 0 returns every row.
func (g *GlobalCollector) DeviceBreakdown(limit int) []DeviceRow {
	g.mu.Lock()
	defer g.mu.Unlock()

	byName := make(map[string]DeviceRow)
	for _, shard := range g.devices {
		for device, row := range shard {
			total := byName[device]
			total.Device = device
			total.Messages += row.Messages
			total.FailedMessages += row.FailedMessages
			total.Bytes += row.Bytes
			byName[device] = total
		}
	}

	rows := make([]DeviceRow, 0, len(byName))
	for _, row := range byName {
		rows = append(rows, row)
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
