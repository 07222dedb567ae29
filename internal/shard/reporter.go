package shard

import (
	"context"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/api"
	"github.com/bc-dunia/mqttdrill/internal/events"
	"github.com/bc-dunia/mqttdrill/internal/metrics"
	"github.com/bc-dunia/mqttdrill/internal/sink"
)

// reporter periodically snapshots the aggregator, appends the CSV row,
// forwards the report to the orchestrator when configured, and prints one
// console line. It never mutates aggregator state.
type reporter struct {
	agg      *metrics.Aggregator
	csv      *sink.MetricsCSV
	client   *api.ShardClient
	shardID  string
	artifact string
	interval time.Duration
	metrics  string // metrics dir, for the final JSON document
	log      *events.Logger

	collapseLogged bool
}

// noteCollapse emits the collapse ops event the first time a snapshot
// carries one.
func (r *reporter) noteCollapse(snap metrics.Snapshot) {
	if r.collapseLogged || snap.CollapseTimeSeconds == nil || snap.CollapseReason == nil {
		return
	}
	r.collapseLogged = true
	r.log.LogCollapse(*snap.CollapseReason, *snap.CollapseTimeSeconds)
}

func (r *reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *reporter) tick(ctx context.Context) {
	snap := r.agg.Snapshot()

	r.noteCollapse(snap)

	if err := r.csv.Append(snap); err != nil {
		log.Printf("[Reporter %s] append csv row: %v", r.shardID, err)
	}
	r.forward(ctx, snap)

	log.Printf("[Reporter %s] active=%d/%d ok=%d fail=%d avg=%sms p95=%sms p99=%sms rate=%.1f msg/s bw=%.3f Mbps",
		r.shardID, snap.ActiveClients, snap.TotalDevices,
		snap.SuccessfulPublishes, snap.FailedPublishes,
		fmtLatency(snap.AvgLatencyMs), fmtLatency(snap.P95LatencyMs), fmtLatency(snap.P99LatencyMs),
		snap.MessagesPerSecond, snap.BandwidthMbps)
}

// final runs after the workers have joined, so the summary includes every
// terminal disconnect. It writes the last CSV row, posts the last report,
// and persists the summary document atomically.
func (r *reporter) final() {
	summary := r.agg.Summary()
	r.noteCollapse(summary)

	if err := r.csv.Append(summary); err != nil {
		log.Printf("[Reporter %s] append final csv row: %v", r.shardID, err)
	}

	// The run context is gone by now; give delivery its own bound.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.forward(ctx, summary)

	path := filepath.Join(r.metrics, r.artifact+"-metrics.json")
	if err := sink.WriteJSONAtomic(path, summary); err != nil {
		log.Printf("[Reporter %s] write summary json: %v", r.shardID, err)
	}

	log.Printf("[Reporter %s] final summary -> devices=%d peak=%d ok=%d fail=%d avg=%sms p99=%sms causes=%v",
		r.shardID, summary.TotalDevices, summary.PeakConnectedDevices,
		summary.SuccessfulPublishes, summary.FailedPublishes,
		fmtLatency(summary.AvgLatencyMs), fmtLatency(summary.P99LatencyMs),
		summary.DisconnectCauses)
}

// forward posts the report to the orchestrator. Delivery failures are
// warnings: the collector being away must never fail the shard.
func (r *reporter) forward(ctx context.Context, snap metrics.Snapshot) {
	if r.client == nil {
		return
	}
	report := metrics.ShardReport{
		ShardID:  r.shardID,
		Snapshot: snap,
		Devices:  r.agg.DeviceBreakdown(0),
	}
	if err := r.client.Report(ctx, report); err != nil {
		log.Printf("[Reporter %s] deliver report to %s: %v", r.shardID, r.client.Endpoint(), err)
	}
}

func fmtLatency(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}
