package e2e

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/metrics"
	"github.com/bc-dunia/mqttdrill/internal/shard"
)

func readSummary(t *testing.T, dir, artifact string) metrics.Snapshot {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, artifact+"-metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestTinyFleetDrill(t *testing.T) {
	cfg := drillConfig(t, 3)
	broker := newBrokerSim()

	rt := shard.New(cfg)
	rt.SetDialer(broker.dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return broker.connectedDevices() == 3 }, "fleet connect")
	waitFor(t, 5*time.Second, func() bool { return broker.publishedTotal() >= 9 }, "steady publishing")
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	snap := readSummary(t, cfg.MetricsDir, cfg.Session)
	if snap.TotalDevices != 3 || snap.PeakConnectedDevices != 3 {
		t.Fatalf("devices: total=%d peak=%d", snap.TotalDevices, snap.PeakConnectedDevices)
	}
	if snap.SuccessfulPublishes < 9 || snap.FailedPublishes != 0 {
		t.Fatalf("publishes: ok=%d failed=%d", snap.SuccessfulPublishes, snap.FailedPublishes)
	}
	if snap.CollapseTimeSeconds != nil {
		t.Fatal("clean run flagged as collapsed")
	}

	if _, err := os.Stat(filepath.Join(cfg.LogDir, cfg.Session+"-events.jsonl")); err != nil {
		t.Fatalf("event log: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.MetricsDir, cfg.Session+"-metrics.csv")); err != nil {
		t.Fatalf("metrics series: %v", err)
	}
}

func TestRampPercentagesStageTheFleet(t *testing.T) {
	cfg := drillConfig(t, 10, "--ramp-percentages", "25,50,100", "--ramp-wait", "0.1")
	broker := newBrokerSim()

	rt := shard.New(cfg)
	rt.SetDialer(broker.dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, 10*time.Second, func() bool { return broker.connectedDevices() == 10 }, "full fleet online")
	waitFor(t, 5*time.Second, func() bool { return broker.publishedTotal() >= 10 }, "publishing")
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	snap := readSummary(t, cfg.MetricsDir, cfg.Session)
	if snap.PeakConnectedDevices != 10 {
		t.Fatalf("peak %d, want 10", snap.PeakConnectedDevices)
	}
}

func TestUnreachableBrokerReadsAsCollapse(t *testing.T) {
	cfg := drillConfig(t, 2)
	broker := newBrokerSim()
	broker.refuse = true

	rt := shard.New(cfg)
	rt.SetDialer(broker.dial)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Run(ctx); err != nil {
		t.Fatal(err)
	}

	snap := readSummary(t, cfg.MetricsDir, cfg.Session)
	if snap.SuccessfulPublishes != 0 {
		t.Fatalf("successes against a dead broker: %d", snap.SuccessfulPublishes)
	}
	if snap.FailedPublishes == 0 {
		t.Fatal("no failures recorded")
	}
	if snap.CollapseTimeSeconds == nil || snap.CollapseReason == nil {
		t.Fatal("collapse not detected")
	}
	if *snap.CollapseReason != "network" {
		t.Fatalf("collapse reason %q", *snap.CollapseReason)
	}
	if snap.DisconnectCauses["network"] == 0 {
		t.Fatalf("causes: %v", snap.DisconnectCauses)
	}
}
