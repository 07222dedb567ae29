package shard

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bc-dunia/mqttdrill/internal/events"
)

// sampleHealth emits periodic host health events so a collapsing run can be
// told apart from a starving load generator. Probe failures are skipped
// silently; health sampling must never disturb the experiment.
func sampleHealth(ctx context.Context, interval time.Duration, log *events.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPercent := 0.0
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				cpuPercent = percents[0]
			}
			memPercent := 0.0
			if vm, err := mem.VirtualMemory(); err == nil {
				memPercent = vm.UsedPercent
			}
			log.LogHealthSample(cpuPercent, memPercent, runtime.NumGoroutine())
		}
	}
}
