// Package orchestrator runs a whole drill: it decides whether the fleet fits
// one process, and otherwise splits it across worker processes whose
// snapshots it aggregates into a global view.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/api"
	"github.com/bc-dunia/mqttdrill/internal/config"
	"github.com/bc-dunia/mqttdrill/internal/events"
	"github.com/bc-dunia/mqttdrill/internal/metrics"
	"github.com/bc-dunia/mqttdrill/internal/shard"
	"github.com/bc-dunia/mqttdrill/internal/sink"
	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// childWaitDelay is how long a SIGTERM'd worker gets to flush its artifacts
// before it is killed outright.
const childWaitDelay = 10 * time.Second

// slice is one worker process's share of the fleet.
type slice struct {
	start, count int
}

// Run executes the drill described by cfg and returns the process exit code:
// 0 on a clean run, 1 for configuration or runtime errors, 2 when the fleet
// cannot be provisioned. In split mode the first failing worker's code wins.
func Run(ctx context.Context, cfg *config.Config) int {
	fleet, err := tokens.Resolve(cfg.TokensFile, cfg.TokenPrefix, cfg.StartID, cfg.Count, cfg.DeviceCount)
	if err != nil {
		log.Printf("[Orchestrator] provisioning: %v", err)
		return 2
	}

	if !splitNeeded(cfg, len(fleet)) {
		if cfg.Split == config.SplitNever && len(fleet) > cfg.MaxClients {
			log.Printf("[Orchestrator] %d devices in one process exceeds --max-clients-per-process=%d (split=never)",
				len(fleet), cfg.MaxClients)
		}
		return runStandalone(ctx, cfg)
	}
	return runSplit(ctx, cfg, len(fleet))
}

// splitNeeded applies the split policy to the resolved fleet size.
func splitNeeded(cfg *config.Config, devices int) bool {
	switch cfg.Split {
	case config.SplitAlways:
		return true
	case config.SplitAuto:
		return devices > cfg.MaxClients
	default:
		return false
	}
}

func runStandalone(ctx context.Context, cfg *config.Config) int {
	rt := shard.New(cfg)
	if err := rt.Run(ctx); err != nil {
		var pe *shard.ProvisionError
		if errors.As(err, &pe) {
			log.Printf("[Orchestrator] provisioning: %v", err)
			return 2
		}
		log.Printf("[Orchestrator] run failed: %v", err)
		return 1
	}
	return 0
}

func runSplit(ctx context.Context, cfg *config.Config, devices int) int {
	start := time.Now()
	shards := partition(devices, cfg.MaxClients)
	collector := metrics.NewGlobalCollector()

	// The API server doubles as the worker ingest endpoint, so split mode
	// always serves it; --disable-dashboard only hides nothing here.
	server := api.NewServer(cfg.MetricsAddr(), collector, api.Options{
		Session:   cfg.Session,
		RefreshMs: cfg.MetricsRefreshMs,
	})
	if err := server.Start(); err != nil {
		log.Printf("[Orchestrator] metrics server: %v", err)
		return 1
	}
	endpoint := server.URL() + "/api/shard"
	log.Printf("[Orchestrator] session %s: %d devices across %d shards, dashboard on %s",
		cfg.Session, devices, len(shards), server.URL())
	if cfg.Ramp != "" {
		log.Printf("[Orchestrator] absolute --ramp targets do not split; workers launch their slices at full size")
	}

	exe, err := os.Executable()
	if err != nil {
		log.Printf("[Orchestrator] locate executable: %v", err)
		return 1
	}

	var wg sync.WaitGroup
	codes := make([]int, len(shards))
	for i, sl := range shards {
		cmd := exec.CommandContext(ctx, exe, buildShardArgs(cfg, endpoint, sl.start, sl.count)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = childWaitDelay

		shardID := config.ShardID(sl.start, sl.count)
		if err := cmd.Start(); err != nil {
			log.Printf("[Orchestrator] spawn shard %s: %v", shardID, err)
			codes[i] = 1
			continue
		}
		events.Global().LogShardSpawned(shardID, sl.start, sl.count, cmd.Process.Pid)

		wg.Add(1)
		go func(i int, shardID string, cmd *exec.Cmd) {
			defer wg.Done()
			code := waitExitCode(cmd.Wait(), cmd.ProcessState)
			codes[i] = code
			events.Global().LogShardExited(shardID, code)
		}(i, shardID, cmd)
	}
	wg.Wait()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Printf("[Orchestrator] metrics server shutdown: %v", err)
	}

	summary := collector.Summary()
	logGlobalSummary(collector.ShardCount(), summary)
	latest := filepath.Join(cfg.MetricsDir, "latest.json")
	if err := sink.WriteJSONAtomic(latest, summary); err != nil {
		log.Printf("[Orchestrator] write %s: %v", latest, err)
	}

	exit := 0
	for _, code := range codes {
		if code != 0 {
			exit = code
			break
		}
	}
	cause := "completed"
	if ctx.Err() != nil {
		cause = "stopped"
	}
	events.Global().LogRunCompleted(cause, summary.SuccessfulPublishes, summary.FailedPublishes, time.Since(start).Seconds())
	return exit
}

// waitExitCode maps a cmd.Wait result to the child's exit code. With Cancel
// set, CommandContext reports ctx.Err() from Wait even when the signalled
// child exited cleanly, so the recorded process state wins over the error:
// a drill ended by its duration timer or stop file is not a failure.
func waitExitCode(err error, state *os.ProcessState) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if state != nil && state.ExitCode() >= 0 {
		return state.ExitCode()
	}
	return 1
}

// partition carves the fleet into contiguous max-sized slices.
func partition(devices, max int) []slice {
	var out []slice
	for start := 0; start < devices; start += max {
		count := max
		if rest := devices - start; rest < count {
			count = rest
		}
		out = append(out, slice{start: start, count: count})
	}
	return out
}

// buildShardArgs assembles the command line for one worker process. Workers
// inherit the publish settings, get their fleet slice and shard identity, and
// never serve their own dashboard or arm their own stop triggers.
func buildShardArgs(cfg *config.Config, endpoint string, start, count int) []string {
	args := []string{
		"--worker",
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--tokens-file", cfg.TokensFile,
		"--start-id", strconv.Itoa(start),
		"--count", strconv.Itoa(count),
		"--device-count", strconv.Itoa(count),
		"--interval", formatSeconds(cfg.IntervalSec),
		"--report-interval", formatSeconds(cfg.ReportIntervalSec),
		"--topic", cfg.Topic,
		"--qos", strconv.Itoa(cfg.QoS),
		"--backoff-base", formatSeconds(cfg.BackoffBaseSec),
		"--backoff-max", formatSeconds(cfg.BackoffMaxSec),
		"--log-dir", cfg.LogDir,
		"--metrics-dir", cfg.MetricsDir,
		"--disable-dashboard",
		"--aggregator-endpoint", endpoint,
		"--shard-id", config.ShardID(start, count),
		"--session", cfg.Session,
	}
	if cfg.TLS {
		args = append(args, "--tls")
	}
	if cfg.TokenPrefix != "" {
		args = append(args, "--token-prefix", cfg.TokenPrefix)
	}
	// Absolute ramp targets are sized for the whole fleet and cannot be
	// applied to a slice; only percentage ramps survive the split.
	if cfg.RampPercentages != "" {
		args = append(args, "--ramp-percentages", cfg.RampPercentages)
	}
	if cfg.RampWaitSec > 0 {
		args = append(args, "--ramp-wait", formatSeconds(cfg.RampWaitSec))
	}
	return args
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func logGlobalSummary(shards int, s metrics.Snapshot) {
	log.Printf("[Orchestrator] global summary | shards=%d devices=%d connected=%d active=%d ok=%d fail=%d avg=%s ms p99=%s ms rate=%.4f msg/s",
		shards, s.TotalDevices, s.ConnectedDevices, s.ActiveClients,
		s.SuccessfulPublishes, s.FailedPublishes,
		fmtLatency(s.AvgLatencyMs), fmtLatency(s.P99LatencyMs), s.MessagesPerSecond)
}

func fmtLatency(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
