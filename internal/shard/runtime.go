// Package shard drives one process's slice of the fleet: workers under a
// launch ramp, the metrics aggregator, the event and CSV sinks, the periodic
// reporter, and optionally a local dashboard.
package shard

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/api"
	"github.com/bc-dunia/mqttdrill/internal/config"
	"github.com/bc-dunia/mqttdrill/internal/device"
	"github.com/bc-dunia/mqttdrill/internal/events"
	"github.com/bc-dunia/mqttdrill/internal/metrics"
	otelx "github.com/bc-dunia/mqttdrill/internal/otel"
	"github.com/bc-dunia/mqttdrill/internal/ramp"
	"github.com/bc-dunia/mqttdrill/internal/sink"
	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// ProvisionError wraps token-store failures so the entrypoint can map them
// to the provisioning exit code.
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string { return e.Err.Error() }
func (e *ProvisionError) Unwrap() error { return e.Err }

// Runtime runs one shard to completion.
type Runtime struct {
	cfg  *config.Config
	dial device.Dialer
	log  *events.Logger

	healthInterval time.Duration
	gateLeadTime   time.Duration
}

// New creates a runtime for the given validated configuration.
func New(cfg *config.Config) *Runtime {
	return &Runtime{
		cfg:            cfg,
		healthInterval: 30 * time.Second,
		gateLeadTime:   time.Second,
	}
}

// SetDialer overrides the MQTT dialer. Tests substitute fakes; production
// keeps the default paho dialer.
func (r *Runtime) SetDialer(d device.Dialer) {
	r.dial = d
}

// SetEventLogger overrides the ops event logger.
func (r *Runtime) SetEventLogger(l *events.Logger) {
	r.log = l
}

// Run simulates the shard's devices until ctx ends or the duration elapses.
// It returns once every worker has exited, the final report is written, and
// the sinks are drained.
func (r *Runtime) Run(ctx context.Context) error {
	cfg := r.cfg

	fleet, err := tokens.Resolve(cfg.TokensFile, cfg.TokenPrefix, cfg.StartID, cfg.Count, cfg.DeviceCount)
	if err != nil {
		return &ProvisionError{Err: err}
	}

	plan, err := ramp.Plan(cfg.Ramp, cfg.RampPercentages, len(fleet))
	if err != nil {
		return fmt.Errorf("ramp configuration: %w", err)
	}

	if r.log == nil {
		r.log = events.Global()
	}
	if r.dial == nil {
		r.dial = device.NewPahoDialer(device.BrokerConfig{Addr: cfg.BrokerAddr()})
	}

	artifact := cfg.Session
	if cfg.ShardID != "" {
		artifact = config.ShardArtifactID(cfg.Session, cfg.StartID, len(fleet))
	}

	agg := metrics.NewAggregator(len(fleet))

	writer, err := sink.NewEventWriter(filepath.Join(cfg.LogDir, artifact+"-events.jsonl"))
	if err != nil {
		return err
	}
	queue := sink.NewQueue(writer, 0)

	csv, err := sink.NewMetricsCSV(filepath.Join(cfg.MetricsDir, artifact+"-metrics.csv"))
	if err != nil {
		queue.Close()
		writer.Close()
		return err
	}

	var client *api.ShardClient
	if cfg.AggregatorEndpoint != "" {
		client = api.NewShardClient(cfg.AggregatorEndpoint)
	}

	var dashboard *api.Server
	if !cfg.DisableDashboard {
		dashboard = api.NewServer(cfg.MetricsAddr(), agg, api.Options{
			Session:   cfg.Session,
			RefreshMs: cfg.MetricsRefreshMs,
		})
		if err := dashboard.Start(); err != nil {
			queue.Close()
			writer.Close()
			csv.Close()
			return err
		}
		log.Printf("[Shard %s] dashboard on %s", cfg.ShardID, dashboard.URL())
	}

	r.log.LogShardStarted(len(fleet), cfg.Host, cfg.Port, cfg.IntervalSec)

	tracer := otelx.GetGlobalTracer()
	shardCtx, span := tracer.StartShardSpan(ctx, cfg.Session, cfg.ShardID, len(fleet))
	defer span.End()

	barrier := ramp.NewBarrier(len(fleet))
	gate := ramp.NewGate()

	shardCtx, cancelShard := context.WithCancel(shardCtx)
	defer cancelShard()

	// Workers observe workerCtx, which cancels strictly after the teardown
	// marker is set, so a graceful last disconnect can never race ahead and
	// read the emptying active set as a collapse.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(shardCtx))
	defer cancelWorkers()
	go func() {
		<-shardCtx.Done()
		agg.MarkStopping()
		cancelWorkers()
	}()

	// Coordinator: once the whole fleet has connected, fix the shared
	// start instant so first publishes land on one grid.
	go func() {
		if err := barrier.Wait(workerCtx); err != nil {
			return
		}
		start := gate.Release(r.gateLeadTime)
		r.log.LogStartReleased(start.UTC().Format(metrics.TimestampLayout), barrier.Arrived())
	}()

	rep := &reporter{
		agg:      agg,
		csv:      csv,
		client:   client,
		shardID:  cfg.ShardID,
		artifact: artifact,
		interval: cfg.ReportInterval(),
		metrics:  cfg.MetricsDir,
		log:      r.log,
	}
	var reporterWG sync.WaitGroup
	reporterWG.Add(1)
	go func() {
		defer reporterWG.Done()
		rep.run(workerCtx)
	}()

	var healthWG sync.WaitGroup
	healthWG.Add(1)
	go func() {
		defer healthWG.Done()
		sampleHealth(workerCtx, r.healthInterval, r.log)
	}()

	var workers sync.WaitGroup
	launched := 0
	for i, target := range plan {
		otelx.Global().SetRampStage(i + 1)
		for ; launched < target; launched++ {
			w := &device.Worker{
				Device:      fleet[launched],
				Dial:        r.dial,
				Topic:       cfg.Topic,
				QoS:         byte(cfg.QoS),
				Interval:    cfg.Interval(),
				BackoffBase: cfg.BackoffBase(),
				BackoffMax:  cfg.BackoffMax(),
				Host:        cfg.Host,
				Port:        cfg.Port,
				Metrics:     agg,
				Events:      queue,
				Barrier:     barrier,
				Gate:        gate,
			}
			workers.Add(1)
			go func(w *device.Worker) {
				defer workers.Done()
				w.Run(workerCtx)
			}(w)
		}
		r.log.LogRampStage(i+1, target, launched)
		if i < len(plan)-1 {
			if !sleepCtx(workerCtx, cfg.RampWait()) {
				break
			}
		}
	}

	// Shutdown order: workers drain first so the final report sees their
	// terminal disconnects, then the reporter's last pass, then the sinks.
	workers.Wait()
	reporterWG.Wait()
	healthWG.Wait()
	rep.final()

	queue.Close()
	if err := writer.Close(); err != nil {
		log.Printf("[Shard %s] close event log: %v", cfg.ShardID, err)
	}
	if err := csv.Close(); err != nil {
		log.Printf("[Shard %s] close metrics csv: %v", cfg.ShardID, err)
	}

	if dashboard != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dashboard.Shutdown(stopCtx); err != nil {
			log.Printf("[Shard %s] dashboard shutdown: %v", cfg.ShardID, err)
		}
	}

	final := agg.Summary()
	cause := "completed"
	if shardCtx.Err() != nil {
		cause = "stopped"
	}
	r.log.LogRunCompleted(cause, final.SuccessfulPublishes, final.FailedPublishes, final.ElapsedSeconds)

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
