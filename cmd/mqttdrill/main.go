// Command mqttdrill drives a simulated device fleet against an MQTT broker
// and reports how the broker holds up.
//
// Run it directly to drill a fleet; large fleets are split across worker
// processes automatically. The --worker flag is the internal re-invocation
// the orchestrator uses for one shard.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/config"
	"github.com/bc-dunia/mqttdrill/internal/events"
	"github.com/bc-dunia/mqttdrill/internal/orchestrator"
	otelx "github.com/bc-dunia/mqttdrill/internal/otel"
	"github.com/bc-dunia/mqttdrill/internal/shard"
	"github.com/bc-dunia/mqttdrill/internal/stopsignal"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("[Main] invalid configuration: %v", err)
		return 1
	}

	events.SetGlobal(events.NewLogger(cfg.Session, cfg.ShardID))

	shutdownOtel, err := otelx.Setup(context.Background())
	if err != nil {
		log.Printf("[Main] telemetry disabled: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOtel(ctx); err != nil {
				log.Printf("[Main] telemetry shutdown: %v", err)
			}
		}()
	}

	// Workers live and die with the orchestrator's SIGTERM; only the parent
	// (or a standalone run) arms the duration timer and stop-file poll.
	opts := stopsignal.Options{}
	if !cfg.Worker {
		if err := stopsignal.ClearFlag(cfg.StopFile); err != nil {
			log.Printf("[Main] clear stop file: %v", err)
		}
		opts.Duration = cfg.Duration()
		opts.StopFile = cfg.StopFile
	}
	stop := stopsignal.New(context.Background(), opts)
	defer stop.Close()

	if cfg.Worker {
		return runWorker(stop.Context(), cfg)
	}
	code := orchestrator.Run(stop.Context(), cfg)
	if cause := stop.Cause(); cause != "" {
		log.Printf("[Main] run ended by %s", cause)
	}
	return code
}

func runWorker(ctx context.Context, cfg *config.Config) int {
	if err := shard.New(cfg).Run(ctx); err != nil {
		var pe *shard.ProvisionError
		if errors.As(err, &pe) {
			log.Printf("[Main] provisioning: %v", err)
			return 2
		}
		log.Printf("[Main] shard failed: %v", err)
		return 1
	}
	return 0
}
