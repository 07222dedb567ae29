// Command mqttdrill-provision creates a numbered device fleet on a
// ThingsBoard tenant and writes the token store that mqttdrill loads.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/config"
	"github.com/bc-dunia/mqttdrill/internal/provision"
	"github.com/bc-dunia/mqttdrill/internal/sink"
	"github.com/bc-dunia/mqttdrill/internal/stopsignal"
	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mqttdrill-provision", flag.ContinueOnError)
	baseURL := fs.String("base-url", "http://127.0.0.1:8080", "ThingsBoard tenant API base URL")
	user := fs.String("user", "tenant@thingsboard.org", "tenant login")
	pass := fs.String("pass", "tenant", "tenant password")
	prefix := fs.String("prefix", "device_", "device name prefix")
	count := fs.Int("count", 0, "devices to provision")
	start := fs.Int("start", 0, "first device index")
	devType := fs.String("type", "mqttdrill", "ThingsBoard device type")
	batch := fs.String("batch", "", "batch label for server attributes (default: timestamp)")
	out := fs.String("out", config.DefaultTokensFile, "token store to write")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if *count <= 0 {
		log.Printf("[Provision] --count must be > 0")
		return 1
	}
	if *batch == "" {
		*batch = time.Now().UTC().Format("batch-20060102-150405")
	}

	stop := stopsignal.New(context.Background(), stopsignal.Options{})
	defer stop.Close()
	ctx := stop.Context()

	client := provision.NewClient(*baseURL)
	if err := client.Login(ctx, *user, *pass); err != nil {
		log.Printf("[Provision] %v", err)
		return 2
	}

	fleet, err := provision.Fleet(ctx, client, provision.FleetSpec{
		Prefix: *prefix,
		Count:  *count,
		Start:  *start,
		Type:   *devType,
		Batch:  *batch,
	})
	if err != nil {
		log.Printf("[Provision] %v", err)
		return 2
	}

	store := make(map[string]string, len(fleet))
	for _, dev := range fleet {
		store[dev.ID] = dev.Token
	}
	if err := sink.WriteJSONAtomic(*out, store); err != nil {
		log.Printf("[Provision] write %s: %v", *out, err)
		return 1
	}
	log.Printf("[Provision] wrote %d tokens to %s", len(fleet), *out)

	// Sanity check: the store we just wrote must load back.
	if _, err := tokens.Load(*out); err != nil {
		log.Printf("[Provision] verify %s: %v", *out, err)
		return 1
	}
	return 0
}
