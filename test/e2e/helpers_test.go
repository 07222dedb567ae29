package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/config"
	"github.com/bc-dunia/mqttdrill/internal/device"
	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// brokerSim stands in for an MQTT broker: it hands out scripted client
// sessions and remembers everything the fleet did to it.
type brokerSim struct {
	mu         sync.Mutex
	refuse     bool // every Connect fails as if nothing listens
	sessions   map[string]*simSession
	dialsTotal int
}

type simSession struct {
	broker    *brokerSim
	deviceID  string
	connected bool
	published int
}

func newBrokerSim() *brokerSim {
	return &brokerSim{sessions: make(map[string]*simSession)}
}

func (b *brokerSim) dial(dev tokens.Device) device.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialsTotal++
	s := &simSession{broker: b, deviceID: dev.ID}
	b.sessions[dev.ID] = s
	return s
}

func (b *brokerSim) connectedDevices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		if s.connected {
			n++
		}
	}
	return n
}

func (b *brokerSim) publishedTotal() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		n += s.published
	}
	return n
}

func (s *simSession) Connect(ctx context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.broker.refuse {
		return errors.New("dial tcp: connect: connection refused")
	}
	s.connected = true
	return nil
}

func (s *simSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if !s.connected {
		return errors.New("not connected")
	}
	s.published++
	return nil
}

func (s *simSession) Disconnect(quiesce time.Duration) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.connected = false
}

func (s *simSession) IsConnected() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.connected
}

// drillConfig builds a fast standalone configuration over a generated fleet,
// with artifacts under a test temp dir.
func drillConfig(t *testing.T, devices int, extra ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	args := append([]string{
		"--token-prefix", "device_",
		"--device-count", strconv.Itoa(devices),
		"--interval", "0.02",
		"--report-interval", "0.1",
		"--backoff-base", "0.02",
		"--backoff-max", "0.1",
		"--log-dir", filepath.Join(dir, "logs"),
		"--metrics-dir", filepath.Join(dir, "metrics"),
		"--disable-dashboard",
	}, extra...)
	cfg, err := config.ParseArgs(args, os.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
