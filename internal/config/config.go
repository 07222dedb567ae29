// Package config parses and validates the CLI surface shared by the
// orchestrator and shard modes, and names the artifacts of one run.
package config

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// Split modes decide whether the fleet fans out across shard processes.
const (
	SplitNever  = "never"
	SplitAuto   = "auto"
	SplitAlways = "always"
)

// Config is the full flag surface. One struct serves both modes; shard-only
// fields are zero in the orchestrator and vice versa.
type Config struct {
	Worker bool

	Host string
	Port int
	TLS  bool

	TokensFile  string
	TokenPrefix string
	DeviceCount int
	Count       int
	StartID     int

	IntervalSec       float64
	DurationSec       float64
	ReportIntervalSec float64
	Topic             string
	QoS               int

	Ramp            string
	RampPercentages string
	RampWaitSec     float64

	BackoffBaseSec float64
	BackoffMaxSec  float64

	LogDir     string
	MetricsDir string

	MetricsHost      string
	MetricsPort      int
	MetricsRefreshMs int
	DisableDashboard bool

	AggregatorEndpoint string
	ShardID            string
	Split              string
	MaxClients         int
	StopFile           string

	// Session is normally generated; the orchestrator passes it to shard
	// children so all artifacts of one run share a prefix.
	Session string
}

// ParseArgs parses args (not including the program name) into a Config.
// Usage and parse errors go to errOut.
func ParseArgs(args []string, errOut io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("mqttdrill", flag.ContinueOnError)
	fs.SetOutput(errOut)

	fs.BoolVar(&cfg.Worker, "worker", false, "run as a shard worker process (internal)")

	fs.StringVar(&cfg.Host, "host", DefaultHost, "MQTT broker host")
	fs.IntVar(&cfg.Port, "port", DefaultPort, "MQTT broker port")
	fs.BoolVar(&cfg.TLS, "tls", false, "connect to the broker over TLS")

	fs.StringVar(&cfg.TokensFile, "tokens-file", DefaultTokensFile, "JSON token store path")
	fs.StringVar(&cfg.TokenPrefix, "token-prefix", "", "generate a synthetic fleet with this ID prefix instead of loading the store")
	fs.IntVar(&cfg.DeviceCount, "device-count", 0, "devices to take from the store (0 = all)")
	fs.IntVar(&cfg.Count, "count", 0, "shard slice length (internal)")
	fs.IntVar(&cfg.StartID, "start-id", 0, "shard slice offset (internal)")

	fs.Float64Var(&cfg.IntervalSec, "interval", DefaultIntervalSec, "seconds between publishes per device")
	fs.Float64Var(&cfg.DurationSec, "duration", 0, "run duration in seconds (0 = until stopped)")
	fs.Float64Var(&cfg.ReportIntervalSec, "report-interval", DefaultReportInterval, "seconds between metric reports")
	fs.StringVar(&cfg.Topic, "topic", DefaultTopic, "MQTT publish topic")
	fs.IntVar(&cfg.QoS, "qos", DefaultQoS, "MQTT QoS for publishes (0, 1, or 2)")

	fs.StringVar(&cfg.Ramp, "ramp", "", "comma-separated absolute launch stage targets")
	fs.StringVar(&cfg.RampPercentages, "ramp-percentages", "", "comma-separated percentage launch stages")
	fs.Float64Var(&cfg.RampWaitSec, "ramp-wait", 0, "seconds to hold between ramp stages")

	fs.Float64Var(&cfg.BackoffBaseSec, "backoff-base", DefaultBackoffBaseSec, "reconnect backoff base seconds")
	fs.Float64Var(&cfg.BackoffMaxSec, "backoff-max", DefaultBackoffMaxSec, "reconnect backoff cap seconds")

	fs.StringVar(&cfg.LogDir, "log-dir", DefaultLogDir, "directory for event logs")
	fs.StringVar(&cfg.MetricsDir, "metrics-dir", DefaultMetricsDir, "directory for metric series")

	fs.StringVar(&cfg.MetricsHost, "metrics-host", DefaultMetricsHost, "dashboard bind host")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", DefaultMetricsPort, "dashboard bind port")
	fs.IntVar(&cfg.MetricsRefreshMs, "metrics-refresh", DefaultMetricsRefresh, "dashboard auto-refresh interval in milliseconds")
	fs.BoolVar(&cfg.DisableDashboard, "disable-dashboard", false, "do not serve the metrics dashboard")

	fs.StringVar(&cfg.AggregatorEndpoint, "aggregator-endpoint", "", "orchestrator URL to POST shard snapshots to (internal)")
	fs.StringVar(&cfg.ShardID, "shard-id", "", "shard identity in the global collector (internal)")
	fs.StringVar(&cfg.Split, "split", DefaultSplitMode, "fleet split mode: never, auto, or always")
	fs.IntVar(&cfg.MaxClients, "max-clients-per-process", DefaultMaxClients, "device cap per shard process")
	fs.StringVar(&cfg.StopFile, "stop-file", DefaultStopFile, "file whose presence stops the run")

	fs.StringVar(&cfg.Session, "session", "", "")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Session == "" {
		cfg.Session = NewSessionID(time.Now())
	}
	return cfg, nil
}

// Validate checks the parsed flags, returning the first violation in a fixed
// order so error messages are stable.
func (c *Config) Validate() error {
	if c.IntervalSec <= 0 {
		return fmt.Errorf("--interval must be positive, got %v", c.IntervalSec)
	}
	if c.RampWaitSec < 0 {
		return fmt.Errorf("--ramp-wait cannot be negative, got %v", c.RampWaitSec)
	}
	if c.DurationSec < 0 {
		return fmt.Errorf("--duration cannot be negative, got %v", c.DurationSec)
	}
	if c.DeviceCount < 0 {
		return fmt.Errorf("--device-count cannot be negative, got %d", c.DeviceCount)
	}
	if c.Count < 0 {
		return fmt.Errorf("--count cannot be negative, got %d", c.Count)
	}
	if c.Ramp != "" && c.RampPercentages != "" {
		return fmt.Errorf("--ramp and --ramp-percentages are mutually exclusive")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("--qos must be 0, 1, or 2, got %d", c.QoS)
	}
	switch c.Split {
	case SplitNever, SplitAuto, SplitAlways:
	default:
		return fmt.Errorf("--split must be never, auto, or always, got %q", c.Split)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("--max-clients-per-process must be positive, got %d", c.MaxClients)
	}
	if !c.DisableDashboard && c.MetricsRefreshMs <= 0 {
		return fmt.Errorf("--metrics-refresh must be positive when the dashboard is enabled, got %d", c.MetricsRefreshMs)
	}
	if c.ReportIntervalSec <= 0 {
		return fmt.Errorf("--report-interval must be positive, got %v", c.ReportIntervalSec)
	}
	return nil
}

// Interval returns the publish interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec * float64(time.Second))
}

// Duration returns the run duration as a duration; zero means unbounded.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSec * float64(time.Second))
}

// ReportInterval returns the reporter period as a duration.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSec * float64(time.Second))
}

// RampWait returns the inter-stage hold as a duration.
func (c *Config) RampWait() time.Duration {
	return time.Duration(c.RampWaitSec * float64(time.Second))
}

// BackoffBase returns the reconnect backoff starting interval.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec * float64(time.Second))
}

// BackoffMax returns the reconnect backoff cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec * float64(time.Second))
}

// BrokerAddr renders the paho broker URL for this config.
func (c *Config) BrokerAddr() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MetricsAddr renders the dashboard bind address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}
