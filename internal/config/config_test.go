package config

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func parseValid(t *testing.T, args ...string) *Config {
	t.Helper()
	cfg, err := ParseArgs(args, io.Discard)
	if err != nil {
		t.Fatalf("ParseArgs(%v): %v", args, err)
	}
	return cfg
}

func TestParseDefaults(t *testing.T) {
	cfg := parseValid(t)

	if cfg.Host != "127.0.0.1" || cfg.Port != 1883 {
		t.Fatalf("unexpected broker defaults: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Topic != "v1/devices/me/telemetry" {
		t.Fatalf("unexpected topic default: %q", cfg.Topic)
	}
	if cfg.QoS != 1 {
		t.Fatalf("unexpected qos default: %d", cfg.QoS)
	}
	if cfg.IntervalSec != 5.0 || cfg.ReportIntervalSec != 15.0 {
		t.Fatalf("unexpected interval defaults: %v %v", cfg.IntervalSec, cfg.ReportIntervalSec)
	}
	if cfg.Split != SplitAuto || cfg.MaxClients != 400 {
		t.Fatalf("unexpected split defaults: %s %d", cfg.Split, cfg.MaxClients)
	}
	if cfg.StopFile != "stop.flag" {
		t.Fatalf("unexpected stop file default: %q", cfg.StopFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParseGeneratesSessionWhenAbsent(t *testing.T) {
	cfg := parseValid(t)
	pattern := regexp.MustCompile(`^run-\d{8}-\d{6}-[0-9a-f]{6}$`)
	if !pattern.MatchString(cfg.Session) {
		t.Fatalf("session %q does not match run-YYYYMMDD-HHMMSS-xxxxxx", cfg.Session)
	}
}

func TestParseKeepsExplicitSession(t *testing.T) {
	cfg := parseValid(t, "--session", "run-20260101-000000-abc123")
	if cfg.Session != "run-20260101-000000-abc123" {
		t.Fatalf("explicit session overridden: %q", cfg.Session)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"zero interval", []string{"--interval", "0"}, "--interval"},
		{"negative ramp wait", []string{"--ramp-wait", "-1"}, "--ramp-wait"},
		{"negative duration", []string{"--duration", "-5"}, "--duration"},
		{"negative device count", []string{"--device-count", "-1"}, "--device-count"},
		{"negative count", []string{"--count", "-1"}, "--count"},
		{"dual ramp flags", []string{"--ramp", "10,20", "--ramp-percentages", "50,100"}, "mutually exclusive"},
		{"qos above exactly-once", []string{"--qos", "3"}, "--qos"},
		{"negative qos", []string{"--qos", "-1"}, "--qos"},
		{"bad split", []string{"--split", "sometimes"}, "--split"},
		{"zero cap", []string{"--max-clients-per-process", "0"}, "--max-clients-per-process"},
		{"zero refresh with dashboard", []string{"--metrics-refresh", "0"}, "--metrics-refresh"},
		{"zero report interval", []string{"--report-interval", "0"}, "--report-interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := parseValid(t, tc.args...)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error for %v", tc.args)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEveryQoSLevelValidates(t *testing.T) {
	for qos := 0; qos <= 2; qos++ {
		cfg := parseValid(t, "--qos", strconv.Itoa(qos))
		if err := cfg.Validate(); err != nil {
			t.Fatalf("qos %d rejected: %v", qos, err)
		}
	}
}

func TestZeroRefreshAllowedWhenDashboardDisabled(t *testing.T) {
	cfg := parseValid(t, "--metrics-refresh", "0", "--disable-dashboard")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("refresh is irrelevant with the dashboard off: %v", err)
	}
}

func TestBrokerAddrScheme(t *testing.T) {
	cfg := parseValid(t, "--host", "broker.local", "--port", "8883")
	if got := cfg.BrokerAddr(); got != "tcp://broker.local:8883" {
		t.Fatalf("plain addr: %q", got)
	}
	cfg.TLS = true
	if got := cfg.BrokerAddr(); got != "ssl://broker.local:8883" {
		t.Fatalf("tls addr: %q", got)
	}
}

func TestDurationConversions(t *testing.T) {
	cfg := parseValid(t, "--interval", "0.5", "--duration", "2.5", "--ramp-wait", "0.1")
	if cfg.Interval() != 500*time.Millisecond {
		t.Fatalf("interval: %v", cfg.Interval())
	}
	if cfg.Duration() != 2500*time.Millisecond {
		t.Fatalf("duration: %v", cfg.Duration())
	}
	if cfg.RampWait() != 100*time.Millisecond {
		t.Fatalf("ramp wait: %v", cfg.RampWait())
	}
}

func TestShardIdentifiers(t *testing.T) {
	if got := ShardID(400, 350); got != "00400:00350" {
		t.Fatalf("ShardID: %q", got)
	}
	if got := ShardArtifactID("run-x", 0, 400); got != "run-x-s00000-n00400" {
		t.Fatalf("ShardArtifactID: %q", got)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	now := time.Now()
	a := NewSessionID(now)
	b := NewSessionID(now)
	if a == b {
		t.Fatalf("two sessions in the same instant collided: %q", a)
	}
}

func TestParseErrorOnUnknownFlag(t *testing.T) {
	if _, err := ParseArgs([]string{"--no-such-flag"}, io.Discard); err == nil {
		t.Fatal("expected a parse error for an unknown flag")
	}
}
