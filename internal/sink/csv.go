package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/bc-dunia/mqttdrill/internal/metrics"
)

// csvHeader is the fixed column set of the metrics series. Downstream
// notebooks key on these names; the order is part of the contract.
var csvHeader = []string{
	"timestamp",
	"uptime_seconds",
	"elapsed_seconds",
	"total_devices",
	"active_clients",
	"connected_devices",
	"successful_publishes",
	"failed_publishes",
	"failed_devices",
	"avg_latency_ms",
	"p50_latency_ms",
	"p95_latency_ms",
	"p99_latency_ms",
	"messages_per_second",
	"bandwidth_mbps",
	"avg_send_rate_per_device",
	"avg_messages_per_device",
}

// MetricsCSV appends one row per snapshot to a CSV series, writing the
// header before the first row.
type MetricsCSV struct {
	mu          sync.Mutex
	writer      *csv.Writer
	file        *os.File
	wroteHeader bool
}

// NewMetricsCSV opens (or creates) the CSV file at path, creating parent
// directories as needed.
func NewMetricsCSV(path string) (*MetricsCSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics csv: %w", err)
	}
	return &MetricsCSV{file: f, writer: csv.NewWriter(f)}, nil
}

// NewMetricsCSVWithWriter wraps an arbitrary writer. Used by tests.
func NewMetricsCSVWithWriter(w io.Writer) *MetricsCSV {
	return &MetricsCSV{writer: csv.NewWriter(w)}
}

// Append writes one snapshot row, emitting the header first if this is the
// first row. Latency cells are empty while no sample exists.
func (c *MetricsCSV) Append(snap metrics.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.wroteHeader {
		if err := c.writer.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHeader = true
	}

	row := []string{
		snap.Timestamp,
		formatFloat(snap.UptimeSeconds),
		formatFloat(snap.ElapsedSeconds),
		strconv.Itoa(snap.TotalDevices),
		strconv.Itoa(snap.ActiveClients),
		strconv.Itoa(snap.ConnectedDevices),
		strconv.FormatUint(snap.SuccessfulPublishes, 10),
		strconv.FormatUint(snap.FailedPublishes, 10),
		strconv.Itoa(snap.FailedDevices),
		formatOptional(snap.AvgLatencyMs),
		formatOptional(snap.P50LatencyMs),
		formatOptional(snap.P95LatencyMs),
		formatOptional(snap.P99LatencyMs),
		formatFloat(snap.MessagesPerSecond),
		formatFloat(snap.BandwidthMbps),
		formatFloat(snap.AvgSendRatePerDevice),
		formatFloat(snap.AvgMessagesPerDevice),
	}
	if err := c.writer.Write(row); err != nil {
		return err
	}
	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes buffered rows and closes the underlying file.
func (c *MetricsCSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return err
	}
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
