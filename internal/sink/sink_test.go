package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bc-dunia/mqttdrill/internal/metrics"
)

func f64(v float64) *float64 { return &v }

func TestEventWriterLineShape(t *testing.T) {
	var buf bytes.Buffer
	w := NewEventWriterWithWriter(&buf)

	ev := Event{
		Timestamp: "2026-01-01T00:00:00.000000Z",
		Device:    "device_0",
		Event:     "publish",
		Status:    "success",
		LatencyMs: f64(12.5),
		Payload:   json.RawMessage(`{"seq":1,"device_id":"device_0"}`),
	}
	if err := w.WriteEvent(ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	line := strings.TrimRight(buf.String(), "\n")
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded["event"] != "publish" || decoded["status"] != "success" {
		t.Fatalf("decoded event: %v", decoded)
	}
	if decoded["latency_ms"] != 12.5 {
		t.Fatalf("latency_ms: %v", decoded["latency_ms"])
	}
	if _, ok := decoded["error"]; ok {
		t.Fatal("unset optional fields must be omitted")
	}
	payload, ok := decoded["payload"].(map[string]any)
	if !ok || payload["device_id"] != "device_0" {
		t.Fatalf("payload must embed the telemetry object: %v", decoded["payload"])
	}
}

func TestEventWriterOmitsEmptyOptionals(t *testing.T) {
	var buf bytes.Buffer
	w := NewEventWriterWithWriter(&buf)
	if err := w.WriteEvent(Event{Timestamp: "t", Device: "d", Event: "disconnected", Reason: "stopped"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"status", "latency_ms", "payload", "error", "host", "port"} {
		if _, ok := decoded[key]; ok {
			t.Errorf("field %q should be omitted", key)
		}
	}
	if decoded["reason"] != "stopped" {
		t.Fatalf("reason: %v", decoded["reason"])
	}
}

func TestQueueDrainsEverythingOnClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewEventWriterWithWriter(&buf)
	// Capacity far below the record count: producers must block rather than
	// drop when the buffer fills.
	q := NewQueue(w, 2)

	const producers = 5
	const perProducer = 20
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if !q.Put(Event{Timestamp: "t", Device: "d", Event: "publish"}) {
					t.Error("Put returned false before Close")
					return
				}
			}
		}()
	}
	wg.Wait()
	q.Close()

	stats := q.Stats()
	if stats.Enqueued != producers*perProducer {
		t.Fatalf("enqueued: got %d, want %d", stats.Enqueued, producers*perProducer)
	}
	if stats.Written != stats.Enqueued {
		t.Fatalf("written %d != enqueued %d: records were lost", stats.Written, stats.Enqueued)
	}
	if got := strings.Count(buf.String(), "\n"); got != producers*perProducer {
		t.Fatalf("line count: got %d, want %d", got, producers*perProducer)
	}
}

func TestQueuePutAfterClose(t *testing.T) {
	q := NewQueue(NewEventWriterWithWriter(&bytes.Buffer{}), 4)
	q.Close()
	if q.Put(Event{Event: "publish"}) {
		t.Fatal("Put after Close must report false")
	}
	// Double close is safe.
	q.Close()
}

func TestMetricsCSV(t *testing.T) {
	var buf bytes.Buffer
	c := NewMetricsCSVWithWriter(&buf)

	empty := metrics.Snapshot{
		Timestamp:      "2026-01-01T00:00:00.000000Z",
		UptimeSeconds:  1.5,
		ElapsedSeconds: 1.5,
		TotalDevices:   10,
	}
	full := empty
	full.ActiveClients = 10
	full.ConnectedDevices = 10
	full.SuccessfulPublishes = 42
	full.FailedPublishes = 1
	full.FailedDevices = 1
	full.AvgLatencyMs = f64(12.3456)
	full.P50LatencyMs = f64(11)
	full.P95LatencyMs = f64(20)
	full.P99LatencyMs = f64(30)
	full.MessagesPerSecond = 2.8
	full.BandwidthMbps = 0.0042
	full.AvgSendRatePerDevice = 0.28
	full.AvgMessagesPerDevice = 4.2

	if err := c.Append(empty); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.Append(full); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if len(rows[0]) != 17 {
		t.Fatalf("header has %d columns, want 17", len(rows[0]))
	}
	if rows[0][0] != "timestamp" || rows[0][9] != "avg_latency_ms" || rows[0][16] != "avg_messages_per_device" {
		t.Fatalf("header order changed: %v", rows[0])
	}
	// No latency samples yet: those cells stay empty rather than lying 0.
	for col := 9; col <= 12; col++ {
		if rows[1][col] != "" {
			t.Fatalf("row 1 col %d: got %q, want empty", col, rows[1][col])
		}
	}
	if rows[2][9] != "12.3456" {
		t.Fatalf("avg_latency_ms cell: got %q", rows[2][9])
	}
	if rows[2][6] != "42" {
		t.Fatalf("successful_publishes cell: got %q", rows[2][6])
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "metrics.json")

	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	// Overwrite must also go through the temp file.
	if err := WriteJSONAtomic(path, map[string]int{"a": 2}); err != nil {
		t.Fatalf("WriteJSONAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["a"] != 2 {
		t.Fatalf("content: %v", decoded)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file must not survive the rename")
	}
}
