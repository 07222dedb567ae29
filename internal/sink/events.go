package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Event is one experiment event bound for the JSONL stream: publish results,
// connects, disconnects, and worker errors. Optional fields are omitted from
// the line when unset.
type Event struct {
	Timestamp string          `json:"timestamp"`
	Device    string          `json:"device"`
	Event     string          `json:"event"`
	Status    string          `json:"status,omitempty"`
	LatencyMs *float64        `json:"latency_ms,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Host      string          `json:"host,omitempty"`
	Port      int             `json:"port,omitempty"`
}

// EventWriter appends events to a JSONL file, one object per line, flushing
// after every write so a crashed run still leaves a readable stream.
type EventWriter struct {
	mu     sync.Mutex
	writer *bufio.Writer
	file   *os.File

	totalWritten atomic.Int64
	totalBytes   atomic.Int64
}

// NewEventWriter opens (or creates) the JSONL file at path, creating parent
// directories as needed.
func NewEventWriter(path string) (*EventWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventWriter{file: f, writer: bufio.NewWriter(f)}, nil
}

// NewEventWriterWithWriter wraps an arbitrary writer. Used by tests.
func NewEventWriterWithWriter(w io.Writer) *EventWriter {
	return &EventWriter{writer: bufio.NewWriter(w)}
}

// WriteEvent appends one event line.
func (e *EventWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(data); err != nil {
		return err
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := e.writer.Flush(); err != nil {
		return err
	}

	e.totalWritten.Add(1)
	e.totalBytes.Add(int64(len(data) + 1))
	return nil
}

// Written returns how many events have been persisted.
func (e *EventWriter) Written() int64 {
	return e.totalWritten.Load()
}

// Close flushes and closes the underlying file.
func (e *EventWriter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.Flush(); err != nil {
		return err
	}
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}
