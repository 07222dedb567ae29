// Package events emits structured operational events: shard lifecycle, ramp
// stages, collapse detection, and host health samples. These are logs for
// the operator, distinct from the per-device experiment stream that the sink
// package persists as run data.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger provides structured JSON event logging for one run.
type Logger struct {
	logger  *slog.Logger
	session string
	shardID string
}

// NewLogger creates a Logger writing JSON lines to stderr, carrying the
// session and shard identity as base attributes.
func NewLogger(session, shardID string) *Logger {
	return NewLoggerWithWriter(session, shardID, os.Stderr)
}

// NewLoggerWithWriter creates a Logger with a custom destination. Useful for
// tests and for redirecting output.
func NewLoggerWithWriter(session, shardID string, w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"session", session,
		"shard_id", shardID,
	)
	return &Logger{
		logger:  logger,
		session: session,
		shardID: shardID,
	}
}

// LogShardStarted logs a shard runtime coming up.
// event: "shard.started"
func (l *Logger) LogShardStarted(devices int, host string, port int, interval float64) {
	l.logger.Info("shard.started",
		"devices", devices,
		"broker_host", host,
		"broker_port", port,
		"interval_seconds", interval,
	)
}

// LogRampStage logs one launch stage completing.
// event: "ramp.stage"
func (l *Logger) LogRampStage(stage, target, launched int) {
	l.logger.Info("ramp.stage",
		"stage", stage,
		"target", target,
		"launched", launched,
	)
}

// LogStartReleased logs the publish start gate opening.
// event: "start.released"
func (l *Logger) LogStartReleased(startAt string, connected int) {
	l.logger.Info("start.released",
		"start_at", startAt,
		"connected", connected,
	)
}

// LogCollapse logs the first observed collapse.
// event: "collapse.detected"
func (l *Logger) LogCollapse(reason string, afterSeconds float64) {
	l.logger.Warn("collapse.detected",
		"reason", reason,
		"after_seconds", afterSeconds,
	)
}

// LogHealthSample logs a periodic host health probe.
// event: "health.sample"
func (l *Logger) LogHealthSample(cpuPercent, memUsedPercent float64, goroutines int) {
	l.logger.Info("health.sample",
		"cpu_percent", cpuPercent,
		"mem_used_percent", memUsedPercent,
		"goroutines", goroutines,
	)
}

// LogShardSpawned logs the orchestrator starting a shard child process.
// event: "shard.spawned"
func (l *Logger) LogShardSpawned(shardID string, startID, count, pid int) {
	l.logger.Info("shard.spawned",
		"child_shard_id", shardID,
		"start_id", startID,
		"count", count,
		"pid", pid,
	)
}

// LogShardExited logs a shard child process finishing.
// event: "shard.exited"
func (l *Logger) LogShardExited(shardID string, exitCode int) {
	l.logger.Info("shard.exited",
		"child_shard_id", shardID,
		"exit_code", exitCode,
	)
}

// LogRunCompleted logs the end of a run with its headline numbers.
// event: "run.completed"
func (l *Logger) LogRunCompleted(cause string, successes, failures uint64, elapsedSeconds float64) {
	l.logger.Info("run.completed",
		"cause", cause,
		"successful_publishes", successes,
		"failed_publishes", failures,
		"elapsed_seconds", elapsedSeconds,
	)
}

// Global logger management
var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobal sets the process-wide event logger instance.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide event logger instance, or a no-op logger
// when none has been set.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return Noop()
}

// Noop returns a logger that discards all events.
func Noop() *Logger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{logger: slog.New(handler)}
}
