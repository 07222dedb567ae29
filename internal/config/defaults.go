package config

// Default configuration constants for the simulator and its outputs.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 1883
	DefaultTokensFile      = "data/provisioning/tokens.json"
	DefaultTopic           = "v1/devices/me/telemetry"
	DefaultQoS             = 1
	DefaultIntervalSec     = 5.0
	DefaultReportInterval  = 15.0
	DefaultBackoffBaseSec  = 1.0
	DefaultBackoffMaxSec   = 30.0
	DefaultLogDir          = "data/logs"
	DefaultMetricsDir      = "data/metrics"
	DefaultMetricsHost     = "127.0.0.1"
	DefaultMetricsPort     = 5050
	DefaultMetricsRefresh  = 2000 // dashboard auto-refresh, milliseconds
	DefaultMaxClients      = 400  // per-process client cap
	DefaultStopFile        = "stop.flag"
	DefaultSplitMode       = "auto"
)
