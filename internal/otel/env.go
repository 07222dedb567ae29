package otel

import (
	"context"
	"os"
	"strconv"
)

// Environment variables for the optional OTel block. They deliberately live
// outside the flag surface: telemetry of the tool itself is an operator
// concern, not a test parameter.
const (
	EnvEnabled      = "MQTTDRILL_OTEL_ENABLED"
	EnvExporter     = "MQTTDRILL_OTEL_EXPORTER"
	EnvEndpoint     = "MQTTDRILL_OTEL_ENDPOINT"
	EnvInsecure     = "MQTTDRILL_OTEL_INSECURE"
	EnvSampleRate   = "MQTTDRILL_OTEL_SAMPLE_RATE"
	EnvServiceName  = "MQTTDRILL_OTEL_SERVICE_NAME"
)

// ConfigFromEnv builds the tracer and metrics configurations from the
// MQTTDRILL_OTEL_* environment. Unset or unparseable variables keep their
// defaults; telemetry stays off unless explicitly enabled.
func ConfigFromEnv() (*Config, *MetricsConfig) {
	tc := DefaultConfig()
	mc := DefaultMetricsConfig()

	enabled, _ := strconv.ParseBool(os.Getenv(EnvEnabled))
	tc.Enabled = enabled
	mc.Enabled = enabled

	if exporter := os.Getenv(EnvExporter); exporter != "" {
		tc.ExporterType = ExporterType(exporter)
		mc.ExporterType = ExporterType(exporter)
	} else if enabled {
		tc.ExporterType = ExporterStdout
		mc.ExporterType = ExporterStdout
	}

	if endpoint := os.Getenv(EnvEndpoint); endpoint != "" {
		tc.OTLPEndpoint = endpoint
		mc.OTLPEndpoint = endpoint
	}
	if insecure, err := strconv.ParseBool(os.Getenv(EnvInsecure)); err == nil {
		tc.OTLPInsecure = insecure
		mc.OTLPInsecure = insecure
	}
	if rate, err := strconv.ParseFloat(os.Getenv(EnvSampleRate), 64); err == nil {
		tc.SampleRate = rate
	}
	if name := os.Getenv(EnvServiceName); name != "" {
		tc.ServiceName = name
		mc.ServiceName = name
	}

	return tc, mc
}

// Setup builds the tracer and metrics from the environment, installs them as
// the process globals, and returns a shutdown function that flushes both.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	tc, mc := ConfigFromEnv()

	tracer, err := NewTracer(ctx, tc)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(ctx, mc)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	SetGlobalTracer(tracer)
	SetGlobal(metrics)

	return func(ctx context.Context) error {
		merr := metrics.Shutdown(ctx)
		terr := tracer.Shutdown(ctx)
		if merr != nil {
			return merr
		}
		return terr
	}, nil
}
