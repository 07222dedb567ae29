package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "mqttdrill",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the mqttdrill instrument set: publish latency, publish and
// connect errors by category, the live device gauge, reconnects, and the
// current ramp stage.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	currentStage  atomic.Int64
	stageGauge    metric.Int64ObservableGauge
	stageGaugeReg metric.Registration

	publishLatency   metric.Float64Histogram
	errorCounter     metric.Int64Counter
	activeDevices    metric.Int64UpDownCounter
	reconnectCounter metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
	noopMetricsOnce sync.Once
	noopMetrics     *Metrics
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.publishLatency, err = m.meter.Float64Histogram(
		"mqttdrill.publish.latency",
		metric.WithDescription("Round-trip latency of MQTT publishes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create publish latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"mqttdrill.publish.errors",
		metric.WithDescription("Count of publish and connect failures by category"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	m.activeDevices, err = m.meter.Int64UpDownCounter(
		"mqttdrill.devices.active",
		metric.WithDescription("Number of currently connected simulated devices"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active devices counter: %w", err)
	}

	m.reconnectCounter, err = m.meter.Int64Counter(
		"mqttdrill.devices.reconnects",
		metric.WithDescription("Count of device reconnect attempts after failures"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	m.stageGauge, err = m.meter.Int64ObservableGauge(
		"mqttdrill.ramp.stage",
		metric.WithDescription("Current ramp stage index"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ramp stage gauge: %w", err)
	}

	m.stageGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.stageGauge, m.currentStage.Load())
			return nil
		},
		m.stageGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register ramp stage callback: %w", err)
	}

	return nil
}

// RecordPublishLatency records one publish round trip in milliseconds.
func (m *Metrics) RecordPublishLatency(ctx context.Context, latencyMs float64) {
	if m.publishLatency == nil {
		return
	}
	m.publishLatency.Record(ctx, latencyMs)
}

// AddPublishError counts one failure under the given category.
func (m *Metrics) AddPublishError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// AddActiveDevices moves the live device gauge by delta.
func (m *Metrics) AddActiveDevices(ctx context.Context, delta int64) {
	if m.activeDevices == nil {
		return
	}
	m.activeDevices.Add(ctx, delta)
}

// AddReconnect counts one reconnect attempt.
func (m *Metrics) AddReconnect(ctx context.Context) {
	if m.reconnectCounter == nil {
		return
	}
	m.reconnectCounter.Add(ctx, 1)
}

// SetRampStage sets the current stage index for the observable gauge.
func (m *Metrics) SetRampStage(stage int) {
	m.currentStage.Store(int64(stage))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending
// metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stageGaugeReg != nil {
		if err := m.stageGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister ramp stage callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// SetGlobal sets the global metrics instance.
func SetGlobal(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// Global returns the global metrics instance, or a shared no-op instance if
// none has been set. Device workers call this on every publish, so the no-op
// path allocates nothing.
func Global() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing.
func NoopMetrics() *Metrics {
	noopMetricsOnce.Do(func() {
		cfg := DefaultMetricsConfig()
		mp := sdkmetric.NewMeterProvider()
		noopMetrics = &Metrics{
			config:        cfg,
			meterProvider: mp,
			meter:         mp.Meter(cfg.ServiceName),
			shutdown:      func(context.Context) error { return nil },
		}
	})
	return noopMetrics
}
