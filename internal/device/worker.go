package device

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bc-dunia/mqttdrill/internal/failure"
	"github.com/bc-dunia/mqttdrill/internal/metrics"
	otelx "github.com/bc-dunia/mqttdrill/internal/otel"
	"github.com/bc-dunia/mqttdrill/internal/ramp"
	"github.com/bc-dunia/mqttdrill/internal/sink"
	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// Worker simulates one device for the lifetime of the run. It owns exactly
// one MQTT session at a time, reports every outcome to the aggregator and
// the event queue, and keeps reconnecting with exponential backoff until the
// context ends.
type Worker struct {
	Device   tokens.Device
	Dial     Dialer
	Topic    string
	QoS      byte
	Interval time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Host and Port only annotate connect events; the dialer owns the
	// actual broker address.
	Host string
	Port int

	Metrics *metrics.Aggregator
	Events  *sink.Queue   // nil disables the event stream
	Barrier *ramp.Barrier // nil skips first-burst coordination
	Gate    *ramp.Gate    // nil starts publishing immediately

	start   time.Time
	ticks   int64
	arrived bool
}

// Run drives the device until ctx ends or the session closes gracefully.
// Cancellation is observed at every sleep and before every publish, so the
// loop exits within one publish attempt or one backoff of the signal.
func (w *Worker) Run(ctx context.Context) {
	src := newPayloadSource(w.Device.ID, payloadSeed(w.Device.ID))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.BackoffBase
	bo.Multiplier = 2
	bo.MaxInterval = w.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		client := w.Dial(w.Device)
		if err := client.Connect(ctx); err != nil {
			client.Disconnect(0)
			if ctx.Err() != nil {
				return
			}
			cls := failure.FromError(err)
			w.Metrics.RecordConnectionFailure(w.Device.ID, string(cls.Category))
			otelx.Global().AddPublishError(ctx, string(cls.Category))
			w.emit(sink.Event{
				Device: w.Device.ID,
				Event:  "connection_error",
				Error:  cls.Reason(),
			})
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		w.Metrics.RecordClientConnected(w.Device.ID)
		otelx.Global().AddActiveDevices(ctx, 1)
		w.emit(sink.Event{
			Device: w.Device.ID,
			Event:  "connected",
			Host:   w.Host,
			Port:   w.Port,
		})
		if !w.arrived {
			w.arrived = true
			if w.Barrier != nil {
				w.Barrier.Arrive()
			}
		}

		reason := w.publishLoop(ctx, client, src)

		graceful := failure.Graceful(reason)
		w.Metrics.RecordClientDisconnected(w.Device.ID, reason, graceful)
		otelx.Global().AddActiveDevices(ctx, -1)
		w.emit(sink.Event{
			Device: w.Device.ID,
			Event:  "disconnected",
			Reason: reason,
		})
		client.Disconnect(250 * time.Millisecond)

		if graceful {
			return
		}
		otelx.Global().AddReconnect(ctx)
		if !sleepCtx(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// publishLoop publishes on the shared tick grid until something ends the
// session, returning the disconnect reason. The grid survives reconnects:
// start time and tick count persist on the worker, so a device that drops
// out rejoins its own cadence instead of drifting.
func (w *Worker) publishLoop(ctx context.Context, client Client, src *payloadSource) string {
	if w.start.IsZero() {
		if w.Gate != nil {
			start, err := w.Gate.Wait(ctx)
			if err != nil {
				return failure.ReasonCancelled
			}
			w.start = start
		} else {
			w.start = time.Now()
		}
	}

	for {
		next := w.start.Add(time.Duration(w.ticks) * w.Interval)
		if wait := time.Until(next); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return failure.ReasonStopped
			}
		} else if ctx.Err() != nil {
			return failure.ReasonStopped
		}
		w.ticks++

		if err := w.publishOnce(ctx, client, src); err != nil {
			if ctx.Err() != nil {
				return failure.ReasonStopped
			}
			cls := failure.FromError(err)
			return "mqtt_error:" + string(cls.Category)
		}
	}
}

// publishOnce sends one reading and records the outcome. Latency spans the
// full publish round trip including the broker acknowledgement at QoS 1.
func (w *Worker) publishOnce(ctx context.Context, client Client, src *payloadSource) error {
	reading := src.Next(time.Now())
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}

	begin := time.Now()
	err = client.Publish(ctx, w.Topic, w.QoS, body)
	latency := time.Since(begin)
	latencyMs := roundMs(latency)

	if err != nil {
		cls := failure.FromError(err)
		w.Metrics.RecordPublishFailure(w.Device.ID, string(cls.Category))
		otelx.Global().AddPublishError(ctx, string(cls.Category))
		w.emit(sink.Event{
			Device:    w.Device.ID,
			Event:     "publish",
			Status:    "failure",
			Error:     cls.Reason(),
			LatencyMs: &latencyMs,
		})
		return err
	}

	w.Metrics.RecordPublishSuccess(w.Device.ID, latency, len(body))
	otelx.Global().RecordPublishLatency(ctx, latencyMs)
	w.emit(sink.Event{
		Device:    w.Device.ID,
		Event:     "publish",
		Status:    "success",
		LatencyMs: &latencyMs,
		Payload:   json.RawMessage(body),
	})
	return nil
}

func (w *Worker) emit(ev sink.Event) {
	if w.Events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(metrics.TimestampLayout)
	w.Events.Put(ev)
}

// sleepCtx sleeps for d, reporting false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func payloadSeed(deviceID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	return int64(h.Sum64()) ^ time.Now().UnixNano()
}

func roundMs(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*10000) / 10000
}
