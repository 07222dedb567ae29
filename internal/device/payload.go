package device

import (
	"math"
	"math/rand"
	"time"
)

// Telemetry is one published reading. Field names are the MQTT wire contract
// the ThingsBoard ingestion pipeline keys on.
type Telemetry struct {
	Seq         int     `json:"seq"`
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Voltage     float64 `json:"voltage"`
	Status      string  `json:"status"`
	DeviceID    string  `json:"device_id"`
}

var statuses = []string{"idle", "active", "maintenance"}

// payloadSource produces one device's telemetry stream: a monotonic sequence
// number plus bounded random sensor readings.
type payloadSource struct {
	deviceID string
	seq      int
	rng      *rand.Rand
}

func newPayloadSource(deviceID string, seed int64) *payloadSource {
	return &payloadSource{
		deviceID: deviceID,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next advances the sequence and samples fresh readings.
func (p *payloadSource) Next(now time.Time) Telemetry {
	p.seq++
	return Telemetry{
		Seq:         p.seq,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Temperature: round2(18 + p.rng.Float64()*14),
		Humidity:    round2(30 + p.rng.Float64()*40),
		Voltage:     round2(210 + p.rng.Float64()*20),
		Status:      statuses[p.rng.Intn(len(statuses))],
		DeviceID:    p.deviceID,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
