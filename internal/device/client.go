// Package device runs one long-lived simulation loop per fleet member:
// connect with the device token, synchronize the first burst, publish on a
// fixed cadence, and classify every failure.
package device

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// Client is the narrow MQTT surface the worker needs. The production
// implementation wraps paho; tests substitute fakes.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect(quiesce time.Duration)
	IsConnected() bool
}

// Dialer builds a fresh client session for a device. Each reconnect gets a
// new session; paho sessions are not reusable after a hard failure.
type Dialer func(dev tokens.Device) Client

// BrokerConfig carries the connection parameters shared by the whole fleet.
type BrokerConfig struct {
	Addr           string // tcp://host:1883 or ssl://host:8883
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// NewPahoDialer returns the production dialer. The device token is the MQTT
// username (ThingsBoard access-token auth); auto-reconnect stays off because
// the worker owns the reconnect policy.
func NewPahoDialer(cfg BrokerConfig) Dialer {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	return func(dev tokens.Device) Client {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(cfg.Addr)
		opts.SetClientID(dev.ID)
		opts.SetUsername(dev.Token)
		opts.SetCleanSession(true)
		opts.SetAutoReconnect(false)
		opts.SetConnectTimeout(connectTimeout)
		opts.SetKeepAlive(keepAlive)
		return &pahoClient{client: mqtt.NewClient(opts)}
	}
}

type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return waitToken(ctx, p.client.Connect())
}

func (p *pahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, p.client.Publish(topic, qos, false, payload))
}

func (p *pahoClient) Disconnect(quiesce time.Duration) {
	p.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}

// waitToken blocks on a paho token without losing cancellation: the paho
// timeout still bounds the operation, ctx bounds the wait.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
