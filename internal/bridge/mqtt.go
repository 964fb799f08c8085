// Package bridge mirrors hub events onto an MQTT broker so dashboards
// and recorders off the console can watch the droid without holding a
// backend connection. The mirror is one-way and best-effort.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

// connectTimeout bounds the initial broker handshake; afterwards the
// paho client reconnects on its own.
const connectTimeout = 10 * time.Second

// envelope is the published payload: the event type plus its fields.
type envelope struct {
	Type string         `json:"type"`
	Data protocol.Event `json:"data"`
}

// Mirror republishes hub events to topicPrefix/<event type>.
type Mirror struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	hub    *telemetry.Hub
	logger *log.Logger
}

// NewMirror connects to the broker. A failed initial connect is an
// error; connection losses afterwards are retried by the client.
func NewMirror(cfg config.MQTTConfig, hub *telemetry.Hub, logger *log.Logger) (*Mirror, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("bridge: broker is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Printf("bridge: connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Printf("bridge: broker connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("bridge: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bridge: connect to %s: %w", cfg.Broker, err)
	}

	return &Mirror{client: client, cfg: cfg, hub: hub, logger: logger}, nil
}

// Run mirrors events until the context ends. Marshal failures are
// logged and skipped; publish uses QoS 0 so a slow broker cannot stall
// the console.
func (m *Mirror) Run(ctx context.Context) {
	sub := m.hub.Subscribe(nil)
	defer m.hub.Unsubscribe(sub.ID)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.publish(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) publish(ev protocol.Event) {
	payload, err := json.Marshal(envelope{Type: ev.EventType(), Data: ev})
	if err != nil {
		m.logger.Printf("bridge: marshal %s event: %v", ev.EventType(), err)
		return
	}
	topic := m.cfg.TopicPrefix + "/" + ev.EventType()
	m.client.Publish(topic, 0, false, payload)
}

// Close disconnects from the broker.
func (m *Mirror) Close() {
	m.client.Disconnect(250)
}
