// Package emitter forwards detection events to an MQTT broker so other
// services can react to a wake word without holding the audio socket.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/wakewire/internal/types"
)

const (
	DefaultTopic   = "wakewire/detections"
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config for the MQTT emitter.
type Config struct {
	Broker   string // host:port or a full URL such as ssl://host:8883
	ClientID string
	Topic    string // events go to <Topic>/<model>
	QoS      byte
}

// publisher is the part of mqtt.Client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes every detection as JSON.
type MQTT struct {
	cfg       Config
	log       *slog.Logger
	client    mqtt.Client
	pub       publisher
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTT creates an emitter. Connect must be called before publishing.
func NewMQTT(cfg Config, log *slog.Logger) *MQTT {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "wakewire"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{cfg: cfg, log: log.With("component", "mqtt"), newClient: mqtt.NewClient}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its
// own after a later connection loss.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.client = e.newClient(opts)
	e.pub = e.client

	e.log.Info("connecting to mqtt broker", "broker", e.cfg.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		// With ConnectRetry the client keeps dialing in the background
		e.client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		e.client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Topic returns the topic a detection of model is published on.
func (e *MQTT) Topic(model string) string {
	return e.cfg.Topic + "/" + model
}

// RecordDetection publishes ev. It satisfies session.Sink.
func (e *MQTT) RecordDetection(ctx context.Context, ev types.DetectionEvent) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	topic := e.Topic(ev.Model)
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		e.countError()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		e.countError()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.log.Debug("detection published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// Stats returns how many events were published and how many failed.
func (e *MQTT) Stats() (published, errors uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}

// Close disconnects from the broker.
func (e *MQTT) Close() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
