// Package mqttpub publishes each acquisition cycle to an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/gnss-integrity/internal/monitoring"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
	"github.com/banshee-data/gnss-integrity/internal/state"
)

// DefaultTimeout bounds each publish so a slow broker cannot stall the
// acquisition loop for longer than one cycle.
const DefaultTimeout = 500 * time.Millisecond

var (
	ErrTimeout = errors.New("mqtt publish timed out")
	logf       = monitoring.Prefixed("mqtt")
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Options struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// Message is the JSON payload of one cycle.
type Message struct {
	SessionID  string        `json:"session_id,omitempty"`
	Cycle      uint64        `json:"cycle"`
	Timestamp  time.Time     `json:"timestamp"`
	Position   nmea.Position `json:"position"`
	HasFix     bool          `json:"has_fix"`
	HPL        *float64      `json:"hpl"`
	Satellites int           `json:"satellites"`
}

// NewMessage flattens a snapshot for publication. The sky view is omitted.
func NewMessage(snap state.Snapshot) Message {
	return Message{
		SessionID:  snap.SessionID,
		Cycle:      snap.Cycle,
		Timestamp:  snap.At,
		Position:   snap.Position,
		HasFix:     snap.HasFix(),
		HPL:        snap.HPL,
		Satellites: snap.Satellites,
	}
}

// Publisher implements the acquisition loop's Publisher over MQTT.
type Publisher struct {
	client Client
	opts   Options
}

// New wraps an already connected client.
func New(client Client, opts Options) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Publisher{client: client, opts: opts}
}

// Connect dials the broker and returns a Publisher on success. The client
// reconnects on its own after the initial connection.
func Connect(opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is not configured")
	}
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logf("connection to %s lost: %v", opts.Broker, err)
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	logf("connected to MQTT broker at %s", opts.Broker)
	return New(client, opts), nil
}

// Publish sends snap to the configured topic and waits for the broker at
// most Timeout.
func (p *Publisher) Publish(ctx context.Context, snap state.Snapshot) error {
	payload, err := json.Marshal(NewMessage(snap))
	if err != nil {
		return fmt.Errorf("encode mqtt message: %w", err)
	}

	token := p.client.Publish(p.opts.Topic, p.opts.QoS, p.opts.Retained, payload)

	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s: %w", p.opts.Topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.opts.Topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight messages 250ms to complete.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
