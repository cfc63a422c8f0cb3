package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher publishes outcome events to an MQTT broker.
type MQTTPublisher struct {
	conn        mqtt.Client
	topicPrefix string
	qos         byte
	ackTimeout  time.Duration
	connected   atomic.Bool
	log         zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	pending   sync.WaitGroup
	published atomic.Int64
	failed    atomic.Int64
}

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("mqtt publisher closed")

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	AckTimeout  time.Duration
	Log         zerolog.Logger
}

// ConnectMQTT connects to the broker and returns a publisher. The connection
// auto-reconnects; Close must be called on shutdown.
func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	p := &MQTTPublisher{
		topicPrefix: strings.Trim(opts.TopicPrefix, "/"),
		qos:         opts.QoS,
		ackTimeout:  opts.AckTimeout,
		log:         opts.Log.With().Str("component", "mqtt-publisher").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, err)
	}
	return p, nil
}

func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("topic_prefix", p.topicPrefix).Msg("mqtt connected")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic returns the topic an event type is published on.
func (p *MQTTPublisher) Topic(eventType string) string {
	return topicFor(p.topicPrefix, eventType)
}

func topicFor(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "/" + eventType
}

// Publish hands the event to the client and returns without waiting for the
// broker acknowledgement; delivery errors are logged.
func (p *MQTTPublisher) Publish(_ context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := p.Topic(e.Type)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	token := p.conn.Publish(topic, p.qos, false, payload)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if !token.WaitTimeout(p.ackTimeout) {
			p.failed.Add(1)
			p.log.Warn().Str("topic", topic).Str("event_id", e.ID).Msg("mqtt publish not acknowledged")
			return
		}
		if err := token.Error(); err != nil {
			p.failed.Add(1)
			p.log.Error().Err(err).Str("topic", topic).Str("event_id", e.ID).Msg("mqtt publish failed")
			return
		}
		p.published.Add(1)
	}()
	return nil
}

func (p *MQTTPublisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns acknowledged and failed publish counts.
func (p *MQTTPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close stops accepting events, waits up to the ack timeout for
// unacknowledged publishes, then disconnects. It is safe to call twice.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.ackTimeout):
		p.log.Warn().Msg("closing with unacknowledged publishes")
	}
	p.log.Info().Msg("disconnecting mqtt client")
	p.conn.Disconnect(1000)
	p.connected.Store(false)
}
