package events

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// Broker is an in-process MQTT broker for single-node deployments that have
// no external broker. The publisher connects to it like any other broker.
type Broker struct {
	server *mochi.Server
	tcp    *listeners.TCP
	log    zerolog.Logger
}

// StartBroker listens on addr (e.g. ":1883", or "127.0.0.1:0" for any free
// port) and serves in the background.
// Authentication is disabled; bind to a loopback address in production.
func StartBroker(addr string, log zerolog.Logger) (*Broker, error) {
	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("broker auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("broker listen %s: %w", addr, err)
	}

	b := &Broker{
		server: server,
		tcp:    tcp,
		log:    log.With().Str("component", "mqtt-broker").Logger(),
	}
	go func() {
		if err := server.Serve(); err != nil {
			b.log.Error().Err(err).Msg("embedded broker stopped")
		}
	}()
	b.log.Info().Str("addr", b.Addr()).Msg("embedded mqtt broker started")
	return b, nil
}

// Addr returns the bound listen address.
func (b *Broker) Addr() string { return b.tcp.Address() }

func (b *Broker) Close() error {
	b.log.Info().Msg("stopping embedded mqtt broker")
	return b.server.Close()
}
