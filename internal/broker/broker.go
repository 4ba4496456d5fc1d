// Package broker fans domain events out to named pub/sub channels:
// calls, agents, groups, smdr, transcriptions. In-process subscribers
// get a typed value directly; an optional MQTT publisher mirrors the
// same events, JSON-encoded, for external subscribers. Delivery is
// at-most-once — the persistence layer, not the broker, is the durable
// history.
package broker

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Channel names used throughout the system.
const (
	ChannelCalls          = "calls"
	ChannelAgents         = "agents"
	ChannelGroups         = "groups"
	ChannelSMDR           = "smdr"
	ChannelTranscriptions = "transcriptions"
)

// MQTTPublisher is the subset of mqttclient.Client the broker depends on.
// Defined here, at the consumer, so broker never imports mqttclient; the
// supervisor passes an *mqttclient.Client in.
type MQTTPublisher interface {
	Publish(channel string, payload []byte) error
	IsConnected() bool
}

type subscriber struct {
	ch chan any
}

// Broker is a single process-wide pub/sub fan-out point.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]subscriber
	nextID      atomic.Uint64

	mqtt MQTTPublisher
	log  zerolog.Logger
}

// New builds a Broker. mqtt may be nil, in which case events are
// delivered only to in-process subscribers.
func New(mqtt MQTTPublisher, log zerolog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[string]map[uint64]subscriber),
		mqtt:        mqtt,
		log:         log,
	}
}

// Subscribe registers for every message published on channel. The
// returned channel is buffered; a slow subscriber drops messages rather
// than blocking the publisher.
func (b *Broker) Subscribe(channel string) (<-chan any, func()) {
	b.mu.Lock()
	id := b.nextID.Add(1)
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[uint64]subscriber)
	}
	ch := make(chan any, 128)
	b.subscribers[channel][id] = subscriber{ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers[channel], id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans v out to every channel subscriber and, if an MQTT
// publisher is configured, mirrors a JSON encoding of v onto the
// matching MQTT topic. Publish never blocks the caller on a slow
// subscriber or a down MQTT broker; both failure modes are logged only.
func (b *Broker) Publish(channel string, v any) {
	b.mu.RLock()
	subs := b.subscribers[channel]
	targets := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- v:
		default:
			b.log.Warn().Str("channel", channel).Msg("broker subscriber slow, dropping message")
		}
	}

	if b.mqtt == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("broker: failed to marshal message for mqtt")
		return
	}
	if err := b.mqtt.Publish(channel, payload); err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("broker: mqtt publish failed")
	}
}
