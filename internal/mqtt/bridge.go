// Package mqtt mirrors the relay state to an MQTT broker and accepts
// relay commands from it.
package mqtt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/meter"
)

// Topic suffixes under the configured prefix.
const (
	TopicRelay               = "relay"
	TopicActivePower         = "active_power"
	TopicEnergy              = "active_production_energy"
	TopicCommunicationFailed = "communication_failed"
	TopicDebug               = "debug"
	TopicRelaySet            = "relay/set"
)

const defaultTimeout = 5 * time.Second

// Client is the part of paho.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Requester accepts relay commands.
type Requester interface {
	Request(on bool) error
}

// Bridge publishes retained channel values and forwards relay/set messages.
type Bridge struct {
	client  Client
	prefix  string
	timeout time.Duration

	mu   sync.Mutex
	last map[string]string
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(client Client, prefix string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Bridge{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: timeout,
		last:    make(map[string]string),
	}
}

// Topic returns the full topic for suffix.
func (b *Bridge) Topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// Subscribe wires the bridge to the event bus.
func (b *Bridge) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeSnapshot, func(e eventbus.Event) {
		if err := b.Publish(e.Snapshot); err != nil {
			log.Warn().Err(err).Msg("Failed to publish state to MQTT")
		}
	})
}

// Publish sends every channel whose payload changed since the last
// successful publish. Unknown values are published as empty payloads.
func (b *Bridge) Publish(snap meter.Snapshot) error {
	payloads := []struct {
		topic   string
		payload string
	}{
		{TopicRelay, format(snap.Relay, strconv.FormatBool)},
		{TopicActivePower, format(snap.ActivePower, formatInt)},
		{TopicEnergy, format(snap.Energy, formatInt)},
		{TopicCommunicationFailed, strconv.FormatBool(snap.CommunicationFailed)},
		{TopicDebug, snap.DebugLog()},
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, p := range payloads {
		topic := b.Topic(p.topic)
		if prev, ok := b.last[topic]; ok && prev == p.payload {
			continue
		}
		if err := b.wait(b.client.Publish(topic, 0, true, p.payload)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		b.last[topic] = p.payload
	}
	return errors.Join(errs...)
}

// Listen subscribes to the relay/set topic and forwards commands to r.
func (b *Bridge) Listen(r Requester) error {
	topic := b.Topic(TopicRelaySet)
	handler := func(_ paho.Client, msg paho.Message) {
		on, err := ParseSwitch(string(msg.Payload()))
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring relay command")
			return
		}
		if err := r.Request(on); err != nil {
			log.Warn().Err(err).Bool("on", on).Msg("Relay command rejected")
			return
		}
		log.Debug().Bool("on", on).Str("topic", msg.Topic()).Msg("Relay command received over MQTT")
	}

	if err := b.wait(b.client.Subscribe(topic, 1, handler)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Info().Str("topic", topic).Msg("Listening for relay commands")
	return nil
}

// Reset forgets what was published, so the next snapshot is sent in full.
// Call it after a reconnect.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = make(map[string]string)
}

func (b *Bridge) wait(token paho.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.New("timed out")
	}
	return token.Error()
}

// ParseSwitch accepts on/off, true/false and 1/0, case-insensitively.
func ParseSwitch(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid relay payload %q", payload)
}

func format[T any](v meter.Value[T], f func(T) string) string {
	x, ok := v.Get()
	if !ok {
		return ""
	}
	return f(x)
}

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}
