package app

import (
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/mqtt"
)

const mqttDisconnectQuiesceMs = 250

// MQTTService mirrors state to MQTT and accepts relay commands from it.
type MQTTService struct {
	cfg       *config.Config
	requester mqtt.Requester
	bus       *eventbus.Bus

	client paho.Client
	bridge atomic.Pointer[mqtt.Bridge]
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, requester mqtt.Requester, bus *eventbus.Bus) *MQTTService {
	return &MQTTService{
		cfg:       cfg,
		requester: requester,
		bus:       bus,
	}
}

// Start connects to the broker, subscribes to commands and starts mirroring.
func (s *MQTTService) Start() error {
	if !s.cfg.MQTT.Enabled {
		log.Info().Msg("MQTT is disabled")
		return nil
	}

	client, err := mqtt.Connect(mqtt.Options{
		Broker:         s.cfg.MQTT.Broker,
		ClientID:       s.cfg.MQTT.ClientID,
		Username:       s.cfg.MQTT.Username,
		Password:       s.cfg.MQTT.Password,
		ConnectTimeout: s.cfg.MQTT.ConnectTimeout.Duration(),
		OnConnect:      s.onReconnect,
	})
	if err != nil {
		return err
	}
	s.client = client

	bridge := mqtt.NewBridge(client, s.cfg.MQTT.Prefix, s.cfg.MQTT.ConnectTimeout.Duration())
	if err := bridge.Listen(s.requester); err != nil {
		client.Disconnect(mqttDisconnectQuiesceMs)
		return err
	}
	bridge.Subscribe(s.bus)
	s.bridge.Store(bridge)

	return nil
}

// onReconnect restores the subscription and republishes everything.
// It is a no-op for the first connect, which Start handles.
func (s *MQTTService) onReconnect() {
	bridge := s.bridge.Load()
	if bridge == nil {
		return
	}
	bridge.Reset()
	if err := bridge.Listen(s.requester); err != nil {
		log.Error().Err(err).Msg("Failed to resubscribe after MQTT reconnect")
	}
}

// Close disconnects from the broker.
func (s *MQTTService) Close() {
	if s.client != nil {
		s.client.Disconnect(mqttDisconnectQuiesceMs)
	}
}
