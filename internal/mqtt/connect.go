package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Options configures the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration

	// OnConnect runs after every successful (re)connect.
	OnConnect func()
}

// Connect dials the broker. paho keeps reconnecting in the background
// after the first successful connect.
func Connect(opts Options) (paho.Client, error) {
	o := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(_ paho.Client) {
			log.Info().Str("broker", opts.Broker).Msg("Connected to MQTT broker")
			if opts.OnConnect != nil {
				opts.OnConnect()
			}
		})

	client := paho.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return client, nil
}
