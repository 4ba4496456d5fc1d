// Package mqttclient wraps paho's MQTT client as the broker package's
// publish transport: domain events fan out to named pub/sub channels
// in-process, and are mirrored onto MQTT topics for external subscribers.
package mqttclient

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is a thin, reconnecting MQTT publisher.
type Client struct {
	conn      mqtt.Client
	topicRoot string
	connected atomic.Bool
	log       zerolog.Logger
}

// Options configures Connect.
type Options struct {
	BrokerURL string
	ClientID  string
	TopicRoot string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Connect dials the MQTT broker and blocks until the initial connection
// succeeds or fails; subsequent drops are handled by paho's built-in
// auto-reconnect.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicRoot: opts.TopicRoot,
		log:       opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) onConnect(mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic_root", c.topicRoot).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends payload to topicRoot/channel at QoS 0, fire-and-forget:
// broker publish failures are logged, never blocking, per spec.
func (c *Client) Publish(channel string, payload []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("mqttclient: not connected")
	}
	topic := fmt.Sprintf("%s/%s", c.topicRoot, channel)
	token := c.conn.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
