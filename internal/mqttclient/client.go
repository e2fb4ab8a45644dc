package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"smarthome/iot-backend/internal/config"
)

const subscribeQoS byte = 1

var errTimeout = errors.New("timed out waiting for broker")

// Handler receives broker events. Callbacks run on paho's goroutines.
type Handler interface {
	OnConnect(ok bool)
	OnCommand(topic string, payload []byte)
	OnReading(topic string, payload []byte)
}

// Client is the broker connection used for both ingress and egress.
type Client struct {
	cfg     config.MQTT
	handler Handler
	logger  *slog.Logger
	client  mqtt.Client
}

// New prepares a client. SetHandler must be called before Connect.
func New(cfg config.MQTT, logger *slog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID("smarthome-backend-" + uuid.NewString())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(120 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	// Handlers publish and wait for acks, so they must not run on paho's router.
	opts.SetOrderMatters(false)
	if cfg.UseTLS {
		opts.SetTLSConfig(tlsConfig(cfg))
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

func tlsConfig(cfg config.MQTT) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.Broker,
		InsecureSkipVerify: cfg.Insecure,
	}
}

// Connect dials the broker with exponential backoff. Later drops are handled
// by paho's auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return errTimeout
		}
		if err := token.Error(); err != nil {
			c.logger.Warn("mqtt connect attempt failed", "broker", c.cfg.BrokerURL(), "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.BrokerURL(), err)
	}
	return nil
}

// Publish sends one message and waits at most PublishTimeout for the broker ack.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return errTimeout
	}
	return token.Error()
}

func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt client disconnected")
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		c.cfg.CommandTopic: c.commandHandler,
	}
	if c.cfg.ReadingTopic != "" {
		subs[c.cfg.ReadingTopic] = c.readingHandler
	}

	for topic, handler := range subs {
		token := client.Subscribe(topic, subscribeQoS, handler)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Error("mqtt subscribe timed out", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
			continue
		}
		c.logger.Info("mqtt subscribed", "topic", topic)
	}

	c.handler.OnConnect(true)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("mqtt connection lost", "error", err)
	c.handler.OnConnect(false)
}

func (c *Client) commandHandler(_ mqtt.Client, msg mqtt.Message) {
	c.handler.OnCommand(msg.Topic(), msg.Payload())
}

func (c *Client) readingHandler(_ mqtt.Client, msg mqtt.Message) {
	c.handler.OnReading(msg.Topic(), msg.Payload())
}
