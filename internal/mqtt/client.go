package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"circuit-agent/internal/config"
	"circuit-agent/internal/control"
	"circuit-agent/internal/errcode"
	"circuit-agent/internal/homeassistant"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	publishTimeout = 2 * time.Second
	connectTimeout = 10 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Publisher is the subset of the paho client used to mirror cycles.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Client mirrors every control cycle to an MQTT broker and announces the
// circuits through Home Assistant discovery. It only ever sees snapshots.
type Client struct {
	client mqtt.Client
	pub    Publisher
	config config.MQTTConfig
	serial string
	logger *logrus.Logger

	announced  int
	rediscover atomic.Bool

	// isOpen reports whether the broker connection is up; nil means always.
	isOpen         func() bool
	connectTimeout time.Duration
}

// ErrNotConnected is returned by PublishCycle while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

type CycleMessage struct {
	Outcome    control.Outcome `json:"outcome"`
	Code       errcode.Code    `json:"code"`
	Mask       string          `json:"mask"`
	Circuits   int             `json:"circuits"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

type CircuitMessage struct {
	Power   float64 `json:"power"`
	State   string  `json:"state"`
	Desired bool    `json:"desired"`
	Sampled bool    `json:"sampled"`
}

func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	c := newClient(nil, cfg.MQTT, cfg.Agent.Serial, logger)

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "circuit-agent-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetWill(c.availabilityTopic(), payloadOffline, 1, true)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)
	c.pub = c.client
	c.isOpen = c.client.IsConnectionOpen

	return c, nil
}

func newClient(pub Publisher, cfg config.MQTTConfig, serial string, logger *logrus.Logger) *Client {
	return &Client{
		pub:            pub,
		config:         cfg,
		serial:         serial,
		logger:         logger,
		connectTimeout: connectTimeout,
	}
}

// Connect waits a bounded time for the first connection. An unreachable
// broker is not an error: paho keeps retrying in the background and cycles
// are not mirrored until it succeeds.
func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker...")

	token := c.client.Connect()
	if !token.WaitTimeout(c.connectTimeout) {
		c.logger.Warnf("MQTT broker %s not reachable after %s, retrying in background", c.config.Broker, c.connectTimeout)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	if c.connected() {
		c.publish(c.availabilityTopic(), true, payloadOffline)
	}
	c.client.Disconnect(250)
}

func (c *Client) connected() bool {
	return c.isOpen == nil || c.isOpen()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, announcing availability")
	client.Publish(c.availabilityTopic(), 1, true, payloadOnline)

	if !c.config.Discovery {
		return
	}
	// Home Assistant drops discovered entities when it restarts.
	c.rediscover.Store(true)
	topic := c.config.DiscoveryPrefix + "/status"
	if token := client.Subscribe(topic, 1, c.handleStatusMessage); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to discovery status topic: %v", token.Error())
	} else {
		c.logger.Infof("Subscribed to discovery status topic: %s", topic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handleStatusMessage(client mqtt.Client, msg mqtt.Message) {
	if strings.TrimSpace(string(msg.Payload())) == payloadOnline {
		c.logger.Debug("Home Assistant came online, discovery will be resent")
		c.rediscover.Store(true)
	}
}

// PublishCycle mirrors one finished cycle. Failures are logged and returned
// but never affect the control loop. Nothing is queued while the broker is
// down.
func (c *Client) PublishCycle(res control.CycleResult) error {
	if !c.connected() {
		return ErrNotConnected
	}
	var errs []error

	msg := CycleMessage{
		Outcome:    res.Outcome,
		Code:       errcode.Of(res.Err),
		Mask:       fmt.Sprintf("%#x", uint64(res.Mask)),
		Circuits:   len(res.Circuits),
		DurationMs: res.Duration.Milliseconds(),
		Timestamp:  res.Started,
	}
	errs = append(errs, c.publishJSON(c.topic("cycle"), false, msg))

	if res.Payload != nil {
		b, err := res.Payload.Marshal()
		if err == nil {
			err = c.publish(c.topic("telemetry"), false, b)
		}
		errs = append(errs, err)
	}

	if c.config.Discovery && len(res.Circuits) > 0 {
		if resend := c.rediscover.Swap(false); resend || len(res.Circuits) != c.announced {
			errs = append(errs, c.announce(res))
		}
	}

	for _, circuit := range res.Circuits {
		state := "OFF"
		if circuit.Index < res.Lines && res.Mask.Bit(circuit.Index) {
			state = "ON"
		}
		errs = append(errs, c.publishJSON(
			homeassistant.CircuitTopic(c.config.TopicPrefix, c.serial, circuit.ID), false,
			CircuitMessage{
				Power:   circuit.LastPower,
				State:   state,
				Desired: circuit.DesiredState,
				Sampled: circuit.Sampled,
			}))
	}
	return errors.Join(errs...)
}

func (c *Client) announce(res control.CycleResult) error {
	items := homeassistant.CircuitItems(c.config.TopicPrefix, c.serial, res.Circuits)
	msgs, err := homeassistant.DiscoveryMessages(c.config.DiscoveryPrefix, items)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		errs = append(errs, c.publish(m.Topic, true, m.Payload))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.announced = len(res.Circuits)
	c.logger.Infof("Announced %d circuits to Home Assistant", c.announced)
	return nil
}

func (c *Client) topic(leaf string) string {
	return c.config.TopicPrefix + "/" + c.serial + "/" + leaf
}

func (c *Client) availabilityTopic() string {
	return homeassistant.AvailabilityTopic(c.config.TopicPrefix, c.serial)
}

func (c *Client) publishJSON(topic string, retained bool, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return c.publish(topic, retained, b)
}

func (c *Client) publish(topic string, retained bool, payload interface{}) error {
	token := c.pub.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.WithField("topic", topic).Warn("MQTT publish timed out")
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		c.logger.WithField("topic", topic).Errorf("MQTT publish failed: %v", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
