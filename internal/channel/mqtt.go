package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/metrics"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	mqttConnectTimeout   = 10 * time.Second
	mqttOperationTimeout = 5 * time.Second
	mqttQuiesceMillis    = 250
	mqttInboxSize        = 64
)

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Host          string
	Port          int
	ClientID      string
	User          string
	Password      string
	KeepAlive     time.Duration
	RetryInterval time.Duration
	// AvailabilityTopic, when set, carries a retained "online" on connect
	// and "offline" as the last will and on shutdown.
	AvailabilityTopic string
}

func (c MQTTConfig) broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// MQTT is a Channel over an MQTT 3.1.1 broker using QoS 0.
type MQTT struct {
	cfg      MQTTConfig
	clock    clockwork.Clock
	logger   *zap.Logger
	client   mqtt.Client
	handlers registry
	lost     chan error
	inbox    chan Message
}

// NewMQTT builds the client. Nothing is dialled until Run.
func NewMQTT(cfg MQTTConfig, clock clockwork.Clock, logger *zap.Logger) *MQTT {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MQTT{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		lost:   make(chan error, 1),
		inbox:  make(chan Message, mqttInboxSize),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.broker())
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetCleanSession(true)
	// Handlers may run a display command, so onMessage only queues and a
	// single goroutine started by Run delivers in arrival order.
	opts.SetOrderMatters(true)
	// Reconnection is driven by Run so that every attempt goes through the
	// same retry interval and metrics.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if cfg.AvailabilityTopic != "" {
		opts.SetWill(cfg.AvailabilityTopic, payloadOffline, 0, true)
	}
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)

	m.client = mqtt.NewClient(opts)
	return m
}

func (m *MQTT) Subscribe(topic string, handler Handler) error {
	m.handlers.add(topic, handler)
	if !m.client.IsConnected() {
		return nil
	}
	return m.subscribe(m.client, topic)
}

func (m *MQTT) subscribe(c mqtt.Client, topic string) error {
	token := c.Subscribe(topic, 0, m.onMessage)
	if !token.WaitTimeout(mqttOperationTimeout) {
		return &ConnectionError{Transport: "mqtt", Broker: m.cfg.broker(), Err: fmt.Errorf("subscribe %s: timed out", topic)}
	}
	if err := token.Error(); err != nil {
		return &ConnectionError{Transport: "mqtt", Broker: m.cfg.broker(), Err: fmt.Errorf("subscribe %s: %w", topic, err)}
	}
	m.logger.Debug("Subscribed", zap.String("topic", topic))
	return nil
}

func (m *MQTT) Publish(topic string, payload []byte) {
	if !m.client.IsConnected() {
		m.logger.Warn("Dropping message, not connected", zap.String("topic", topic))
		metrics.ObservePublish(errNotConnected)
		return
	}
	token := m.client.Publish(topic, 0, false, payload)
	go m.awaitPublish(topic, token)
}

func (m *MQTT) awaitPublish(topic string, token mqtt.Token) {
	var err error
	if !token.WaitTimeout(mqttOperationTimeout) {
		err = errors.New("publish timed out")
	} else {
		err = token.Error()
	}
	metrics.ObservePublish(err)
	if err != nil {
		m.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	m.logger.Debug("Published", zap.String("topic", topic))
}

func (m *MQTT) Run(ctx context.Context) error {
	go m.dispatchLoop(ctx)

	for {
		// A loss reported for a previous session is stale.
		select {
		case <-m.lost:
		default:
		}

		if err := retryConnect(ctx, m.clock, m.cfg.RetryInterval, m.logger, m.connect); err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			m.disconnect()
			return nil
		case err := <-m.lost:
			m.logger.Warn("Connection to MQTT lost, reconnecting", zap.Error(err))
		}
	}
}

func (m *MQTT) connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT", zap.String("broker", m.cfg.broker()))
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return &ConnectionError{Transport: "mqtt", Broker: m.cfg.broker(), Err: err}
	}
	return nil
}

func (m *MQTT) disconnect() {
	if m.cfg.AvailabilityTopic != "" && m.client.IsConnected() {
		token := m.client.Publish(m.cfg.AvailabilityTopic, 0, true, payloadOffline)
		token.WaitTimeout(mqttOperationTimeout)
	}
	m.client.Disconnect(mqttQuiesceMillis)
	m.logger.Info("Disconnected from MQTT")
}

// onConnect runs on every successful connect and restores subscriptions.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.logger.Info("Connected to MQTT", zap.String("broker", m.cfg.broker()))
	if m.cfg.AvailabilityTopic != "" {
		c.Publish(m.cfg.AvailabilityTopic, 0, true, payloadOnline)
	}
	for _, topic := range m.handlers.topics() {
		if err := m.subscribe(c, topic); err != nil {
			m.logger.Error("Error subscribing", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case m.lost <- err:
	default:
	}
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case m.inbox <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
	default:
		m.logger.Warn("Dropping inbound message, handlers busy", zap.String("topic", msg.Topic()))
	}
}

func (m *MQTT) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.deliver(msg)
		}
	}
}

func (m *MQTT) deliver(msg Message) {
	handler, ok := m.handlers.get(msg.Topic)
	if !ok {
		m.logger.Debug("No handler for topic", zap.String("topic", msg.Topic))
		return
	}
	handler(msg.Topic, msg.Payload)
}
