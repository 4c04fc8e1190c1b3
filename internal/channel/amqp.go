package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/metrics"
)

// topicExchange is where the RabbitMQ MQTT plugin routes MQTT topics, so
// AMQP and MQTT clients on the same broker see each other's messages.
const topicExchange = "amq.topic"

const amqpOutboxSize = 64

var errOutboxFull = errors.New("outbox full")

// AMQPConfig holds the RabbitMQ connection settings.
type AMQPConfig struct {
	URL           string
	ConsumerTag   string
	RetryInterval time.Duration
}

// redacted returns the URL without credentials, for logs and errors.
func (c AMQPConfig) redacted() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "amqp"
	}
	return u.Redacted()
}

// amqpSession is one live connection with its bound queue and consumer.
type amqpSession interface {
	Bind(topic string) error
	Publish(ctx context.Context, topic string, payload []byte, at time.Time) error
	Deliveries() <-chan amqp.Delivery
	Closed() <-chan *amqp.Error
	Close() error
}

// AMQP is a Channel over RabbitMQ's amq.topic exchange. Topics use MQTT
// naming and are translated to routing keys the way the MQTT plugin does.
type AMQP struct {
	cfg      AMQPConfig
	clock    clockwork.Clock
	logger   *zap.Logger
	handlers registry
	dial     func(url string) (*amqp.Connection, error)
	open     func(ctx context.Context) (amqpSession, error)
	outbox   chan Message

	mu      sync.Mutex
	session amqpSession
}

// NewAMQP builds the channel. Nothing is dialled until Run.
func NewAMQP(cfg AMQPConfig, clock clockwork.Clock, logger *zap.Logger) *AMQP {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AMQP{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		dial:   amqp.Dial,
		outbox: make(chan Message, amqpOutboxSize),
	}
	a.open = a.openRabbit
	return a
}

// routingKey swaps MQTT "/" and AMQP "." separators. The mapping is its
// own inverse.
func routingKey(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/':
			return '.'
		case '.':
			return '/'
		}
		return r
	}, topic)
}

func (a *AMQP) current() amqpSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *AMQP) Subscribe(topic string, handler Handler) error {
	a.handlers.add(topic, handler)

	s := a.current()
	if s == nil {
		return nil
	}
	if err := s.Bind(topic); err != nil {
		return &ConnectionError{Transport: "amqp", Broker: a.cfg.redacted(), Err: fmt.Errorf("bind %s: %w", topic, err)}
	}
	return nil
}

// Publish queues payload for the publisher goroutine started by Run. The
// message is dropped when disconnected or when the outbox is full.
func (a *AMQP) Publish(topic string, payload []byte) {
	if a.current() == nil {
		a.logger.Warn("Dropping message, not connected", zap.String("topic", topic))
		metrics.ObservePublish(errNotConnected)
		return
	}

	select {
	case a.outbox <- Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
	default:
		a.logger.Warn("Dropping message, outbox full", zap.String("topic", topic))
		metrics.ObservePublish(errOutboxFull)
	}
}

// publishLoop drains the outbox. A write held up by broker flow control
// blocks only this goroutine.
func (a *AMQP) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.outbox:
			s := a.current()
			if s == nil {
				a.logger.Warn("Dropping message, not connected", zap.String("topic", msg.Topic))
				metrics.ObservePublish(errNotConnected)
				continue
			}
			err := s.Publish(ctx, msg.Topic, msg.Payload, a.clock.Now())
			metrics.ObservePublish(err)
			if err != nil {
				a.logger.Warn("Publish failed", zap.String("topic", msg.Topic), zap.Error(err))
				continue
			}
			a.logger.Debug("Published", zap.String("topic", msg.Topic))
		}
	}
}

func (a *AMQP) Run(ctx context.Context) error {
	go a.publishLoop(ctx)

	for {
		if err := retryConnect(ctx, a.clock, a.cfg.RetryInterval, a.logger, a.connect); err != nil {
			return nil
		}

		if err := a.consume(ctx); err != nil {
			a.logger.Warn("Connection to RabbitMQ lost, reconnecting", zap.Error(err))
			a.reset()
			continue
		}
		a.reset()
		a.logger.Info("RabbitMQ connection closed")
		return nil
	}
}

// consume delivers messages until ctx is done (nil) or the connection
// drops (non-nil).
func (a *AMQP) consume(ctx context.Context) error {
	s := a.current()
	if s == nil {
		return errNotConnected
	}
	msgs, closed := s.Deliveries(), s.Closed()

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.deliver(d.RoutingKey, d.Body)
		}
	}
}

func (a *AMQP) deliver(key string, body []byte) {
	topic := routingKey(key)
	handler, ok := a.handlers.get(topic)
	if !ok {
		a.logger.Debug("No handler for topic", zap.String("topic", topic))
		return
	}
	handler(topic, body)
}

func (a *AMQP) connect(ctx context.Context) error {
	a.logger.Info("Connecting to RabbitMQ", zap.String("url", a.cfg.redacted()))
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	return nil
}

func (a *AMQP) reset() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			a.logger.Debug("Error closing connection", zap.Error(err))
		}
	}
}

// rabbitSession is an amqpSession on a real broker connection.
type rabbitSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	msgs   <-chan amqp.Delivery
	closed chan *amqp.Error
}

func (a *AMQP) openRabbit(_ context.Context) (amqpSession, error) {
	broker := a.cfg.redacted()

	conn, err := a.dial(a.cfg.URL)
	if err != nil {
		return nil, &ConnectionError{Transport: "amqp", Broker: broker, Err: err}
	}
	fail := func(step string, err error) error {
		conn.Close()
		return &ConnectionError{Transport: "amqp", Broker: broker, Err: fmt.Errorf("%s: %w", step, err)}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fail("open channel", err)
	}

	// Server-named, exclusive and auto-deleted: delivery is at most once
	// and nothing is kept for a disconnected bridge.
	queue, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fail("declare queue", err)
	}

	s := &rabbitSession{conn: conn, ch: ch, queue: queue.Name}
	for _, topic := range a.handlers.topics() {
		if err := s.Bind(topic); err != nil {
			return nil, fail("bind "+topic, err)
		}
	}

	s.msgs, err = ch.Consume(
		queue.Name,        // queue
		a.cfg.ConsumerTag, // consumer tag
		true,              // auto-ack
		true,              // exclusive
		false,             // no-local
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		return nil, fail("register consumer", err)
	}
	s.closed = conn.NotifyClose(make(chan *amqp.Error, 1))

	a.logger.Info("Connected to RabbitMQ", zap.String("queue", queue.Name))
	return s, nil
}

func (s *rabbitSession) Bind(topic string) error {
	return s.ch.QueueBind(s.queue, routingKey(topic), topicExchange, false, nil)
}

func (s *rabbitSession) Publish(ctx context.Context, topic string, payload []byte, at time.Time) error {
	return s.ch.PublishWithContext(ctx, topicExchange, routingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Transient,
		Timestamp:    at,
	})
}

func (s *rabbitSession) Deliveries() <-chan amqp.Delivery {
	return s.msgs
}

func (s *rabbitSession) Closed() <-chan *amqp.Error {
	return s.closed
}

func (s *rabbitSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
