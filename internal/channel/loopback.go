package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/metrics"
)

const loopbackQueueSize = 256

// Message is a published topic and payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Loopback is an in-process broker. Published messages are recorded and
// delivered to the handler for their topic from Run's goroutine.
type Loopback struct {
	logger   *zap.Logger
	handlers registry
	queue    chan Message

	mu        sync.Mutex
	published []Message
}

// NewLoopback creates an empty in-process broker.
func NewLoopback(logger *zap.Logger) *Loopback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{
		logger: logger,
		queue:  make(chan Message, loopbackQueueSize),
	}
}

func (l *Loopback) Subscribe(topic string, handler Handler) error {
	l.handlers.add(topic, handler)
	return nil
}

func (l *Loopback) Publish(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	l.mu.Lock()
	l.published = append(l.published, msg)
	l.mu.Unlock()

	select {
	case l.queue <- msg:
		metrics.ObservePublish(nil)
	default:
		metrics.ObservePublish(errors.New("queue full"))
		l.logger.Warn("Dropping message, loopback queue full", zap.String("topic", topic))
	}
}

func (l *Loopback) Run(ctx context.Context) error {
	metrics.ObserveBrokerConnect(nil)
	l.logger.Info("Loopback channel running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-l.queue:
			if handler, ok := l.handlers.get(msg.Topic); ok {
				handler(msg.Topic, msg.Payload)
			}
		}
	}
}

// Published returns every message published on topic so far.
func (l *Loopback) Published(topic string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
