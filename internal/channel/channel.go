// Package channel carries outbound events and inbound commands over a
// message broker.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler receives one inbound message. Handlers for a channel are never
// called concurrently.
type Handler func(topic string, payload []byte)

// Channel is a publish/subscribe connection to a broker.
type Channel interface {
	// Subscribe registers handler for topic. Subscriptions survive
	// reconnects.
	Subscribe(topic string, handler Handler) error
	// Publish sends payload at most once without waiting for the broker.
	// Failures are logged and the message is dropped.
	Publish(topic string, payload []byte)
	// Run connects and keeps the connection up until ctx is cancelled.
	Run(ctx context.Context) error
}

var errNotConnected = errors.New("not connected")

// ConnectionError reports a failed attempt to reach the broker.
type ConnectionError struct {
	Transport string
	Broker    string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection to %s: %v", e.Transport, e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// registry maps topics to handlers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func (r *registry) add(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[topic] = h
}

func (r *registry) get(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
