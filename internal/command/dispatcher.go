// Package command interprets inbound remote commands.
package command

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/channel"
	"github.com/r0bb10/motion-display-bridge/internal/metrics"
	"github.com/r0bb10/motion-display-bridge/internal/motion"
)

const (
	statusOn  = "on"
	statusOff = "off"

	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

// MalformedMessageError reports an inbound message that is not valid JSON
// or lacks the fields its topic requires.
type MalformedMessageError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message on %s: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message on %s: %s", e.Topic, e.Reason)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// Reactor is the state the dispatcher mutates.
type Reactor interface {
	SetSensorEnabled(enabled bool) error
	Bind(b motion.Binding)
	Binding() (motion.Binding, bool)
	ForceOn()
	ForceOff()
}

// Subscriber is the inbound side of a channel.
type Subscriber interface {
	Subscribe(topic string, handler channel.Handler) error
}

// Topics names the command topics. SensorToggle and DisplayToggle may be
// the same topic.
type Topics struct {
	SensorToggle  string
	DisplayToggle string
	Binding       string
}

// message holds every field any command uses. Pointers tell a missing
// field from an empty one.
type message struct {
	DeviceID      *string `json:"device_id"`
	Status        *string `json:"status"`
	User          *string `json:"_user"`
	BoundDeviceID *string `json:"deviceId"`
}

// Dispatcher routes inbound messages to the reactor.
type Dispatcher struct {
	topics   Topics
	deviceID string
	reactor  Reactor
	logger   *zap.Logger
}

// New creates a dispatcher for the unit identified by deviceID.
func New(topics Topics, deviceID string, reactor Reactor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		topics:   topics,
		deviceID: deviceID,
		reactor:  reactor,
		logger:   logger,
	}
}

// Register subscribes the dispatcher to every configured command topic.
func (d *Dispatcher) Register(sub Subscriber) error {
	seen := make(map[string]bool)
	for _, topic := range []string{d.topics.SensorToggle, d.topics.DisplayToggle, d.topics.Binding} {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		if err := sub.Subscribe(topic, d.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Handle processes one inbound message. It never panics on bad input;
// problems are logged and the message is dropped.
func (d *Dispatcher) Handle(topic string, payload []byte) {
	outcome, err := d.handle(topic, payload)
	metrics.IncInbound(topic, outcome)
	if err == nil {
		return
	}
	if outcome == outcomeMalformed {
		d.logger.Warn("Discarding message", zap.String("topic", topic), zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	d.logger.Error("Error handling message", zap.String("topic", topic), zap.Error(err))
}

func (d *Dispatcher) handle(topic string, payload []byte) (string, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return outcomeMalformed, &MalformedMessageError{Topic: topic, Reason: "invalid JSON", Err: err}
	}

	switch {
	case topic == d.topics.Binding:
		return d.bind(topic, msg)
	case topic == d.topics.DisplayToggle && (topic != d.topics.SensorToggle || msg.DeviceID != nil):
		return d.displayCommand(topic, msg)
	case topic == d.topics.SensorToggle:
		return d.sensorToggle(topic, msg)
	default:
		return outcomeIgnored, nil
	}
}

func (d *Dispatcher) bind(topic string, msg message) (string, error) {
	if msg.User == nil || *msg.User == "" || msg.BoundDeviceID == nil || *msg.BoundDeviceID == "" {
		return outcomeMalformed, &MalformedMessageError{Topic: topic, Reason: "_user and deviceId are required"}
	}
	d.reactor.Bind(motion.Binding{User: *msg.User, DeviceID: *msg.BoundDeviceID})
	return outcomeApplied, nil
}

func (d *Dispatcher) displayCommand(topic string, msg message) (string, error) {
	if msg.DeviceID == nil {
		return outcomeMalformed, &MalformedMessageError{Topic: topic, Reason: "device_id is required"}
	}
	on, err := parseStatus(topic, msg)
	if err != nil {
		return outcomeMalformed, err
	}
	if !d.matches(msg) {
		d.logger.Debug("Ignoring display command for another device", zap.String("device_id", *msg.DeviceID))
		return outcomeIgnored, nil
	}

	if on {
		d.logger.Info("Remote display on")
		d.reactor.ForceOn()
	} else {
		d.logger.Info("Remote display off")
		d.reactor.ForceOff()
	}
	return outcomeApplied, nil
}

func (d *Dispatcher) sensorToggle(topic string, msg message) (string, error) {
	on, err := parseStatus(topic, msg)
	if err != nil {
		return outcomeMalformed, err
	}
	if msg.DeviceID != nil && !d.matches(msg) {
		d.logger.Debug("Ignoring sensor toggle for another device", zap.String("device_id", *msg.DeviceID))
		return outcomeIgnored, nil
	}
	if err := d.reactor.SetSensorEnabled(on); err != nil {
		return outcomeError, err
	}
	return outcomeApplied, nil
}

func parseStatus(topic string, msg message) (bool, error) {
	if msg.Status == nil {
		return false, &MalformedMessageError{Topic: topic, Reason: "status is required"}
	}
	switch *msg.Status {
	case statusOn:
		return true, nil
	case statusOff:
		return false, nil
	default:
		return false, &MalformedMessageError{Topic: topic, Reason: fmt.Sprintf("unknown status %q", *msg.Status)}
	}
}

// matches reports whether a message carrying device_id is addressed to
// this unit: the local id, or the bound device id once bound. A bound
// unit also requires a matching _user when the message carries one.
func (d *Dispatcher) matches(msg message) bool {
	id := *msg.DeviceID
	if id == "" {
		return false
	}
	b, bound := d.reactor.Binding()
	if bound && msg.User != nil && *msg.User != b.User {
		return false
	}
	return id == d.deviceID || (bound && id == b.DeviceID)
}
