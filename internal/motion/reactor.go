// Package motion turns PIR pulses into display power decisions.
package motion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/debounce"
	"github.com/r0bb10/motion-display-bridge/internal/display"
	"github.com/r0bb10/motion-display-bridge/internal/metrics"
	"github.com/r0bb10/motion-display-bridge/internal/sensor"
)

// Payload formats for the motion event.
const (
	FormatJSON = "json"
	// FormatText publishes the bare status string.
	FormatText = "text"
)

// Publisher is the outbound side of a channel.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Binding pairs a remote user with the device id it controls.
type Binding struct {
	User     string
	DeviceID string
}

// Config holds the reactor settings.
type Config struct {
	// Delay is how long the display stays on after the last pulse.
	Delay       time.Duration
	MotionTopic string
	// Format is FormatJSON or FormatText.
	Format   string
	Status   string
	DeviceID string
}

// Event is published on the motion topic for every handled pulse.
type Event struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	User     string `json:"_user,omitempty"`
}

// Reactor owns the sensor-enabled flag, the remote binding and the
// auto-off timer.
type Reactor struct {
	cfg       Config
	display   display.Controller
	sensor    sensor.Sensor
	publisher Publisher
	timer     *debounce.Timer
	logger    *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	enabled bool
	closed  bool
	binding *Binding
}

// New creates a reactor with the sensor enabled. Nothing is attached or
// armed until Start.
func New(cfg Config, ctrl display.Controller, s sensor.Sensor, pub Publisher, timer *debounce.Timer, logger *zap.Logger) *Reactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{
		cfg:       cfg,
		display:   ctrl,
		sensor:    s,
		publisher: pub,
		timer:     timer,
		logger:    logger,
		ctx:       context.Background(),
		enabled:   true,
	}
}

// Start attaches the sensor and arms the auto-off timer, so a display
// that nobody walks past still blanks after the delay. ctx bounds the
// display commands issued by the reactor.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	enabled := r.enabled
	r.mu.Unlock()

	r.armAutoOff()
	if !enabled {
		metrics.SetSensorEnabled(false)
		return nil
	}
	if err := r.sensor.Attach(r.OnMotion); err != nil {
		r.mu.Lock()
		r.enabled = false
		r.mu.Unlock()
		metrics.SetSensorEnabled(false)
		return fmt.Errorf("attach motion sensor: %w", err)
	}
	metrics.SetSensorEnabled(true)
	r.logger.Info("Motion reactor started", zap.Duration("delay", r.cfg.Delay))
	return nil
}

// Close cancels the timer and detaches the sensor. The timer is not armed
// again after Close.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.timer.Cancel()
	if err := r.sensor.Detach(); err != nil {
		return fmt.Errorf("detach motion sensor: %w", err)
	}
	return nil
}

// OnMotion handles one pulse from the sensor.
func (r *Reactor) OnMotion() {
	r.mu.Lock()
	enabled := r.enabled
	ctx := r.ctx
	var user string
	if r.binding != nil {
		user = r.binding.User
	}
	r.mu.Unlock()

	if !enabled {
		metrics.IncMotionPulse("ignored")
		r.logger.Debug("Motion ignored, sensor disabled")
		return
	}
	metrics.IncMotionPulse("handled")
	r.logger.Info("Motion detected")

	state, err := r.display.State(ctx)
	if err != nil {
		r.logger.Warn("Display state unknown, turning on", zap.Error(err))
	}
	if err != nil || state != display.StateOn {
		r.display.TurnOn(ctx)
	}

	r.publish(user)
	r.armAutoOff()
}

func (r *Reactor) publish(user string) {
	if r.cfg.DeviceID == "" || r.publisher == nil {
		return
	}
	payload, err := r.encode(Event{DeviceID: r.cfg.DeviceID, Status: r.cfg.Status, User: user})
	if err != nil {
		r.logger.Error("Error encoding motion event", zap.Error(err))
		return
	}
	r.publisher.Publish(r.cfg.MotionTopic, payload)
}

func (r *Reactor) encode(evt Event) ([]byte, error) {
	if r.cfg.Format == FormatText {
		return []byte(evt.Status), nil
	}
	return json.Marshal(evt)
}

func (r *Reactor) armAutoOff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timer.Arm(r.cfg.Delay, r.autoOff)
}

func (r *Reactor) autoOff() {
	metrics.IncTimerFire()
	r.logger.Info("No motion, turning display off", zap.Duration("delay", r.cfg.Delay))

	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	r.display.TurnOff(ctx)
}

// SetSensorEnabled attaches or detaches the sensor. A pending auto-off is
// left alone either way.
func (r *Reactor) SetSensorEnabled(enabled bool) error {
	r.mu.Lock()
	if r.enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	r.enabled = enabled
	r.mu.Unlock()

	if !enabled {
		metrics.SetSensorEnabled(false)
		r.logger.Info("Motion sensor disabled")
		if err := r.sensor.Detach(); err != nil {
			return fmt.Errorf("detach motion sensor: %w", err)
		}
		return nil
	}

	if err := r.sensor.Attach(r.OnMotion); err != nil {
		r.mu.Lock()
		r.enabled = false
		r.mu.Unlock()
		return fmt.Errorf("attach motion sensor: %w", err)
	}
	metrics.SetSensorEnabled(true)
	r.logger.Info("Motion sensor enabled")
	return nil
}

// SensorEnabled reports whether motion pulses are being handled.
func (r *Reactor) SensorEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Bind records the remote user allowed to control this display.
func (r *Reactor) Bind(b Binding) {
	r.mu.Lock()
	r.binding = &b
	r.mu.Unlock()
	r.logger.Info("Device bound", zap.String("user", b.User), zap.String("device_id", b.DeviceID))
}

// Binding returns the current binding, if any.
func (r *Reactor) Binding() (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.binding == nil {
		return Binding{}, false
	}
	return *r.binding, true
}

// ForceOn turns the display on and restarts the auto-off delay.
func (r *Reactor) ForceOn() {
	r.armAutoOff()
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	r.display.TurnOn(ctx)
}

// ForceOff cancels the auto-off and turns the display off now.
func (r *Reactor) ForceOff() {
	r.timer.Cancel()
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	r.display.TurnOff(ctx)
}
