package bridge

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/channel"
	"github.com/r0bb10/motion-display-bridge/internal/config"
	"github.com/r0bb10/motion-display-bridge/internal/display"
	"github.com/r0bb10/motion-display-bridge/internal/identity"
	"github.com/r0bb10/motion-display-bridge/internal/logging"
	"github.com/r0bb10/motion-display-bridge/internal/sensor"
)

// Open builds a Bridge on the real hardware and broker described by cfg.
// A GPIO chip that cannot be opened is logged and the bridge runs without
// a sensor.
func Open(cfg config.Config, logger *zap.Logger) (*Bridge, error) {
	clock := clockwork.NewRealClock()

	deviceID := identity.NewProvider(cfg.Identity.File, cfg.Identity.Interface, logging.Component(logger, "identity")).Load()

	ch, err := NewChannel(cfg, deviceID, clock, logging.Component(logger, "channel"))
	if err != nil {
		return nil, err
	}

	var s sensor.Sensor
	gpio, err := sensor.OpenGPIO(sensor.GPIOConfig{
		Chip:      cfg.GPIO.Chip,
		Pin:       cfg.GPIO.Pin,
		ActiveLow: cfg.GPIO.ActiveLow,
		Pull:      cfg.GPIO.Pull,
		HoldOff:   cfg.Debounce(),
	}, clock, logging.Component(logger, "sensor"))
	if err != nil {
		logger.Error("Error opening GPIO chip", zap.Error(err))
		s = sensor.Unavailable{Err: err}
	} else {
		s = gpio
	}

	return New(cfg, Deps{
		DeviceID: deviceID,
		Display:  display.NewTool(cfg.Display.Tool, cfg.CommandTimeout(), logging.Component(logger, "display")),
		Sensor:   s,
		Channel:  ch,
		Clock:    clock,
	}, logger), nil
}

// NewChannel returns the channel for cfg.Broker.Transport.
func NewChannel(cfg config.Config, deviceID string, clock clockwork.Clock, logger *zap.Logger) (channel.Channel, error) {
	switch cfg.Broker.Transport {
	case config.TransportMQTT:
		return channel.NewMQTT(channel.MQTTConfig{
			Host:              cfg.Broker.Host,
			Port:              cfg.Broker.Port,
			ClientID:          clientID(cfg.Broker.ClientID, deviceID),
			User:              cfg.Broker.User,
			Password:          cfg.Broker.Password,
			KeepAlive:         cfg.KeepAlive(),
			RetryInterval:     cfg.RetryInterval(),
			AvailabilityTopic: cfg.Topics.Availability,
		}, clock, logger), nil
	case config.TransportAMQP:
		return channel.NewAMQP(channel.AMQPConfig{
			URL:           cfg.Broker.AMQPURL,
			ConsumerTag:   clientID(cfg.Broker.ClientID, deviceID),
			RetryInterval: cfg.RetryInterval(),
		}, clock, logger), nil
	case config.TransportLoopback:
		return channel.NewLoopback(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Broker.Transport)
	}
}

// clientID keeps broker client ids unique per unit unless one is
// configured.
func clientID(configured, deviceID string) string {
	if configured != "" {
		return configured
	}
	if len(deviceID) > 8 {
		deviceID = deviceID[:8]
	}
	return "motion-display-" + deviceID
}
