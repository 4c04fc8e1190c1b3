// Package bridge wires the motion sensor, the display and the broker
// channel into one service.
package bridge

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/channel"
	"github.com/r0bb10/motion-display-bridge/internal/command"
	"github.com/r0bb10/motion-display-bridge/internal/config"
	"github.com/r0bb10/motion-display-bridge/internal/debounce"
	"github.com/r0bb10/motion-display-bridge/internal/display"
	"github.com/r0bb10/motion-display-bridge/internal/logging"
	"github.com/r0bb10/motion-display-bridge/internal/metrics"
	"github.com/r0bb10/motion-display-bridge/internal/motion"
	"github.com/r0bb10/motion-display-bridge/internal/sensor"
)

// Deps are the external collaborators of a Bridge.
type Deps struct {
	DeviceID string
	Display  display.Controller
	Sensor   sensor.Sensor
	Channel  channel.Channel
	Clock    clockwork.Clock
}

// Bridge is the running service.
type Bridge struct {
	cfg        config.Config
	deps       Deps
	logger     *zap.Logger
	reactor    *motion.Reactor
	dispatcher *command.Dispatcher
}

// New builds the reactor and dispatcher around deps.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	reactor := motion.New(motion.Config{
		Delay:       cfg.DisplayDelay(),
		MotionTopic: cfg.Topics.Motion,
		Format:      cfg.Publish.Format,
		Status:      cfg.Publish.Status,
		DeviceID:    deps.DeviceID,
	}, deps.Display, deps.Sensor, deps.Channel, debounce.New(deps.Clock), logging.Component(logger, "motion"))

	dispatcher := command.New(command.Topics{
		SensorToggle:  cfg.Topics.SensorToggle,
		DisplayToggle: cfg.Topics.DisplayToggle,
		Binding:       cfg.Topics.Binding,
	}, deps.DeviceID, reactor, logging.Component(logger, "command"))

	return &Bridge{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		reactor:    reactor,
		dispatcher: dispatcher,
	}
}

// Reactor exposes the motion reactor, mainly for tests.
func (b *Bridge) Reactor() *motion.Reactor {
	return b.reactor
}

// Run serves until ctx is cancelled. Only a failure to register the
// command subscriptions is returned; hardware and broker problems are
// logged and retried.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.dispatcher.Register(b.deps.Channel); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if b.cfg.Metrics.Listen != "" {
		metrics.Init()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, b.cfg.Metrics.Listen, logging.Component(b.logger, "metrics")); err != nil {
				b.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.deps.Channel.Run(ctx); err != nil {
			b.logger.Error("Channel stopped", zap.Error(err))
		}
	}()

	if err := b.reactor.Start(ctx); err != nil {
		b.logger.Error("Motion sensor unavailable, serving remote commands only", zap.Error(err))
	}
	b.logger.Info("Bridge running", zap.String("device_id", b.deps.DeviceID))

	<-ctx.Done()
	b.logger.Info("Shutting down")

	if err := b.reactor.Close(); err != nil {
		b.logger.Error("Error stopping motion reactor", zap.Error(err))
	}
	wg.Wait()
	if err := b.deps.Sensor.Close(); err != nil {
		b.logger.Error("Error closing motion sensor", zap.Error(err))
	}
	return nil
}
