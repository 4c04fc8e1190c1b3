package sensor

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gpiod "github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap"
)

// GPIOConfig describes the input line the PIR sensor is wired to.
type GPIOConfig struct {
	Chip      string
	Pin       int
	ActiveLow bool
	// Pull is "up", "down" or empty for no bias.
	Pull string
	// HoldOff drops pulses closer together than this to the previous one.
	HoldOff time.Duration
}

type requestFunc func(offset int, opts ...gpiod.LineReqOption) (io.Closer, error)

// GPIO reports rising edges on a GPIO line as motion pulses.
type GPIO struct {
	cfg     GPIOConfig
	clock   clockwork.Clock
	logger  *zap.Logger
	chip    io.Closer
	request requestFunc

	mu        sync.Mutex
	line      io.Closer
	handler   func()
	lastPulse time.Time
}

// OpenGPIO opens the chip. No line is requested until Attach.
func OpenGPIO(cfg GPIOConfig, clock clockwork.Clock, logger *zap.Logger) (*GPIO, error) {
	chip, err := gpiod.NewChip(cfg.Chip, gpiod.WithConsumer("motion-display-bridge"))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", cfg.Chip, err)
	}
	g := newGPIO(cfg, clock, logger)
	g.chip = chip
	g.request = func(offset int, opts ...gpiod.LineReqOption) (io.Closer, error) {
		return chip.RequestLine(offset, opts...)
	}
	return g, nil
}

func newGPIO(cfg GPIOConfig, clock clockwork.Clock, logger *zap.Logger) *GPIO {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPIO{cfg: cfg, clock: clock, logger: logger}
}

func (g *GPIO) options() []gpiod.LineReqOption {
	opts := []gpiod.LineReqOption{
		gpiod.AsInput,
		gpiod.WithRisingEdge,
		gpiod.WithEventHandler(g.handleEvent),
	}
	if g.cfg.ActiveLow {
		opts = append(opts, gpiod.AsActiveLow)
	}
	switch g.cfg.Pull {
	case "up":
		opts = append(opts, gpiod.WithPullUp)
	case "down":
		opts = append(opts, gpiod.WithPullDown)
	}
	return opts
}

// Attach requests the line with edge detection. Attaching while attached
// only swaps the handler.
func (g *GPIO) Attach(handler func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.handler = handler
	if g.line != nil {
		return nil
	}

	opts := g.options()
	if g.cfg.HoldOff > 0 {
		// Kernel debounce is not available on every chip; the software
		// hold-off in handleEvent covers those.
		line, err := g.request(g.cfg.Pin, append(opts, gpiod.WithDebounce(g.cfg.HoldOff))...)
		if err == nil {
			g.line = line
			g.logger.Info("Motion sensor attached", zap.Int("pin", g.cfg.Pin), zap.Duration("debounce", g.cfg.HoldOff))
			return nil
		}
		g.logger.Debug("Kernel debounce unavailable, using software hold-off only", zap.Error(err))
	}

	line, err := g.request(g.cfg.Pin, opts...)
	if err != nil {
		g.handler = nil
		return fmt.Errorf("request input pin %d: %w", g.cfg.Pin, err)
	}
	g.line = line
	g.logger.Info("Motion sensor attached", zap.Int("pin", g.cfg.Pin))
	return nil
}

// Detach releases the line. It is a no-op when not attached.
func (g *GPIO) Detach() error {
	g.mu.Lock()
	line := g.line
	g.line, g.handler = nil, nil
	g.mu.Unlock()

	if line == nil {
		return nil
	}
	// Closing waits for an in-flight handleEvent, which takes g.mu.
	if err := line.Close(); err != nil {
		return fmt.Errorf("close input pin %d: %w", g.cfg.Pin, err)
	}
	g.logger.Info("Motion sensor detached", zap.Int("pin", g.cfg.Pin))
	return nil
}

// Close detaches and closes the chip.
func (g *GPIO) Close() error {
	err := g.Detach()
	if g.chip != nil {
		if cerr := g.chip.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close chip: %w", cerr)
		}
		g.chip = nil
	}
	return err
}

func (g *GPIO) handleEvent(evt gpiod.LineEvent) {
	if evt.Type != gpiod.LineEventRisingEdge {
		return
	}

	g.mu.Lock()
	handler := g.handler
	now := g.clock.Now()
	if handler == nil || !isStableStateChange(now, g.lastPulse, g.cfg.HoldOff) {
		g.mu.Unlock()
		return
	}
	g.lastPulse = now
	g.mu.Unlock()

	g.logger.Debug("Motion pulse", zap.Int("pin", g.cfg.Pin))
	handler()
}

// isStableStateChange reports whether enough time has passed since the
// last accepted pulse.
func isStableStateChange(now, last time.Time, holdOff time.Duration) bool {
	return now.Sub(last) >= holdOff
}
