package sensor

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	gpiod "github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap/zaptest"
)

type fakeLine struct {
	closed bool
}

func (l *fakeLine) Close() error {
	l.closed = true
	return nil
}

type fakeChip struct {
	requests   int
	lines      []*fakeLine
	rejectOpts int
}

func (c *fakeChip) request(offset int, opts ...gpiod.LineReqOption) (io.Closer, error) {
	c.requests++
	if c.rejectOpts > 0 && len(opts) >= c.rejectOpts {
		return nil, errors.New("invalid argument")
	}
	l := &fakeLine{}
	c.lines = append(c.lines, l)
	return l, nil
}

func newTestGPIO(t *testing.T, cfg GPIOConfig, clock clockwork.Clock) (*GPIO, *fakeChip) {
	chip := &fakeChip{}
	g := newGPIO(cfg, clock, zaptest.NewLogger(t))
	g.request = chip.request
	return g, chip
}

func rising() gpiod.LineEvent {
	return gpiod.LineEvent{Type: gpiod.LineEventRisingEdge}
}

func TestGPIOAttachDetachReattach(t *testing.T) {
	g, chip := newTestGPIO(t, GPIOConfig{Chip: "gpiochip0", Pin: 4}, clockwork.NewFakeClock())
	var pulses atomic.Int32

	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if chip.requests != 1 {
		t.Fatalf("attaching twice should request the line once, got %d", chip.requests)
	}

	g.handleEvent(rising())
	if pulses.Load() != 1 {
		t.Fatalf("expected 1 pulse, got %d", pulses.Load())
	}

	if err := g.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !chip.lines[0].closed {
		t.Fatal("detach should release the line")
	}
	g.handleEvent(rising())
	if pulses.Load() != 1 {
		t.Fatal("pulse delivered after detach")
	}
	if err := g.Detach(); err != nil {
		t.Fatalf("Detach when idle: %v", err)
	}

	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if chip.requests != 2 {
		t.Fatalf("reattach should request the line again, got %d requests", chip.requests)
	}
	g.handleEvent(rising())
	if pulses.Load() != 2 {
		t.Fatalf("expected 2 pulses, got %d", pulses.Load())
	}
}

// watcherLine delivers events from its own goroutine and, like the kernel
// line watcher, waits for that goroutine to finish in Close. An edge
// arrives while the line is being closed.
type watcherLine struct {
	events chan gpiod.LineEvent
	done   chan struct{}
}

func newWatcherLine(handle func(gpiod.LineEvent)) *watcherLine {
	l := &watcherLine{events: make(chan gpiod.LineEvent), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for evt := range l.events {
			handle(evt)
		}
	}()
	return l
}

func (l *watcherLine) Close() error {
	l.events <- rising()
	close(l.events)
	<-l.done
	return nil
}

func TestGPIODetachWithEdgeInFlight(t *testing.T) {
	g := newGPIO(GPIOConfig{Pin: 4}, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	g.request = func(int, ...gpiod.LineReqOption) (io.Closer, error) {
		return newWatcherLine(g.handleEvent), nil
	}
	var pulses atomic.Int32
	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatal(err)
	}

	detached := make(chan error, 1)
	go func() { detached <- g.Detach() }()
	select {
	case err := <-detached:
		if err != nil {
			t.Fatalf("Detach: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Detach did not return while an edge was being handled")
	}
	if pulses.Load() != 0 {
		t.Fatal("edge during detach should not reach the handler")
	}
}

func TestGPIOIgnoresFallingEdges(t *testing.T) {
	g, _ := newTestGPIO(t, GPIOConfig{Pin: 4}, clockwork.NewFakeClock())
	var pulses atomic.Int32
	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatal(err)
	}
	g.handleEvent(gpiod.LineEvent{Type: gpiod.LineEventFallingEdge})
	if pulses.Load() != 0 {
		t.Fatal("falling edge should not be a pulse")
	}
}

func TestGPIOHoldOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, _ := newTestGPIO(t, GPIOConfig{Pin: 4, HoldOff: 200 * time.Millisecond}, clock)
	var pulses atomic.Int32
	if err := g.Attach(func() { pulses.Add(1) }); err != nil {
		t.Fatal(err)
	}

	g.handleEvent(rising())
	clock.Advance(50 * time.Millisecond)
	g.handleEvent(rising())
	clock.Advance(149 * time.Millisecond)
	g.handleEvent(rising())
	if pulses.Load() != 1 {
		t.Fatalf("chatter inside the hold-off should be dropped, got %d pulses", pulses.Load())
	}

	clock.Advance(time.Millisecond)
	g.handleEvent(rising())
	if pulses.Load() != 2 {
		t.Fatalf("expected a second pulse after the hold-off, got %d", pulses.Load())
	}
}

func TestGPIOFallsBackWithoutKernelDebounce(t *testing.T) {
	g, chip := newTestGPIO(t, GPIOConfig{Pin: 4, HoldOff: 100 * time.Millisecond}, clockwork.NewFakeClock())
	chip.rejectOpts = len(g.options()) + 1

	if err := g.Attach(func() {}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if chip.requests != 2 || len(chip.lines) != 1 {
		t.Fatalf("expected a retry without debounce, got %d requests", chip.requests)
	}
}

func TestGPIOAttachFailure(t *testing.T) {
	g := newGPIO(GPIOConfig{Pin: 4}, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	g.request = func(int, ...gpiod.LineReqOption) (io.Closer, error) {
		return nil, errors.New("device or resource busy")
	}
	if err := g.Attach(func() {}); err == nil {
		t.Fatal("expected an error")
	}
	g.handleEvent(rising())
}

func TestFakeSensor(t *testing.T) {
	f := NewFake()
	if f.Trigger() {
		t.Fatal("trigger without a handler should report false")
	}
	var pulses int
	if err := f.Attach(func() { pulses++ }); err != nil {
		t.Fatal(err)
	}
	f.Trigger()
	if err := f.Detach(); err != nil {
		t.Fatal(err)
	}
	f.Trigger()
	if pulses != 1 {
		t.Fatalf("expected 1 pulse, got %d", pulses)
	}
	if a, d := f.Counts(); a != 1 || d != 1 {
		t.Fatalf("expected 1 attach and 1 detach, got %d and %d", a, d)
	}
}
