package motion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"github.com/r0bb10/motion-display-bridge/internal/debounce"
	"github.com/r0bb10/motion-display-bridge/internal/display"
	"github.com/r0bb10/motion-display-bridge/internal/sensor"
)

const testDelay = 60 * time.Second

type recordingPublisher struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *recordingPublisher) Publish(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, payload)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *recordingPublisher) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

type harness struct {
	clock   clockwork.FakeClock
	display *display.Fake
	sensor  *sensor.Fake
	pub     *recordingPublisher
	timer   *debounce.Timer
	reactor *Reactor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Delay == 0 {
		cfg.Delay = testDelay
	}
	if cfg.MotionTopic == "" {
		cfg.MotionTopic = "motion_detection"
	}
	if cfg.Status == "" {
		cfg.Status = "on"
	}
	h := &harness{
		clock:   clockwork.NewFakeClock(),
		display: display.NewFake(display.StateOff),
		sensor:  sensor.NewFake(),
		pub:     &recordingPublisher{},
	}
	h.timer = debounce.New(h.clock)
	h.reactor = New(cfg, h.display, h.sensor, h.pub, h.timer, zaptest.NewLogger(t))
	if err := h.reactor.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.reactor.Close() })
	return h
}

func (h *harness) expectEvent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.display.Events():
		if got != want {
			t.Fatalf("expected display %s, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected display %s, got nothing", want)
	}
}

func (h *harness) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.display.Events():
		t.Fatalf("unexpected display %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPulseTurnsOnThenOffAfterDelay(t *testing.T) {
	h := newHarness(t, Config{DeviceID: "X"})

	if !h.sensor.Trigger() {
		t.Fatal("sensor should be attached after Start")
	}
	h.expectEvent(t, "on")

	h.clock.Advance(testDelay - time.Second)
	h.expectNoEvent(t)
	h.clock.Advance(time.Second)
	h.expectEvent(t, "off")

	ons, offs := h.display.Counts()
	if ons != 1 || offs != 1 {
		t.Fatalf("expected one on and one off, got %d and %d", ons, offs)
	}
}

func TestStartArmsInitialTimer(t *testing.T) {
	h := newHarness(t, Config{})
	h.display.Set(display.StateOn)

	h.clock.Advance(testDelay)
	h.expectEvent(t, "off")
}

func TestRapidPulsesFireOnceAfterLast(t *testing.T) {
	h := newHarness(t, Config{DeviceID: "X"})

	for i := 0; i < 5; i++ {
		h.sensor.Trigger()
		h.clock.Advance(30 * time.Second)
	}
	h.expectEvent(t, "on")

	// The last pulse was 30s ago.
	h.clock.Advance(testDelay - 30*time.Second - time.Second)
	h.expectNoEvent(t)
	h.clock.Advance(time.Second)
	h.expectEvent(t, "off")
	h.clock.Advance(10 * testDelay)
	h.expectNoEvent(t)

	ons, offs := h.display.Counts()
	if ons != 1 || offs != 1 {
		t.Fatalf("expected a single on and a single off, got %d and %d", ons, offs)
	}
	if h.pub.count() != 5 {
		t.Fatalf("expected one event per pulse, got %d", h.pub.count())
	}
}

func TestQueryFailureAssumesNeedsOn(t *testing.T) {
	h := newHarness(t, Config{})
	h.display.Set(display.StateOn)
	h.display.FailQueries(&display.HardwareQueryError{Tool: "vcgencmd", Err: errors.New("exit status 255")})

	h.sensor.Trigger()
	h.expectEvent(t, "on")
	if !h.timer.Pending() {
		t.Fatal("timer should be armed after the pulse")
	}
}

func TestDisabledSensorIgnoresPulses(t *testing.T) {
	h := newHarness(t, Config{DeviceID: "X"})
	h.timer.Cancel()

	if err := h.reactor.SetSensorEnabled(false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if h.sensor.Attached() {
		t.Fatal("disabling should detach the sensor")
	}

	// A straggler already past the sensor still has no effect.
	h.reactor.OnMotion()
	if h.display.Queries() != 0 || h.pub.count() != 0 || h.timer.Pending() {
		t.Fatal("disabled reactor must not query, publish or arm")
	}
	h.expectNoEvent(t)

	if err := h.reactor.SetSensorEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !h.sensor.Trigger() {
		t.Fatal("enabling should reattach the sensor")
	}
	h.expectEvent(t, "on")
	if h.pub.count() != 1 || !h.timer.Pending() {
		t.Fatal("pulse after re-enable should publish and arm")
	}
}

func TestDisablingKeepsPendingTimer(t *testing.T) {
	h := newHarness(t, Config{})
	h.sensor.Trigger()
	h.expectEvent(t, "on")

	if err := h.reactor.SetSensorEnabled(false); err != nil {
		t.Fatal(err)
	}
	if !h.timer.Pending() {
		t.Fatal("disabling must not cancel the pending auto-off")
	}
	h.clock.Advance(testDelay)
	h.expectEvent(t, "off")
}

func TestSetSensorEnabledAttachFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.reactor.SetSensorEnabled(false)
	h.sensor.FailAttach(errors.New("device or resource busy"))

	if err := h.reactor.SetSensorEnabled(true); err == nil {
		t.Fatal("expected an attach error")
	}
	if h.reactor.SensorEnabled() {
		t.Fatal("sensor should stay disabled when attach fails")
	}

	h.sensor.FailAttach(nil)
	if err := h.reactor.SetSensorEnabled(true); err != nil {
		t.Fatalf("retry enable: %v", err)
	}
}

func TestPublishedEvent(t *testing.T) {
	h := newHarness(t, Config{DeviceID: "X"})

	h.sensor.Trigger()
	var evt map[string]string
	if err := json.Unmarshal(h.pub.last(), &evt); err != nil {
		t.Fatalf("event is not JSON: %v", err)
	}
	if evt["device_id"] != "X" || evt["status"] != "on" {
		t.Fatalf("unexpected event %v", evt)
	}
	if _, ok := evt["_user"]; ok {
		t.Fatal("_user should be omitted without a binding")
	}

	h.reactor.Bind(Binding{User: "alice", DeviceID: "X"})
	h.sensor.Trigger()
	if err := json.Unmarshal(h.pub.last(), &evt); err != nil {
		t.Fatal(err)
	}
	if evt["_user"] != "alice" {
		t.Fatalf("expected the bound user, got %v", evt)
	}
}

func TestPublishedEventTextFormat(t *testing.T) {
	h := newHarness(t, Config{DeviceID: "X", Format: FormatText, Status: "Motion Detected"})
	h.sensor.Trigger()
	if got := string(h.pub.last()); got != "Motion Detected" {
		t.Fatalf("unexpected text payload %q", got)
	}
}

func TestNoIdentityNoPublish(t *testing.T) {
	h := newHarness(t, Config{})
	h.sensor.Trigger()
	h.expectEvent(t, "on")
	if h.pub.count() != 0 {
		t.Fatal("nothing should be published without a device id")
	}
}

func TestForceOnOff(t *testing.T) {
	h := newHarness(t, Config{})

	h.reactor.ForceOff()
	h.expectEvent(t, "off")
	if h.timer.Pending() {
		t.Fatal("ForceOff should cancel the auto-off")
	}
	h.clock.Advance(testDelay)
	h.expectNoEvent(t)

	h.reactor.ForceOn()
	h.expectEvent(t, "on")
	if !h.timer.Pending() {
		t.Fatal("ForceOn should arm the auto-off")
	}
	h.clock.Advance(testDelay)
	h.expectEvent(t, "off")
}

func TestBinding(t *testing.T) {
	h := newHarness(t, Config{})
	if _, ok := h.reactor.Binding(); ok {
		t.Fatal("no binding expected before Bind")
	}
	h.reactor.Bind(Binding{User: "alice", DeviceID: "Y"})
	b, ok := h.reactor.Binding()
	if !ok || b != (Binding{User: "alice", DeviceID: "Y"}) {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestStartAttachFailure(t *testing.T) {
	s := sensor.NewFake()
	s.FailAttach(errors.New("no such device"))
	r := New(Config{Delay: testDelay}, display.NewFake(display.StateOff), s, nil, debounce.New(clockwork.NewFakeClock()), zaptest.NewLogger(t))
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if r.SensorEnabled() {
		t.Fatal("sensor should be reported disabled after a failed attach")
	}

	s.FailAttach(nil)
	if err := r.SetSensorEnabled(true); err != nil {
		t.Fatalf("SetSensorEnabled: %v", err)
	}
	if !r.SensorEnabled() || !s.Attached() {
		t.Fatal("a later enable should retry the attach")
	}
	r.Close()
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.reactor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.reactor.ForceOn()
	h.expectEvent(t, "on")
	if h.timer.Pending() {
		t.Fatal("no auto-off should be armed after Close")
	}
	h.clock.Advance(testDelay)
	h.expectNoEvent(t)
}
