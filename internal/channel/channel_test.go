package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRetryConnect_RetriesUntilSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var attempts atomic.Int32
	connect := func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- retryConnect(context.Background(), clock, 5*time.Second, zaptest.NewLogger(t), connect)
	}()

	for i := 1; i <= 2; i++ {
		clock.BlockUntil(1)
		if got := attempts.Load(); got != int32(i) {
			t.Fatalf("expected %d attempts before waiting, got %d", i, got)
		}
		clock.Advance(5 * time.Second)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("retryConnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retryConnect did not return")
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestRetryConnect_StopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	connect := func(context.Context) error { return errors.New("connection refused") }

	done := make(chan error, 1)
	go func() {
		done <- retryConnect(ctx, clock, 5*time.Second, zaptest.NewLogger(t), connect)
	}()
	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retryConnect did not stop")
	}
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&ConnectionError{Transport: "mqtt", Broker: "tcp://localhost:1883", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("expected the cause to unwrap")
	}
	if err.Error() != "mqtt connection to tcp://localhost:1883: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestLoopback_DeliversInOrder(t *testing.T) {
	lb := NewLoopback(zaptest.NewLogger(t))
	got := make(chan string, 8)
	if err := lb.Subscribe("toggle_display", func(topic string, payload []byte) {
		got <- string(payload)
	}); err != nil {
		t.Fatal(err)
	}

	lb.Publish("toggle_display", []byte("1"))
	lb.Publish("motion_detection", []byte("ignored"))
	lb.Publish("toggle_display", []byte("2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lb.Run(ctx) }()

	for _, want := range []string{"1", "2"} {
		select {
		case p := <-got:
			if p != want {
				t.Fatalf("expected %s, got %s", want, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s not delivered", want)
		}
	}

	if n := len(lb.Published("motion_detection")); n != 1 {
		t.Fatalf("expected 1 recorded motion message, got %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
