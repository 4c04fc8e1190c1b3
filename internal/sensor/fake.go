package sensor

import "sync"

// Fake is a Sensor driven by Trigger.
type Fake struct {
	mu        sync.Mutex
	handler   func()
	attaches  int
	detaches  int
	attachErr error
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Attach(handler func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.handler = handler
	f.attaches++
	return nil
}

func (f *Fake) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.detaches++
	}
	f.handler = nil
	return nil
}

func (f *Fake) Close() error {
	return f.Detach()
}

// FailAttach makes Attach return err until called again with nil.
func (f *Fake) FailAttach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErr = err
}

// Trigger delivers one pulse on the calling goroutine. It reports whether
// a handler was attached.
func (f *Fake) Trigger() bool {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler()
	return true
}

// Attached reports whether a handler is currently attached.
func (f *Fake) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

// Counts returns how many times the sensor was attached and detached.
func (f *Fake) Counts() (attaches, detaches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches, f.detaches
}
