package display

import (
	"context"
	"sync"
)

// Fake is an in-memory Controller that records every call. Events
// receives "on" or "off" for each command (dropped if nobody reads and
// the buffer is full).
type Fake struct {
	mu       sync.Mutex
	state    State
	queryErr error
	queries  int
	ons      int
	offs     int
	events   chan string
}

// NewFake returns a Fake reporting the given initial state.
func NewFake(initial State) *Fake {
	return &Fake{
		state:  initial,
		events: make(chan string, 64),
	}
}

func (f *Fake) State(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return StateUnknown, f.queryErr
	}
	return f.state, nil
}

func (f *Fake) TurnOn(ctx context.Context) {
	f.mu.Lock()
	f.ons++
	f.state = StateOn
	f.mu.Unlock()
	f.emit("on")
}

func (f *Fake) TurnOff(ctx context.Context) {
	f.mu.Lock()
	f.offs++
	f.state = StateOff
	f.mu.Unlock()
	f.emit("off")
}

func (f *Fake) emit(event string) {
	select {
	case f.events <- event:
	default:
	}
}

// FailQueries makes State return err until called again with nil.
func (f *Fake) FailQueries(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

// Set changes the reported state without counting a command, as if the
// display had been switched by something else.
func (f *Fake) Set(state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// Counts returns the number of TurnOn and TurnOff calls so far.
func (f *Fake) Counts() (ons, offs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ons, f.offs
}

// Queries returns the number of State calls so far.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// Events delivers "on"/"off" for each command in call order.
func (f *Fake) Events() <-chan string {
	return f.events
}
