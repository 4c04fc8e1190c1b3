package display

import (
	"context"
	"fmt"
)

// State is the display power state as reported by the hardware.
type State int

const (
	StateUnknown State = iota
	StateOff
	StateOn
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "ON"
	case StateOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// Controller queries and sets display power. TurnOn and TurnOff are
// fire-and-forget: the hardware may take a while before State observes
// the change, and calling either twice is harmless.
type Controller interface {
	State(ctx context.Context) (State, error)
	TurnOn(ctx context.Context)
	TurnOff(ctx context.Context)
}

// HardwareQueryError reports that the power state could not be read.
type HardwareQueryError struct {
	Tool   string
	Output string
	Err    error
}

func (e *HardwareQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("query display power via %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("query display power via %s: unexpected output %q", e.Tool, e.Output)
}

func (e *HardwareQueryError) Unwrap() error {
	return e.Err
}
