// Package sensor delivers motion pulses from a PIR sensor.
package sensor

// Sensor is a source of motion pulses. Attach starts delivering pulses to
// handler; Detach stops delivery and releases the hardware so another
// Attach can request it again. A pulse already in flight when Detach
// returns may still reach the handler once.
type Sensor interface {
	Attach(handler func()) error
	Detach() error
	Close() error
}

// Unavailable stands in for hardware that could not be opened, so remote
// display commands keep working without a sensor. Attach fails with Err.
type Unavailable struct {
	Err error
}

func (u Unavailable) Attach(func()) error { return u.Err }
func (u Unavailable) Detach() error       { return nil }
func (u Unavailable) Close() error        { return nil }
