package powergate

import (
	"fmt"
	"time"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/hw/gpio"
)

// Sleeper is the timing capability: a blocking, uninterruptible wait.
// github.com/benbjohnson/clock's Clock satisfies it.
type Sleeper interface {
	Sleep(d time.Duration)
}

// DefaultStabilizeDelay is the wait after raising each enable line.
const DefaultStabilizeDelay = 10 * time.Millisecond

// Gate sequences power to the servo driver stage. The shared enable line
// (SP_EN) feeds the whole stage; each actuator has its own line behind it.
// The shared line is always HIGH before an actuator line goes HIGH, and
// both are LOW again once Release returns.
//
// Gate is not safe for concurrent moves: callers serialise whole
// engage/write/wait/release sequences.
type Gate struct {
	gpio      gpio.Driver
	sharedPin int
	delay     time.Duration
	clock     Sleeper
}

// New creates a gate driving sharedPin. A delay <= 0 uses DefaultStabilizeDelay.
func New(g gpio.Driver, sharedPin int, delay time.Duration, clock Sleeper) *Gate {
	if delay <= 0 {
		delay = DefaultStabilizeDelay
	}
	return &Gate{
		gpio:      g,
		sharedPin: sharedPin,
		delay:     delay,
		clock:     clock,
	}
}

// Setup configures the shared line and the given actuator lines as
// outputs, all LOW.
func (g *Gate) Setup(lines ...int) error {
	for _, pin := range append([]int{g.sharedPin}, lines...) {
		if err := g.gpio.SetupPin(pin, gpio.Output); err != nil {
			return fmt.Errorf("setup enable pin %d: %w", pin, err)
		}
		if err := g.gpio.WritePin(pin, gpio.Low); err != nil {
			return fmt.Errorf("drive enable pin %d low: %w", pin, err)
		}
	}
	return nil
}

// Engage raises the shared line, waits, raises line, waits.
// If line cannot be raised the shared line is dropped again.
func (g *Gate) Engage(line int) error {
	debug.Verbose("Power gate: engage (shared=%d, actuator=%d)", g.sharedPin, line)

	if err := g.gpio.WritePin(g.sharedPin, gpio.High); err != nil {
		return fmt.Errorf("raise shared enable pin %d: %w", g.sharedPin, err)
	}
	g.clock.Sleep(g.delay)

	if err := g.gpio.WritePin(line, gpio.High); err != nil {
		_ = g.gpio.WritePin(g.sharedPin, gpio.Low)
		return fmt.Errorf("raise enable pin %d: %w", line, err)
	}
	g.clock.Sleep(g.delay)
	return nil
}

// Release lowers line, then the shared line. Both writes are attempted
// even if the first one fails; the first error is returned.
func (g *Gate) Release(line int) error {
	debug.Verbose("Power gate: release (actuator=%d, shared=%d)", line, g.sharedPin)

	var firstErr error
	if err := g.gpio.WritePin(line, gpio.Low); err != nil {
		firstErr = fmt.Errorf("lower enable pin %d: %w", line, err)
	}
	if err := g.gpio.WritePin(g.sharedPin, gpio.Low); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lower shared enable pin %d: %w", g.sharedPin, err)
	}
	return firstErr
}
