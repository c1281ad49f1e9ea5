package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// hardwarePWMPins maps the BCM pins wired to the BCM283x PWM peripheral
// onto their PWM channel. Two pins on the same channel output the same pulse.
var hardwarePWMPins = map[int]int{
	12: 0,
	18: 0,
	13: 1,
	19: 1,
}

// RPiDriver drives servos from the Raspberry Pi hardware PWM through go-rpio.
// The GPIO memory must already be mapped by the gpio RPiDriver.
type RPiDriver struct {
	mu     sync.Mutex
	freqHz int
	cycle  uint32 // ticks per frame, one tick per microsecond
	pulses PulseMap
	pins   map[int]rpio.Pin
}

// NewRPiDriver creates a hardware PWM driver running at freqHz.
func NewRPiDriver(freqHz int, pulses PulseMap) *RPiDriver {
	return &RPiDriver{
		freqHz: freqHz,
		cycle:  uint32(1000000 / freqHz),
		pulses: pulses,
		pins:   make(map[int]rpio.Pin),
	}
}

func (r *RPiDriver) Attach(port int) (Channel, error) {
	debug.PWM("Attach", port, "rpio")
	channel, ok := hardwarePWMPins[port]
	if !ok {
		return nil, fmt.Errorf("pin %d has no hardware PWM (use 12, 13, 18 or 19)", port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for used := range r.pins {
		if used != port && hardwarePWMPins[used] == channel {
			return nil, fmt.Errorf("pins %d and %d share PWM channel %d", used, port, channel)
		}
	}

	p := rpio.Pin(port)
	p.Mode(rpio.Pwm)
	// Clock must stay within 4688Hz - 19.2MHz; 1 tick per microsecond gives 1MHz.
	p.Freq(r.freqHz * int(r.cycle))
	r.pins[port] = p
	return &rpiChannel{drv: r, pin: p, port: port}, nil
}

// Close drops the duty cycle of every attached pin to zero, leaving the
// servos unpowered by pulses.
func (r *RPiDriver) Close() error {
	debug.Trace("PWM Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, p := range r.pins {
		debug.Verbose("Stopping PWM on pin %d", port)
		p.DutyCycle(0, r.cycle)
	}
	return nil
}

type rpiChannel struct {
	drv  *RPiDriver
	pin  rpio.Pin
	port int
}

func (c *rpiChannel) Write(deg int) error {
	us := c.drv.pulses.PulseUs(deg)
	debug.PWM("Write", c.port, fmt.Sprintf("%d° (%dus)", clampAngle(deg), us))
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.pin.DutyCycle(uint32(us), c.drv.cycle)
	return nil
}

func (c *rpiChannel) Port() int { return c.port }
