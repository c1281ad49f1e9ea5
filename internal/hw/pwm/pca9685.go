package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"
)

const (
	pca9685Channels   = 16
	pca9685Resolution = 4096 // 12-bit counter per frame
)

// pca9685Device is the subset of *pca9685.Dev used by the driver.
type pca9685Device interface {
	SetPwm(channel int, on, off gpio.Duty) error
	SetFullOff(channel int) error
}

// PCA9685Driver drives servos from a PCA9685 16-channel board over I2C.
// Ports are board channels 0-15.
type PCA9685Driver struct {
	mu       sync.Mutex
	bus      i2c.BusCloser
	dev      pca9685Device
	freqHz   int
	pulses   PulseMap
	attached map[int]bool
}

// NewPCA9685Driver opens the I2C bus (busName "" picks the first one),
// sets the board frame rate and returns a driver ready for Attach.
func NewPCA9685Driver(busName string, addr uint16, freqHz int, pulses PulseMap) (*PCA9685Driver, error) {
	debug.Info("Initializing PCA9685 PWM driver (bus=%q addr=%#x)", busName, addr)

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open pca9685 at %#x: %w", addr, err)
	}
	if err := dev.SetPwmFreq(physic.Frequency(freqHz) * physic.Hertz); err != nil {
		bus.Close()
		return nil, fmt.Errorf("set pca9685 frequency: %w", err)
	}

	drv := newPCA9685Driver(dev, freqHz, pulses)
	drv.bus = bus
	return drv, nil
}

func newPCA9685Driver(dev pca9685Device, freqHz int, pulses PulseMap) *PCA9685Driver {
	return &PCA9685Driver{
		dev:      dev,
		freqHz:   freqHz,
		pulses:   pulses,
		attached: make(map[int]bool),
	}
}

// ticks converts a pulse width into counter ticks for the configured frame rate.
func (p *PCA9685Driver) ticks(us int) gpio.Duty {
	return gpio.Duty(us * pca9685Resolution * p.freqHz / 1000000)
}

func (p *PCA9685Driver) Attach(port int) (Channel, error) {
	debug.PWM("Attach", port, "pca9685")
	if port < 0 || port >= pca9685Channels {
		return nil, fmt.Errorf("pca9685 channel %d out of range 0-%d", port, pca9685Channels-1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[port] = true
	return &pcaChannel{drv: p, port: port}, nil
}

// Close switches every attached channel fully off and releases the bus.
func (p *PCA9685Driver) Close() error {
	debug.Trace("PWM Close (pca9685)")
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for port := range p.attached {
		if err := p.dev.SetFullOff(port); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("switch off channel %d: %w", port, err)
		}
	}
	if p.bus != nil {
		if err := p.bus.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close i2c bus: %w", err)
		}
	}
	return firstErr
}

type pcaChannel struct {
	drv  *PCA9685Driver
	port int
}

func (c *pcaChannel) Write(deg int) error {
	us := c.drv.pulses.PulseUs(deg)
	off := c.drv.ticks(us)
	debug.PWM("Write", c.port, debug.Fmt("%d° (%dus, %d ticks)", clampAngle(deg), us, off))
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.drv.dev.SetPwm(c.port, 0, off); err != nil {
		return fmt.Errorf("pca9685 channel %d: %w", c.port, err)
	}
	return nil
}

func (c *pcaChannel) Port() int { return c.port }
