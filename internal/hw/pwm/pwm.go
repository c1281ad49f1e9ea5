// Package pwm generates servo pulses. A Driver hands out one Channel per
// attached port; the Channel turns an angle in degrees into a pulse width.
// Calibration of the degree-to-pulse mapping lives entirely here, callers
// only ever deal in degrees.
package pwm

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SailPilot/internal/config"
	"github.com/cjeanneret/SailPilot/internal/debug"
)

// Servo travel accepted by Write; values outside are clamped, like the
// Arduino Servo library does.
const (
	MinAngle = 0
	MaxAngle = 180
)

// Channel is one attached servo output.
type Channel interface {
	// Write commands the servo to an absolute angle in degrees.
	Write(deg int) error
	Port() int
}

// Driver attaches servo channels to logical ports.
type Driver interface {
	Attach(port int) (Channel, error)
	Close() error
}

// PulseMap converts degrees into pulse widths.
type PulseMap struct {
	MinUs int // pulse width at MinAngle
	MaxUs int // pulse width at MaxAngle
}

// PulseUs returns the pulse width in microseconds for deg.
func (m PulseMap) PulseUs(deg int) int {
	deg = clampAngle(deg)
	return m.MinUs + deg*(m.MaxUs-m.MinUs)/(MaxAngle-MinAngle)
}

func clampAngle(deg int) int {
	if deg < MinAngle {
		return MinAngle
	}
	if deg > MaxAngle {
		return MaxAngle
	}
	return deg
}

// NewDriver creates a PWM driver for the configured backend.
func NewDriver(cfg config.PWMConfig) (Driver, error) {
	pulses := PulseMap{MinUs: cfg.MinPulseUs, MaxUs: cfg.MaxPulseUs}
	switch cfg.Backend {
	case config.BackendMock:
		debug.Info("Using MOCK PWM driver (development mode)")
		return NewMockDriver(), nil
	case config.BackendRPi:
		return NewRPiDriver(cfg.FrequencyHz, pulses), nil
	case config.BackendPCA9685:
		return NewPCA9685Driver(cfg.I2CBus, cfg.I2CAddress, cfg.FrequencyHz, pulses)
	default:
		return nil, fmt.Errorf("unsupported pwm backend: %s", cfg.Backend)
	}
}

// MockDriver records the last angle written on each port.
type MockDriver struct {
	mu       sync.Mutex
	attached map[int]bool
	last     map[int]int
}

// NewMockDriver creates an empty mock PWM driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		attached: make(map[int]bool),
		last:     make(map[int]int),
	}
}

func (m *MockDriver) Attach(port int) (Channel, error) {
	debug.PWM("Attach", port, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached[port] = true
	return &mockChannel{drv: m, port: port}, nil
}

// Last returns the last angle written on port and whether anything was written.
func (m *MockDriver) Last(port int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deg, ok := m.last[port]
	return deg, ok
}

func (m *MockDriver) Close() error {
	debug.Trace("PWM Close (mock)")
	return nil
}

type mockChannel struct {
	drv  *MockDriver
	port int
}

func (c *mockChannel) Write(deg int) error {
	deg = clampAngle(deg)
	debug.PWM("Write", c.port, deg)
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.last[c.port] = deg
	return nil
}

func (c *mockChannel) Port() int { return c.port }
