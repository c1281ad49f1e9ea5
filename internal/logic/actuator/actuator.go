package actuator

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/hw/powergate"
	"github.com/cjeanneret/SailPilot/internal/hw/pwm"
)

// DefaultSettleFloor is the settle wait added to every nonzero move.
const DefaultSettleFloor = 150 * time.Millisecond

// ErrNotAttached is returned by MoveTo before a PWM channel is attached.
var ErrNotAttached = errors.New("no PWM channel attached")

// Bias is an angle added to every target of the controllers sharing it.
// The rudder uses it for heel compensation. A nil *Bias reads as zero.
type Bias struct {
	deg atomic.Int64
}

// NewBias creates a bias starting at deg.
func NewBias(deg int) *Bias {
	b := &Bias{}
	b.Set(deg)
	return b
}

// Set replaces the bias.
func (b *Bias) Set(deg int) {
	b.deg.Store(int64(deg))
}

// Degrees returns the current bias.
func (b *Bias) Degrees() int {
	if b == nil {
		return 0
	}
	return int(b.deg.Load())
}

// Config holds the fixed parameters of one servo actuator.
type Config struct {
	Name           string  // used in log lines, e.g. "Winch"
	EnablePin      int     // per-actuator enable line behind the shared gate
	Min            int     // range bound in degrees; may be greater than Max
	Max            int     // range bound in degrees
	SpeedDegPerSec float64 // travel speed, only used to estimate settle time
	Start          int     // position assumed before the first move, clamped into the range
	SettleFloor    time.Duration
	Bias           *Bias // optional, added to every target before clamping
}

// Controller moves one servo to absolute positions through the power gate
// and tracks where it was last sent. It is open loop: the settle wait is an
// estimate from the configured speed, nothing is measured.
//
// Controller is not safe for concurrent use; serialise moves across every
// controller sharing the same gate.
type Controller struct {
	cfg     Config
	lo, hi  int
	gate    *powergate.Gate
	clock   powergate.Sleeper
	channel pwm.Channel
	current int
}

// New creates a controller. The PWM channel is attached later with Attach.
func New(cfg Config, gate *powergate.Gate, clock powergate.Sleeper) *Controller {
	if cfg.SettleFloor <= 0 {
		cfg.SettleFloor = DefaultSettleFloor
	}
	lo, hi := cfg.Min, cfg.Max
	if lo > hi {
		lo, hi = hi, lo
	}
	c := &Controller{
		cfg:   cfg,
		lo:    lo,
		hi:    hi,
		gate:  gate,
		clock: clock,
	}
	c.current = c.clamp(cfg.Start)
	return c
}

// Attach binds the PWM channel the controller writes to.
func (c *Controller) Attach(ch pwm.Channel) {
	c.channel = ch
}

// Name returns the actuator name.
func (c *Controller) Name() string { return c.cfg.Name }

// Position returns the last position the servo was driven to.
func (c *Controller) Position() int { return c.current }

// Range returns the normalised range, lo <= hi.
func (c *Controller) Range() (lo, hi int) { return c.lo, c.hi }

// Bounds returns the range exactly as configured, possibly reversed.
func (c *Controller) Bounds() (configMin, configMax int) { return c.cfg.Min, c.cfg.Max }

// Effective returns the position a MoveTo(target) would drive to:
// target plus bias, clamped into the range.
func (c *Controller) Effective(target int) int {
	return c.clamp(SaturatingAdd(target, c.cfg.Bias.Degrees()))
}

func (c *Controller) clamp(v int) int {
	if v < c.lo {
		return c.lo
	}
	if v > c.hi {
		return c.hi
	}
	return v
}

// SaturatingAdd returns a+b, pinned to math.MinInt or math.MaxInt instead
// of wrapping around.
func SaturatingAdd(a, b int) int {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return math.MaxInt
	case b < 0 && a < math.MinInt-b:
		return math.MinInt
	}
	return a + b
}

// SettleTime estimates how long the servo needs to travel from one
// position to another: 1000*|to-from|/speed ms plus the floor, truncated to
// whole milliseconds. Zero distance needs no wait.
func (c *Controller) SettleTime(from, to int) time.Duration {
	dist := to - from
	if dist < 0 {
		dist = -dist
	}
	if dist == 0 {
		return 0
	}
	ms := int64(float64(1000*dist) / c.cfg.SpeedDegPerSec)
	return time.Duration(ms)*time.Millisecond + c.cfg.SettleFloor
}

// MoveTo drives the servo to target (see Effective). A target equal to the
// current position does nothing. Otherwise the gate is engaged, the angle
// written, the settle time waited out and the gate released; the position
// is updated once the pulse was written. Release always runs once the gate
// was engaged.
func (c *Controller) MoveTo(target int) error {
	debug.Live("%s to %d", c.cfg.Name, target)

	v := c.Effective(target)
	if v == c.current {
		return nil
	}
	if c.channel == nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, ErrNotAttached)
	}

	settle := c.SettleTime(c.current, v)
	if err := c.gate.Engage(c.cfg.EnablePin); err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}

	writeErr := c.channel.Write(v)
	if writeErr == nil {
		debug.Verbose("%s: %d -> %d, settling %v", c.cfg.Name, c.current, v, settle)
		c.clock.Sleep(settle)
	}
	releaseErr := c.gate.Release(c.cfg.EnablePin)

	if writeErr != nil {
		return fmt.Errorf("%s: write %d: %w", c.cfg.Name, v, writeErr)
	}
	c.current = v
	if releaseErr != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, releaseErr)
	}
	return nil
}
