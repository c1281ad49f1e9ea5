// Package helm owns the boat's two servo actuators: the winch trimming the
// sail sheet and the rudder steering. Both share one power gate, so every
// command is serialised; only one actuator is ever mid-move.
package helm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/cjeanneret/SailPilot/internal/config"
	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/hw/gpio"
	"github.com/cjeanneret/SailPilot/internal/hw/powergate"
	"github.com/cjeanneret/SailPilot/internal/hw/pwm"
	"github.com/cjeanneret/SailPilot/internal/logic/actuator"
)

// RudderCenter is the rudder angle for straight ahead, before heel offset.
const RudderCenter = 90

// Default input range of NormalizedWinchTo.
const (
	NormalizedLow  = 0
	NormalizedHigh = 90
)

var (
	// ErrNotInitialized is returned by moves issued before Init.
	ErrNotInitialized = errors.New("helm not initialized")
	// ErrEmptyRange is returned when a normalisation range has no width.
	ErrEmptyRange = errors.New("normalisation range is empty")
)

// Actuator describes the wiring and travel of one servo.
type Actuator struct {
	EnablePin      int
	Port           int
	Min            int
	Max            int
	SpeedDegPerSec float64
	Start          int
}

// Config holds everything New needs.
type Config struct {
	SharedEnablePin int
	StabilizeDelay  time.Duration
	SettleFloor     time.Duration
	HeelOffset      int
	Winch           Actuator
	Rudder          Actuator
}

// FromConfig extracts the helm settings from the application config.
func FromConfig(cfg *config.Config) Config {
	actuatorFrom := func(a config.ActuatorConfig) Actuator {
		return Actuator{
			EnablePin:      a.EnablePin,
			Port:           a.Port,
			Min:            a.Min,
			Max:            a.Max,
			SpeedDegPerSec: a.SpeedDegPerSec,
			Start:          a.Start,
		}
	}
	return Config{
		SharedEnablePin: cfg.Power.SharedEnablePin,
		StabilizeDelay:  cfg.StabilizeDelay(),
		SettleFloor:     cfg.SettleFloor(),
		HeelOffset:      cfg.Defaults.HeelOffsetDeg,
		Winch:           actuatorFrom(cfg.Winch),
		Rudder:          actuatorFrom(cfg.Rudder),
	}
}

// Helm drives the winch and the rudder.
type Helm struct {
	sem         chan struct{} // held for a whole command, engage to release
	cfg         Config
	gate        *powergate.Gate
	pwm         pwm.Driver
	winch       *actuator.Controller
	rudder      *actuator.Controller
	heel        *actuator.Bias
	initialized bool
}

// New builds the helm. Nothing touches the hardware until Init.
func New(cfg Config, g gpio.Driver, p pwm.Driver, clock powergate.Sleeper) *Helm {
	gate := powergate.New(g, cfg.SharedEnablePin, cfg.StabilizeDelay, clock)
	heel := actuator.NewBias(cfg.HeelOffset)

	winch := actuator.New(actuator.Config{
		Name:           "Winch",
		EnablePin:      cfg.Winch.EnablePin,
		Min:            cfg.Winch.Min,
		Max:            cfg.Winch.Max,
		SpeedDegPerSec: cfg.Winch.SpeedDegPerSec,
		Start:          cfg.Winch.Start,
		SettleFloor:    cfg.SettleFloor,
	}, gate, clock)

	rudder := actuator.New(actuator.Config{
		Name:           "Rudder",
		EnablePin:      cfg.Rudder.EnablePin,
		Min:            cfg.Rudder.Min,
		Max:            cfg.Rudder.Max,
		SpeedDegPerSec: cfg.Rudder.SpeedDegPerSec,
		Start:          cfg.Rudder.Start,
		SettleFloor:    cfg.SettleFloor,
		Bias:           heel,
	}, gate, clock)

	return &Helm{
		sem:    make(chan struct{}, 1),
		cfg:    cfg,
		gate:   gate,
		pwm:    p,
		winch:  winch,
		rudder: rudder,
		heel:   heel,
	}
}

func (h *Helm) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Helm) release() { <-h.sem }

// do runs fn holding the helm, once initialised.
func (h *Helm) do(ctx context.Context, fn func() error) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	if !h.initialized {
		return ErrNotInitialized
	}
	return fn()
}

// Init sets the three enable lines to outputs driven LOW, then attaches
// the winch and rudder PWM channels. It must run once before any move.
func (h *Helm) Init(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	if h.initialized {
		return errors.New("helm already initialized")
	}

	debug.Verbose("Helm: enable lines shared=%d winch=%d rudder=%d",
		h.cfg.SharedEnablePin, h.cfg.Winch.EnablePin, h.cfg.Rudder.EnablePin)
	if err := h.gate.Setup(h.cfg.Winch.EnablePin, h.cfg.Rudder.EnablePin); err != nil {
		return err
	}

	winchCh, err := h.pwm.Attach(h.cfg.Winch.Port)
	if err != nil {
		return fmt.Errorf("attach winch port %d: %w", h.cfg.Winch.Port, err)
	}
	rudderCh, err := h.pwm.Attach(h.cfg.Rudder.Port)
	if err != nil {
		return fmt.Errorf("attach rudder port %d: %w", h.cfg.Rudder.Port, err)
	}
	h.winch.Attach(winchCh)
	h.rudder.Attach(rudderCh)

	h.initialized = true
	debug.Info("Helm initialized (winch port %d, rudder port %d)", h.cfg.Winch.Port, h.cfg.Rudder.Port)
	return nil
}

// WinchTo moves the winch to an absolute position.
func (h *Helm) WinchTo(ctx context.Context, deg int) error {
	return h.do(ctx, func() error {
		return h.winch.MoveTo(deg)
	})
}

// CenterWinch moves the winch to the Max bound of its configured range.
func (h *Helm) CenterWinch(ctx context.Context) error {
	return h.do(ctx, func() error {
		_, top := h.winch.Bounds()
		return h.winch.MoveTo(top)
	})
}

// NormalizedWinchTo maps value from [0,90] onto the winch range.
func (h *Helm) NormalizedWinchTo(ctx context.Context, value int) error {
	return h.NormalizedWinchToRange(ctx, value, NormalizedLow, NormalizedHigh)
}

// NormalizedWinchToRange maps value from [fromLow,fromHigh] onto the winch
// range by integer linear interpolation. Values outside the input range
// extrapolate; the result is clamped by the move itself.
func (h *Helm) NormalizedWinchToRange(ctx context.Context, value, fromLow, fromHigh int) error {
	if fromLow == fromHigh {
		return fmt.Errorf("%w: [%d,%d]", ErrEmptyRange, fromLow, fromHigh)
	}
	return h.do(ctx, func() error {
		toLow, toHigh := h.winch.Bounds()
		return h.winch.MoveTo(Remap(value, fromLow, fromHigh, toLow, toHigh))
	})
}

// RudderTo moves the rudder to an absolute position. The heel offset is
// added to deg before clamping.
func (h *Helm) RudderTo(ctx context.Context, deg int) error {
	return h.do(ctx, func() error {
		return h.rudder.MoveTo(deg)
	})
}

// RudderFromCenter moves the rudder offset degrees away from center.
func (h *Helm) RudderFromCenter(ctx context.Context, offset int) error {
	return h.RudderTo(ctx, actuator.SaturatingAdd(RudderCenter, offset))
}

// CenterRudder steers straight ahead, compensated for heel.
func (h *Helm) CenterRudder(ctx context.Context) error {
	return h.RudderFromCenter(ctx, 0)
}

// Center centers the winch, then the rudder.
func (h *Helm) Center(ctx context.Context) error {
	if err := h.CenterWinch(ctx); err != nil {
		return err
	}
	return h.CenterRudder(ctx)
}

// SetHeelOffset changes the rudder bias used by subsequent rudder moves.
func (h *Helm) SetHeelOffset(deg int) {
	debug.Live("Heel offset %d", deg)
	h.heel.Set(deg)
}

// HeelOffset returns the current rudder bias.
func (h *Helm) HeelOffset() int {
	return h.heel.Degrees()
}

// ActuatorState is a snapshot of one actuator.
type ActuatorState struct {
	Position int `json:"position"`
	Min      int `json:"min"`
	Max      int `json:"max"`
}

// State is a snapshot of the helm.
type State struct {
	Initialized bool          `json:"initialized"`
	HeelOffset  int           `json:"heel_offset"`
	Winch       ActuatorState `json:"winch"`
	Rudder      ActuatorState `json:"rudder"`
}

func snapshot(c *actuator.Controller) ActuatorState {
	lo, hi := c.Range()
	return ActuatorState{Position: c.Position(), Min: lo, Max: hi}
}

// State waits for any move in flight and returns a snapshot.
func (h *Helm) State(ctx context.Context) (State, error) {
	if err := h.acquire(ctx); err != nil {
		return State{}, err
	}
	defer h.release()
	return State{
		Initialized: h.initialized,
		HeelOffset:  h.heel.Degrees(),
		Winch:       snapshot(h.winch),
		Rudder:      snapshot(h.rudder),
	}, nil
}

// Close waits for any move in flight, drops every enable line and closes
// the PWM driver.
func (h *Helm) Close() error {
	if err := h.acquire(context.Background()); err != nil {
		return err
	}
	defer h.release()

	var firstErr error
	if h.initialized {
		for _, pin := range []int{h.cfg.Winch.EnablePin, h.cfg.Rudder.EnablePin} {
			if err := h.gate.Release(pin); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		h.initialized = false
	}
	if err := h.pwm.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close pwm: %w", err)
	}
	return firstErr
}

var (
	bigMinInt = big.NewInt(math.MinInt)
	bigMaxInt = big.NewInt(math.MaxInt)
)

// Remap linearly maps value from [fromLow,fromHigh] to [toLow,toHigh] with
// integer arithmetic truncating toward zero. The result saturates at the int
// limits instead of wrapping. fromLow must differ from fromHigh.
func Remap(value, fromLow, fromHigh, toLow, toHigh int) int {
	i := func(v int) *big.Int { return big.NewInt(int64(v)) }

	num := new(big.Int).Sub(i(value), i(fromLow))
	num.Mul(num, new(big.Int).Sub(i(toHigh), i(toLow)))
	num.Quo(num, new(big.Int).Sub(i(fromHigh), i(fromLow)))
	num.Add(num, i(toLow))

	switch {
	case num.Cmp(bigMinInt) < 0:
		return math.MinInt
	case num.Cmp(bigMaxInt) > 0:
		return math.MaxInt
	}
	return int(num.Int64())
}
