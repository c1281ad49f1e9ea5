package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 64 * 1024

// PWM backends understood by the pwm package.
const (
	BackendMock    = "mock"
	BackendRPi     = "rpio"
	BackendPCA9685 = "pca9685"
)

// PowerConfig describes the shared driver enable line (SP_EN).
type PowerConfig struct {
	SharedEnablePin  int `yaml:"shared_enable_pin"`  // BCM pin gating the servo driver stage
	StabilizeDelayMs int `yaml:"stabilize_delay_ms"` // wait after raising each enable line
}

// ActuatorConfig holds the configuration for one servo actuator.
type ActuatorConfig struct {
	EnablePin      int     `yaml:"enable_pin"`        // per-actuator enable line (BCM)
	Port           int     `yaml:"port"`              // PWM port: BCM pin (rpio) or channel (pca9685)
	Min            int     `yaml:"min"`               // range bound in degrees, may be > Max
	Max            int     `yaml:"max"`               // range bound in degrees
	SpeedDegPerSec float64 `yaml:"speed_deg_per_sec"` // used only to estimate settle time
	Start          int     `yaml:"start"`             // assumed position at power-on
}

// PWMConfig selects and tunes the servo pulse generator.
type PWMConfig struct {
	Backend     string `yaml:"backend"`      // "mock", "rpio" or "pca9685"
	FrequencyHz int    `yaml:"frequency_hz"` // servo frame rate, usually 50
	MinPulseUs  int    `yaml:"min_pulse_us"` // pulse width at 0 degrees
	MaxPulseUs  int    `yaml:"max_pulse_us"` // pulse width at 180 degrees
	I2CBus      string `yaml:"i2c_bus"`      // pca9685 only; "" = first bus
	I2CAddress  uint16 `yaml:"i2c_address"`  // pca9685 only
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	DebugLevel    int  `yaml:"debug_level"`     // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO      bool `yaml:"mock_gpio"`       // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	HeelOffsetDeg int  `yaml:"heel_offset_deg"` // initial rudder bias
	SettleFloorMs int  `yaml:"settle_floor_ms"` // minimum settle wait for any nonzero move
}

// Config aggregates all application configuration.
type Config struct {
	Power    PowerConfig    `yaml:"power"`
	Winch    ActuatorConfig `yaml:"winch"`
	Rudder   ActuatorConfig `yaml:"rudder"`
	PWM      PWMConfig      `yaml:"pwm"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns a configuration matching the reference boat wiring.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Power.SharedEnablePin <= 0 {
		c.Power.SharedEnablePin = 25
	}
	if c.Power.StabilizeDelayMs <= 0 {
		c.Power.StabilizeDelayMs = 10
	}

	if c.Winch.EnablePin <= 0 {
		c.Winch.EnablePin = 27
	}
	if c.Winch.Port <= 0 {
		c.Winch.Port = 18
	}
	if c.Winch.Min == 0 && c.Winch.Max == 0 {
		c.Winch.Max = 180
	}
	if c.Winch.SpeedDegPerSec == 0 {
		c.Winch.SpeedDegPerSec = 25
	}

	if c.Rudder.EnablePin <= 0 {
		c.Rudder.EnablePin = 26
	}
	if c.Rudder.Port <= 0 {
		c.Rudder.Port = 13
	}
	if c.Rudder.Min == 0 && c.Rudder.Max == 0 {
		c.Rudder.Min, c.Rudder.Max = 30, 150
	}
	if c.Rudder.SpeedDegPerSec == 0 {
		c.Rudder.SpeedDegPerSec = 300
	}

	if c.PWM.Backend == "" {
		c.PWM.Backend = BackendMock
	}
	if c.PWM.FrequencyHz == 0 {
		c.PWM.FrequencyHz = 50
	}
	if c.PWM.MinPulseUs == 0 {
		c.PWM.MinPulseUs = 500
	}
	if c.PWM.MaxPulseUs == 0 {
		c.PWM.MaxPulseUs = 2500
	}
	if c.PWM.I2CAddress == 0 {
		c.PWM.I2CAddress = 0x40
	}

	if c.Defaults.SettleFloorMs <= 0 {
		c.Defaults.SettleFloorMs = 150
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Winch.SpeedDegPerSec <= 0 {
		return fmt.Errorf("winch.speed_deg_per_sec must be > 0, got %g", c.Winch.SpeedDegPerSec)
	}
	if c.Rudder.SpeedDegPerSec <= 0 {
		return fmt.Errorf("rudder.speed_deg_per_sec must be > 0, got %g", c.Rudder.SpeedDegPerSec)
	}
	pins := map[int]string{c.Power.SharedEnablePin: "power.shared_enable_pin"}
	for name, pin := range map[string]int{"winch.enable_pin": c.Winch.EnablePin, "rudder.enable_pin": c.Rudder.EnablePin} {
		if other, dup := pins[pin]; dup {
			return fmt.Errorf("%s and %s both use pin %d", name, other, pin)
		}
		pins[pin] = name
	}
	if c.Winch.Port == c.Rudder.Port {
		return fmt.Errorf("winch.port and rudder.port both use port %d", c.Winch.Port)
	}
	switch c.PWM.Backend {
	case BackendMock, BackendRPi, BackendPCA9685:
	default:
		return fmt.Errorf("unsupported pwm backend: %s", c.PWM.Backend)
	}
	if c.PWM.Backend == BackendRPi && c.Defaults.MockGPIO {
		return fmt.Errorf("pwm backend %q needs the real GPIO driver (defaults.mock_gpio: false)", BackendRPi)
	}
	if c.PWM.FrequencyHz < 0 || c.PWM.FrequencyHz > 1000 {
		return fmt.Errorf("pwm.frequency_hz must be between 1 and 1000, got %d", c.PWM.FrequencyHz)
	}
	if c.PWM.MinPulseUs <= 0 || c.PWM.MinPulseUs >= c.PWM.MaxPulseUs {
		return fmt.Errorf("pwm pulse bounds must satisfy 0 < min_pulse_us < max_pulse_us, got %d..%d",
			c.PWM.MinPulseUs, c.PWM.MaxPulseUs)
	}
	if c.PWM.MaxPulseUs*c.PWM.FrequencyHz >= 1000000 {
		return fmt.Errorf("pwm.max_pulse_us %d does not fit in a %d Hz frame", c.PWM.MaxPulseUs, c.PWM.FrequencyHz)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// StabilizeDelay returns the wait after raising each enable line.
func (c *Config) StabilizeDelay() time.Duration {
	return time.Duration(c.Power.StabilizeDelayMs) * time.Millisecond
}

// SettleFloor returns the minimum settle wait for a nonzero move.
func (c *Config) SettleFloor() time.Duration {
	return time.Duration(c.Defaults.SettleFloorMs) * time.Millisecond
}
